package dwc2

import (
	"github.com/ardnew/dwc2usb/pkg"
)

// trsmState is the Channel Transfer State Machine's state tag
// (spec.md §3, §4.4). Flat value type per DESIGN NOTES: "State machines
// are flat value types, not dynamic dispatch."
type trsmState uint8

const (
	trsmInit trsmState = iota
	trsmCheckFreePort
	trsmTransferring
	trsmTransferWaiting
	trsmTransferHalted
	trsmDone
)

func (s trsmState) String() string {
	switch s {
	case trsmInit:
		return "Init"
	case trsmCheckFreePort:
		return "CheckFreePort"
	case trsmTransferring:
		return "Transferring"
	case trsmTransferWaiting:
		return "TransferWaiting"
	case trsmTransferHalted:
		return "TransferHalted"
	case trsmDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// trsm drives one channel through the DWC2 hardware protocol for a
// single phase of a URB (spec.md §4.4). Its fields live with the
// owning endpoint's CHSM and are reused, reset by begin(), across every
// phase of a transfer and across retries.
type trsm struct {
	ctrl *Controller
	ch   int

	state trsmState

	pid uint8 // current PID (SETUP/DATA0/DATA1/MDATA, HCTSIZ encoding)
	in  bool
	buf []byte
	length int
	done   int

	maxXferLen int
	numPackets int
	xferLen    int

	doSplit       bool
	completeSplit bool
	ssplitFrameNum uint16
	nyetRetries    int

	hasTT bool
	ttHub uint8
	ttPort uint8

	devAddr  uint8
	epNum    uint8
	epType   uint8
	mps      int
	lowSpeed bool
	interval uint8 // bInterval in ms, used for interrupt/bulk NAK rearm

	// err holds the terminal outcome once state reaches trsmDone (nil on
	// a clean completion).
	err error
}

// trsmParams bundles the per-phase inputs begin() needs. Built fresh by
// the CHSM for every SETUP/DATA/STATUS phase.
type trsmParams struct {
	pid      uint8
	in       bool
	buf      []byte
	length   int
	devAddr  uint8
	epNum    uint8
	epType   uint8
	mps      int
	lowSpeed bool
	hasTT    bool
	ttHub    uint8
	ttPort   uint8
	interval uint8
}

// begin resets t for a new phase on the given channel and runs it to a
// park or to completion. Returns only once t.state is trsmDone, or the
// state machine has parked awaiting an interrupt or a TT grant.
func (t *trsm) begin(ctrl *Controller, ch int, p trsmParams) {
	t.ctrl = ctrl
	t.ch = ch
	t.pid = p.pid
	t.in = p.in
	t.buf = p.buf
	t.length = p.length
	t.done = 0
	t.devAddr = p.devAddr
	t.epNum = p.epNum
	t.epType = p.epType
	t.mps = p.mps
	t.lowSpeed = p.lowSpeed
	t.interval = p.interval
	t.doSplit = false
	t.completeSplit = false
	t.nyetRetries = 0
	t.err = nil

	t.hasTT = p.hasTT
	t.ttHub, t.ttPort = p.ttHub, p.ttPort

	t.state = trsmInit
	t.run()
}

// run drives the state machine forward until it parks (returns control
// awaiting an external event) or reaches trsmDone.
func (t *trsm) run() {
	for {
		switch t.state {
		case trsmInit:
			t.stepInit()
		case trsmCheckFreePort:
			if !t.stepCheckFreePort() {
				return // parked: another channel holds this TT pair
			}
		case trsmTransferring:
			t.stepTransferring()
			return // parked: waiting for HCINT.chhltd
		case trsmTransferHalted:
			if !t.stepTransferHalted() {
				return // parked: NAK-rearm timer armed
			}
		case trsmDone:
			t.stepDone()
			return
		default:
			return
		}
	}
}

// stepInit computes HCCHAR fields and the chunking parameters
// (spec.md §4.4.1).
func (t *trsm) stepInit() {
	t.maxXferLen = 511 * t.mps
	if t.maxXferLen > 65536 {
		t.maxXferLen = 65536
	}
	t.numPackets = t.maxXferLen / t.mps
	t.maxXferLen = t.numPackets * t.mps

	dir := uint32(0)
	if t.in {
		dir = hccharEpDirIn
	}
	lspd := uint32(0)
	if t.lowSpeed {
		lspd = hccharLspdDev
	}
	hcchar := setField(0, hccharMpsShift, hccharMpsMask, uint32(t.mps))
	hcchar = setField(hcchar, hccharEpNumShift, hccharEpNumMask, uint32(t.epNum))
	hcchar |= dir | lspd
	hcchar = setField(hcchar, hccharEpTypeShift, hccharEpTypeMask, uint32(t.epType))
	hcchar = setField(hcchar, hccharDevAddrShift, hccharDevAddrMask, uint32(t.devAddr))
	t.ctrl.io.chanWrite(t.ch, regHCCHAR, hcchar)
	t.ctrl.io.chanWrite(t.ch, regHCSPLT, 0)

	if t.hasTT {
		t.doSplit = true
		t.numPackets = 1
		t.maxXferLen = t.mps
		t.state = trsmCheckFreePort
		return
	}
	t.state = trsmTransferring
}

// stepCheckFreePort attempts to claim the TT pair for this channel.
// Returns true if it advanced (claimed and programmed HCSPLT), false if
// it parked waiting for the pair to free up.
func (t *trsm) stepCheckFreePort() bool {
	if !t.ctrl.tt.tryClaim(t.ch, int(t.ttHub), int(t.ttPort)) {
		return false // parked; releaser's dispatcher scan will resume us
	}
	hcsplt := setField(0, hcsplitPrtAddrShift, hcsplitPrtAddrMask, uint32(t.ttPort))
	hcsplt = setField(hcsplt, hcsplitHubAddrShift, hcsplitHubAddrMask, uint32(t.ttHub))
	hcsplt |= hcsplitSpltEna
	t.ctrl.io.chanWrite(t.ch, regHCSPLT, hcsplt)
	t.state = trsmTransferring
	return true
}

// stepTransferring programs this chunk's transfer and arms the halt
// interrupt (spec.md §4.4.3).
func (t *trsm) stepTransferring() {
	remaining := t.length - t.done
	t.xferLen = remaining
	if t.xferLen > t.maxXferLen {
		t.xferLen = t.maxXferLen
	}
	if t.maxXferLen > t.mps {
		t.numPackets = (t.xferLen + t.mps - 1) / t.mps
		if t.numPackets == 0 {
			t.numPackets = 1
		}
	} else {
		t.numPackets = 1
	}

	hcsplt := t.ctrl.io.chanRead(t.ch, regHCSPLT)
	if t.completeSplit {
		hcsplt |= hcsplitCompSplt
	} else {
		hcsplt &^= hcsplitCompSplt
	}
	t.ctrl.io.chanWrite(t.ch, regHCSPLT, hcsplt)

	hctsiz := setField(0, hctsizXferSizeShift, hctsizXferSizeMask, uint32(t.xferLen))
	hctsiz = setField(hctsiz, hctsizPktCntShift, hctsizPktCntMask, uint32(t.numPackets))
	hctsiz = setField(hctsiz, hctsizPidShift, hctsizPidMask, uint32(t.pid))
	t.ctrl.io.chanWrite(t.ch, regHCTSIZ, hctsiz)

	if !t.in && t.xferLen > 0 {
		t.ctrl.bounce.copyOut(t.ch, t.buf[t.done:t.done+t.xferLen])
	}
	t.ctrl.io.chanWrite(t.ch, regHCDMA, t.ctrl.bounce.physAddr(t.ch))

	t.ctrl.io.chanWrite(t.ch, regHCINT, hcintAllMask)
	t.ctrl.io.chanWrite(t.ch, regHCINTMSK, hcintChHltd)
	t.ctrl.armChannelInterrupt(t.ch)

	hcchar := t.ctrl.io.chanRead(t.ch, regHCCHAR)
	hcchar &^= (hccharMultiCntMask << hccharMultiCntShift) | hccharChEna | hccharChDis | hccharOddFrm
	hcchar = setField(hcchar, hccharMultiCntShift, hccharMultiCntMask, 1)
	if t.epType == eptypeInterrupt {
		frnum := t.ctrl.io.frameNumber()
		if frnum&1 == 0 {
			hcchar |= hccharOddFrm
		}
	}
	hcchar |= hccharChEna
	t.ctrl.io.chanWrite(t.ch, regHCCHAR, hcchar)

	t.state = trsmTransferWaiting
}

// onHalt is invoked by the dispatcher when this channel's CHHLTD
// interrupt has fired. It acknowledges HCINT and resumes the driver
// loop at trsmTransferHalted.
func (t *trsm) onHalt() {
	if t.state != trsmTransferWaiting {
		return
	}
	t.state = trsmTransferHalted
	t.run()
}

// stepTransferHalted implements spec.md §4.4.4's decode table. Returns
// true if the loop should continue synchronously (state already
// advanced to Init/Transferring/Done), false if it parked on the
// interrupt/bulk NAK-rearm timer. A restart through Init that then has
// to wait for the TT parks later, in CheckFreePort.
func (t *trsm) stepTransferHalted() bool {
	hcint := t.ctrl.io.chanRead(t.ch, regHCINT)
	t.ctrl.io.chanWrite(t.ch, regHCINT, hcintAllMask)
	hctsiz := t.ctrl.io.chanRead(t.ch, regHCTSIZ)
	t.pid = uint8(field(hctsiz, hctsizPidShift, hctsizPidMask))

	switch {
	case hcint&hcintXferComp != 0:
		return t.onXferComp(hctsiz)

	case hcint&hcintAck != 0 && t.doSplit && !t.completeSplit:
		t.ssplitFrameNum = t.ctrl.io.frameNumber()
		t.completeSplit = true
		t.state = trsmTransferring
		return true

	case hcint&hcintNyet != 0 && t.completeSplit:
		return t.onNyet()

	case (hcint&hcintNak != 0 || hcint&hcintFrmOvrun != 0) && t.epType == eptypeControl:
		// Open Question #2, DESIGN.md: restart from Init with the buffer
		// shifted forward by Done and Length shortened to match — a
		// documented quirk inherited from original_source, not a design
		// choice of this implementation.
		t.buf = t.buf[t.done:]
		t.length -= t.done
		t.done = 0
		t.restartFromInit()
		return true

	case hcint&hcintNak != 0 || hcint&hcintFrmOvrun != 0:
		t.onNonControlNak()
		return false

	case hcint&hcintStall != 0:
		t.err = pkg.ErrStall
		t.releaseAll()
		t.state = trsmDone
		return true

	default:
		t.err = pkg.ErrXactError
		t.releaseAll()
		t.state = trsmDone
		return true
	}
}

// onXferComp accounts delivered bytes and decides whether this chunk
// completes the transfer or another chunk is needed.
func (t *trsm) onXferComp(hctsiz uint32) bool {
	residue := int(field(hctsiz, hctsizXferSizeShift, hctsizXferSizeMask))
	// Assumption in force (Open Question #3, DESIGN.md): HCTSIZ.xfersize
	// reports the residue of the armed chunk, not its total.
	xfer := t.xferLen - residue
	if xfer < 0 {
		xfer = 0
	}
	if t.in && xfer > 0 {
		t.ctrl.bounce.copyIn(t.ch, t.buf[t.done:t.done+xfer])
	}
	t.done += xfer
	short := xfer < t.xferLen
	if short || t.done >= t.length {
		t.state = trsmDone
		return true
	}
	t.completeSplit = false
	t.state = trsmTransferring
	return true
}

// onNyet implements the complete-split retry window: retry until the
// frame counter has advanced more than 4 frames since the start-split,
// or until nyetRetryLimit attempts, then give up and restart from Init.
func (t *trsm) onNyet() bool {
	t.nyetRetries++
	delta := (t.ctrl.io.frameNumber() - t.ssplitFrameNum) & hfnumFrnumMask
	if delta > nyetFrameWindow || t.nyetRetries > nyetRetryLimit {
		t.restartFromInit()
		return true
	}
	t.state = trsmTransferring
	return true
}

// restartFromInit releases the TT (and channel's claim on it), wakes
// any parked waiter, and restarts this TRSM from Init. Used for the
// complete-split give-up path and, with buffer adjustment, for control
// NAK/frame-overrun retries.
func (t *trsm) restartFromInit() {
	t.releaseTT()
	t.completeSplit = false
	t.doSplit = false
	t.state = trsmInit
}

// onNonControlNak implements spec.md §4.4.4's interrupt/bulk NAK path:
// the TT is released immediately (so another endpoint behind the same
// hub/port can proceed) but the channel itself stays allocated to this
// TRSM per the CHSM channel-reservation invariant — see DESIGN.md,
// "Divergences from original_source". The resume timer re-enters Init
// after bInterval ms, which will re-acquire a TT pair if one is needed.
func (t *trsm) onNonControlNak() {
	t.releaseTT()
	t.state = trsmInit
	delay := t.ctrl.cfg.resumeInterval(t.interval)
	t.ctrl.timers.arm(t.ch, delay, func() {
		t.ctrl.dispatch(t.ch, func() { t.run() })
	})
}

// releaseTT clears this channel's TT reservation, if any, and notifies
// the dispatcher to scan for a parked waiter (spec.md §4.3).
func (t *trsm) releaseTT() {
	if !t.doSplit {
		return
	}
	hub, port, held := t.ctrl.tt.release(t.ch)
	if held {
		t.ctrl.reviveTTWaiter(t.ch, hub, port)
	}
}

// releaseAll releases both the TT reservation and (by returning control
// to the CHSM, which owns channel lifetime) lets the channel be freed
// once the CHSM reaches its own terminal state.
func (t *trsm) releaseAll() {
	t.releaseTT()
}

// stepDone implements spec.md §4.4.5: clear the channel's interrupt
// state and notify any TT waiter one last time in case a split was
// still held (e.g. STALL/XACT_ERROR paths call releaseAll directly, but
// a clean completion after CompleteSplit still needs this).
func (t *trsm) stepDone() {
	t.ctrl.io.chanWrite(t.ch, regHCINT, 0xFFFFFFFF)
	t.ctrl.io.chanWrite(t.ch, regHCINTMSK, 0)
	t.releaseTT()
}
