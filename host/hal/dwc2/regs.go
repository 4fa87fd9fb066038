// Package dwc2 implements the host/hal.HostHAL interface against a
// Synopsys DesignWare USB 2.0 OTG host controller operating in host mode
// with a single downstream port.
package dwc2

import "time"

// RegisterWindow abstracts the memory-mapped register block so the core
// state machines can be driven against either real MMIO (mmio_linux.go)
// or an in-process fake (memregs_test.go) without any other change.
//
// Implementations must provide the MMIO fence semantics spec.md §4.1 and
// §5 require: every logical read or write is bracketed by whatever
// barrier the backing store needs for visibility. For the in-process
// fake this is a no-op; for real MMIO it is the platform's memory and
// data-synchronisation barrier pair.
type RegisterWindow interface {
	// Read32 reads the 32-bit register at the given byte offset from the
	// controller's register base.
	Read32(offset uint32) uint32

	// Write32 writes the 32-bit register at the given byte offset.
	Write32(offset uint32, value uint32)

	// Close releases any resources (mappings, file descriptors) held by
	// the register window.
	Close() error
}

// InterruptWindow exposes the controller's shared interrupt line. The
// Channel Dispatcher's ISR-simulation goroutine blocks on Wait; a real
// backend (mmio_linux.go) implements this over a UIO device node's
// blocking read of the interrupt count, a fake implementation
// (memregs_test.go) over a buffered Go channel.
type InterruptWindow interface {
	// Wait blocks until an interrupt is pending, returning only an error
	// if the wait itself failed (e.g. the underlying fd closed).
	Wait() error
}

// Register block offsets, relative to the controller's MMIO base.
// Layout is fixed by the DWC-OTG programmer's model (spec.md §6).
const (
	offCoreGlobal   = 0x000
	offHostGlobal   = 0x400
	offHprt0        = 0x440
	offChannelBase  = 0x500
	offChannelSize  = 0x20
	offPcgcctl      = 0xE00
	numChannels     = 8
)

// Core global registers (offsets relative to offCoreGlobal).
const (
	regGOTGCTL  = 0x00
	regGOTGINT  = 0x04
	regGAHBCFG  = 0x08
	regGUSBCFG  = 0x0C
	regGRSTCTL  = 0x10
	regGINTSTS  = 0x14
	regGINTMSK  = 0x18
	regHPTXFSIZ = 0x100
)

// GAHBCFG fields.
const gahbcfgGlblIntrMsk = 1 << 0

// GRSTCTL fields.
const (
	grstctlCsftrst = 1 << 0
	grstctlAhbidle = 1 << 31
)

// GINTSTS / GINTMSK fields relevant to the core.
const (
	gintstsPrtIntr = 1 << 24 // HPRT0 change pending
	gintstsHcIntr  = 1 << 25 // one or more host channels halted
)

// Host global registers (offsets relative to offHostGlobal).
const (
	regHCFG     = 0x00
	regHFIR     = 0x04
	regHFNUM    = 0x08
	regHAINT    = 0x14
	regHAINTMSK = 0x18
)

// HFNUM fields.
const hfnumFrnumMask = 0x3FFF // 14-bit frame/microframe counter

// Per-channel registers (offsets relative to a channel's base).
const (
	regHCCHAR    = 0x00
	regHCSPLT    = 0x04
	regHCINT     = 0x08
	regHCINTMSK  = 0x0C
	regHCTSIZ    = 0x10
	regHCDMA     = 0x14
)

// HCCHAR field shifts and masks.
const (
	hccharMpsShift  = 0
	hccharMpsMask   = 0x7FF
	hccharEpNumShift = 11
	hccharEpNumMask  = 0xF
	hccharEpDirIn    = 1 << 15
	hccharLspdDev    = 1 << 17
	hccharEpTypeShift = 18
	hccharEpTypeMask  = 0x3
	hccharMultiCntShift = 20
	hccharMultiCntMask  = 0x3
	hccharDevAddrShift  = 22
	hccharDevAddrMask   = 0x7F
	hccharOddFrm   = 1 << 29
	hccharChDis    = 1 << 30
	hccharChEna    = 1 << 31
)

// Endpoint type values as programmed into HCCHAR.eptype.
const (
	eptypeControl   = 0
	eptypeIsoch     = 1
	eptypeBulk      = 2
	eptypeInterrupt = 3
)

// HCSPLT field shifts and masks.
const (
	hcsplitPrtAddrShift = 0
	hcsplitPrtAddrMask  = 0x7F
	hcsplitHubAddrShift = 7
	hcsplitHubAddrMask  = 0x7F
	hcsplitXactPosShift = 14
	hcsplitXactPosMask  = 0x3
	hcsplitCompSplt     = 1 << 16
	hcsplitSpltEna      = 1 << 31
)

// HCINT / HCINTMSK bit positions.
const (
	hcintXferComp   = 1 << 0
	hcintChHltd     = 1 << 1
	hcintAhbErr     = 1 << 2
	hcintStall      = 1 << 3
	hcintNak        = 1 << 4
	hcintAck        = 1 << 5
	hcintNyet       = 1 << 6
	hcintXactErr    = 1 << 7
	hcintBblErr     = 1 << 8
	hcintFrmOvrun   = 1 << 9
	hcintDataTglErr = 1 << 10

	hcintAllMask = 0x3FFF // clears all defined HCINT bits
)

// HCTSIZ field shifts and masks.
const (
	hctsizXferSizeShift = 0
	hctsizXferSizeMask  = 0x7FFFF
	hctsizPktCntShift   = 19
	hctsizPktCntMask    = 0x3FF
	hctsizPidShift      = 29
	hctsizPidMask       = 0x3
)

// PID values as programmed into / reported by HCTSIZ.pid.
const (
	pidData0 = 0
	pidData2 = 1
	pidData1 = 2
	pidMData = 3
	pidSetup = pidMData // SETUP shares the MDATA encoding in HCTSIZ.pid
)

// HPRT0 field shifts and masks. Change bits are write-one-to-clear;
// every write must preserve them as 0 unless intentionally acknowledging.
const (
	hprt0ConnSts    = 1 << 0
	hprt0ConnDet    = 1 << 1 // W1C
	hprt0Ena        = 1 << 2
	hprt0EnaChng    = 1 << 3 // W1C
	hprt0OvrCurrAct = 1 << 4
	hprt0OvrCurrChng = 1 << 5 // W1C
	hprt0Res        = 1 << 6
	hprt0Susp       = 1 << 7
	hprt0Rst        = 1 << 8
	hprt0Pwr        = 1 << 12
	hprt0SpdShift   = 17
	hprt0SpdMask    = 0x3

	hprt0W1CMask = hprt0ConnDet | hprt0EnaChng | hprt0OvrCurrChng
)

// Port speed values as reported in HPRT0.prtspd.
const (
	hprt0SpeedHigh = 0
	hprt0SpeedFull = 1
	hprt0SpeedLow  = 2
)

// Timing constants (spec.md §4.3, §6, §9).
const (
	ttResumeDelay       = 50 * time.Microsecond // TT waiter resume pacing
	portResetDuration   = 50 * time.Millisecond // PORT_RESET hold time
	portResetPollPeriod = 10 * time.Millisecond // post-reset change-bit poll
	resetChangeTimeout  = 200 * time.Millisecond // Open Question #1, DESIGN.md
	nyetRetryLimit      = 5                       // NYET retries before Init reset
	nyetFrameWindow     = 4                       // frames before giving up complete-split
)

// channelOffset returns the MMIO offset of channel ch's register block.
func channelOffset(ch int) uint32 {
	return offChannelBase + uint32(ch)*offChannelSize
}

// field extracts a bitfield given its shift and mask.
func field(v uint32, shift uint, mask uint32) uint32 {
	return (v >> shift) & mask
}

// setField returns v with the bitfield at shift/mask replaced by x.
func setField(v uint32, shift uint, mask uint32, x uint32) uint32 {
	return (v &^ (mask << shift)) | ((x & mask) << shift)
}
