package dwc2

import (
	"github.com/ardnew/dwc2usb/host/hal"
	"github.com/ardnew/dwc2usb/pkg"
)

// chsmState is the URB Transfer State Machine's state tag (spec.md §3,
// §4.5).
type chsmState uint8

const (
	chsmIdle chsmState = iota

	chsmControlSetup
	chsmControlSetupWait
	chsmControlSetupDone
	chsmControlData
	chsmControlDataWait
	chsmControlDataDone
	chsmControlStatus
	chsmControlStatusWait
	chsmControlStatusDone

	chsmAddressSetup
	chsmAddressSetupWait
	chsmAddressSetupDone
	chsmAddressStatus
	chsmAddressStatusWait
	chsmAddressStatusDone

	chsmInterruptOrBulkData
	chsmInterruptOrBulkDataWait
	chsmInterruptOrBulkDataDone
)

// statusScratchSize is the size of the internal buffer used for the
// zero-length control STATUS phase (spec.md §4.5).
const statusScratchSize = 8

// chsmRequest is the in-flight request a CHSM is driving: either an
// ordinary control/bulk/interrupt transfer or a synthesised SET_ADDRESS.
type chsmRequest struct {
	setAddress  bool
	newAddress  uint8
	setup       hal.SetupPacket
	data        []byte
	in          bool
	resultLen   int
	err         error
	done        chan struct{}
}

// chsm is the per-endpoint URB orchestration state machine (spec.md
// §4.5), grounded on original_source's TR_RunChSm/CHSM_STATE.
type chsm struct {
	state   chsmState
	channel int
	t       trsm

	req *chsmRequest
	ep  *Endpoint
	ctrl *Controller

	statusScratch [statusScratchSize]byte
}

func newCHSM() *chsm {
	return &chsm{state: chsmIdle, channel: -1}
}

// submit starts req on this endpoint's CHSM and returns once the first
// phase is parked; req.done is closed when the request completes (the
// caller, runRequest, waits on it). Only one request may be
// in flight per endpoint at a time (spec.md §3, "one URB in flight at a
// time per endpoint"); callers serialise via the endpoint's queue.
func (c *chsm) submit(ctrl *Controller, ep *Endpoint, req *chsmRequest) {
	c.ctrl = ctrl
	c.ep = ep
	c.req = req

	ch, err := ctrl.pool.allocate()
	if err != nil {
		req.err = err
		close(req.done)
		return
	}
	c.channel = ch
	ctrl.dispatcher.bind(ch, c)

	desc := ep.descriptor()
	if req.setAddress {
		c.state = chsmAddressSetup
	} else if desc.TransferType() == hal.TransferControl {
		c.state = chsmControlSetup
	} else {
		c.state = chsmInterruptOrBulkData
	}
	c.run()
}

// run drives the CHSM forward until it parks (a TRSM phase is in
// flight) or returns to Idle.
func (c *chsm) run() {
	for {
		switch c.state {
		case chsmControlSetup:
			c.beginControlSetup()
			return
		case chsmControlSetupDone:
			if !c.afterControlSetup() {
				return
			}
		case chsmControlData:
			c.beginControlData()
			return
		case chsmControlDataDone:
			if !c.afterControlData() {
				return
			}
		case chsmControlStatus:
			c.beginControlStatus()
			return
		case chsmControlStatusDone:
			if c.t.err != nil {
				c.completeTRSMError()
				return
			}
			c.complete(pkg.TransferStatusSuccess, c.req.resultLen)
			return

		case chsmAddressSetup:
			c.beginAddressSetup()
			return
		case chsmAddressSetupDone:
			c.state = chsmAddressStatus
			continue
		case chsmAddressStatus:
			c.beginAddressStatus()
			return
		case chsmAddressStatusDone:
			if c.t.err != nil {
				c.completeTRSMError()
				return
			}
			c.ctrl.applyNewAddress(c.req.newAddress)
			c.complete(pkg.TransferStatusSuccess, 0)
			return

		case chsmInterruptOrBulkData:
			c.beginInterruptOrBulkData()
			return
		case chsmInterruptOrBulkDataDone:
			c.afterInterruptOrBulkData()
			return

		default:
			return
		}
	}
}

// onTRSMPhaseDone is invoked by the dispatcher once the channel's TRSM
// has reached trsmDone for the phase currently in flight. It maps the
// *Wait state to the matching *Done state and resumes run().
func (c *chsm) onTRSMPhaseDone() {
	switch c.state {
	case chsmControlSetupWait:
		c.state = chsmControlSetupDone
	case chsmControlDataWait:
		c.state = chsmControlDataDone
	case chsmControlStatusWait:
		c.state = chsmControlStatusDone
	case chsmAddressSetupWait:
		c.state = chsmAddressSetupDone
	case chsmAddressStatusWait:
		c.state = chsmAddressStatusDone
	case chsmInterruptOrBulkDataWait:
		c.state = chsmInterruptOrBulkDataDone
	default:
		return
	}
	c.run()
}

func (c *chsm) beginControlSetup() {
	buf := make([]byte, hal.SetupPacketSize)
	c.req.setup.MarshalTo(buf)
	c.state = chsmControlSetupWait
	c.runPhase(trsmParams{
		pid:     pidSetup,
		in:      false,
		buf:     buf,
		length:  len(buf),
		epType:  eptypeControl,
	})
}

// afterControlSetup decides whether a data phase follows. Returns false
// if the SETUP phase failed and the request has been completed with its
// error, true to continue the CHSM loop synchronously into Data (when
// setup.Length > 0) or straight into Status.
func (c *chsm) afterControlSetup() bool {
	if c.t.err != nil {
		c.completeTRSMError()
		return false
	}
	if c.req.setup.Length > 0 {
		c.state = chsmControlData
		return true
	}
	c.state = chsmControlStatus
	return true
}

func (c *chsm) beginControlData() {
	c.state = chsmControlDataWait
	c.runPhase(trsmParams{
		pid:    pidData1,
		in:     c.req.in,
		buf:    c.req.data,
		length: len(c.req.data),
		epType: eptypeControl,
	})
}

func (c *chsm) afterControlData() bool {
	if c.t.err != nil {
		c.completeTRSMError()
		return false
	}
	c.req.resultLen = c.t.done
	c.state = chsmControlStatus
	return true
}

func (c *chsm) beginControlStatus() {
	// Status direction is the opposite of the data stage, or IN for a
	// zero-data-phase transfer (spec.md §4.5).
	in := !c.req.in
	if c.req.setup.Length == 0 {
		in = true
	}
	c.state = chsmControlStatusWait
	c.runPhase(trsmParams{
		pid:    pidData1,
		in:     in,
		buf:    c.statusScratch[:0],
		length: 0,
		epType: eptypeControl,
	})
}

func (c *chsm) beginAddressSetup() {
	setup := hal.SetupPacket{
		RequestType: 0x00,
		Request:     stdRequestSetAddress,
		Value:       uint16(c.req.newAddress),
	}
	buf := make([]byte, hal.SetupPacketSize)
	setup.MarshalTo(buf)
	c.state = chsmAddressSetupWait
	c.runPhase(trsmParams{
		pid:    pidSetup,
		in:     false,
		buf:    buf,
		length: len(buf),
		epType: eptypeControl,
	})
}

func (c *chsm) beginAddressStatus() {
	if c.t.err != nil {
		c.completeTRSMError()
		return
	}
	c.state = chsmAddressStatusWait
	c.runPhase(trsmParams{
		pid:    pidData1,
		in:     true,
		buf:    c.statusScratch[:0],
		length: 0,
		epType: eptypeControl,
	})
}

func (c *chsm) beginInterruptOrBulkData() {
	desc := c.ep.descriptor()
	in := desc.IsIn()
	pid := c.ep.toggle(in)
	epType := uint8(eptypeBulk)
	if desc.TransferType() == hal.TransferInterrupt {
		epType = eptypeInterrupt
	}
	c.state = chsmInterruptOrBulkDataWait
	c.runPhase(trsmParams{
		pid:      pid,
		in:       in,
		buf:      c.req.data,
		length:   len(c.req.data),
		epType:   epType,
		interval: desc.Interval,
	})
}

func (c *chsm) afterInterruptOrBulkData() {
	if c.t.err != nil {
		c.completeTRSMError()
		return
	}
	desc := c.ep.descriptor()
	c.ep.setToggle(desc.IsIn(), c.t.pid)
	c.complete(pkg.TransferStatusSuccess, c.t.done)
}

// completeTRSMError maps the TRSM's terminal error into a URB
// completion, releasing the channel (spec.md §7: "the channel and TT
// are released before completion").
func (c *chsm) completeTRSMError() {
	status := pkg.TransferStatusError
	switch c.t.err {
	case pkg.ErrStall:
		status = pkg.TransferStatusStall
	}
	c.completeErr(status, c.t.err)
}

func (c *chsm) completeErr(status pkg.TransferStatus, err error) {
	c.req.err = err
	c.finish(status, 0)
}

func (c *chsm) complete(status pkg.TransferStatus, n int) {
	c.finish(status, n)
}

func (c *chsm) finish(status pkg.TransferStatus, n int) {
	c.req.resultLen = n
	c.ctrl.dispatcher.unbind(c.channel)
	c.ctrl.pool.release(c.channel)
	c.channel = -1
	c.state = chsmIdle
	close(c.req.done)
}

// runPhase fills in the endpoint/device-invariant fields of params and
// hands it to this CHSM's single reusable trsm.
func (c *chsm) runPhase(p trsmParams) {
	dev := c.ep.dev
	p.devAddr = uint8(dev.address)
	p.epNum = c.ep.descriptor().Number()
	p.mps = int(c.ep.descriptor().MaxPacketSize)
	p.lowSpeed = dev.speed == hal.SpeedLow
	p.hasTT = dev.hasTT && dev.lowSpeedOrFull()
	if p.hasTT {
		p.ttHub, p.ttPort = dev.ttHubAddr, dev.ttPort
	}
	// begin() always parks (at CheckFreePort or TransferWaiting) rather
	// than completing synchronously; completion is driven by the
	// dispatcher's halt-interrupt and resume-timer callbacks re-entering
	// this same trsm and, on reaching trsmDone, calling onTRSMPhaseDone.
	c.t.begin(c.ctrl, c.channel, p)
}

// stdRequestSetAddress is the USB 2.0 standard request code for
// SET_ADDRESS.
const stdRequestSetAddress = 0x05
