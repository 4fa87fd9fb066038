package dwc2

import (
	"context"
	"time"

	"github.com/ardnew/dwc2usb/host/hal"
	"github.com/ardnew/dwc2usb/pkg"
)

// roothub translates the single downstream port's HPRT0 register into
// the host/hal.PortStatus shape and implements the reset/resume pacing
// spec.md §6 and §9 describe, grounded on original_source's
// RootHub_UcxEvt{Get,Set,Clear}PortFeature (Device.c).
type roothub struct {
	ctrl *Controller

	resetActive bool
	resetChange bool // virtualised ResetChange latch (spec.md §9)
}

// status reads HPRT0 and produces the hal.PortStatus view
// (spec.md §6, RootHub_GetPortStatus).
func (r *roothub) status() hal.PortStatus {
	v := r.ctrl.io.hprt0Read()
	speed := hal.SpeedHigh
	switch field(v, hprt0SpdShift, hprt0SpdMask) {
	case hprt0SpeedFull:
		speed = hal.SpeedFull
	case hprt0SpeedLow:
		speed = hal.SpeedLow
	}
	return hal.PortStatus{
		Connected:     v&hprt0ConnSts != 0,
		Enabled:       v&hprt0Ena != 0,
		Suspended:     v&hprt0Susp != 0,
		OverCurrent:   v&hprt0OvrCurrAct != 0,
		Reset:         v&hprt0Rst != 0,
		PowerOn:       v&hprt0Pwr != 0,
		Speed:         speed,
		ConnectChange: v&hprt0ConnDet != 0,
		EnableChange:  v&hprt0EnaChng != 0,
		ResetChange:   r.resetChange,
	}
}

// reset implements SetPortFeature(PORT_RESET): clear the change bits
// that would otherwise be spuriously acknowledged, assert prtrst, hold
// it for portResetDuration, then poll for a change bit or give up after
// resetChangeTimeout (spec.md §9, Open Question #1 — DESIGN.md records
// the 200 ms bound chosen here).
func (r *roothub) reset(ctx context.Context) error {
	r.resetActive = true
	r.resetChange = false

	cur := r.ctrl.io.hprt0Read()
	r.ctrl.io.hprt0Ack(cur, hprt0ConnDet|hprt0EnaChng|hprt0OvrCurrChng)
	cur = r.ctrl.io.hprt0Read()
	r.ctrl.io.hprt0Write(cur | hprt0Rst)

	select {
	case <-time.After(portResetDuration):
	case <-ctx.Done():
		return ctx.Err()
	}

	cur = r.ctrl.io.hprt0Read()
	r.ctrl.io.hprt0Write(cur &^ hprt0Rst)

	deadline := time.Now().Add(resetChangeTimeout)
	ticker := time.NewTicker(portResetPollPeriod)
	defer ticker.Stop()
	for {
		v := r.ctrl.io.hprt0Read()
		if v&(hprt0ConnDet|hprt0EnaChng|hprt0OvrCurrChng) != 0 {
			r.resetChange = true
			r.resetActive = false
			return nil
		}
		if time.Now().After(deadline) {
			r.resetActive = false
			return pkg.ErrTimeout
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			r.resetActive = false
			return ctx.Err()
		}
	}
}

// enable implements SetPortFeature(PORT_POWER) and
// ClearPortFeature(PORT_POWER): it sets or clears prtpwr, a direct HPRT0
// bit manipulation with W1C change bits preserved. It does not touch
// prtsusp or prtena; no function in this file sets or clears port
// suspend.
func (r *roothub) enable(on bool) error {
	cur := r.ctrl.io.hprt0Read()
	if on {
		r.ctrl.io.hprt0Write(cur | hprt0Pwr)
	} else {
		r.ctrl.io.hprt0Write(cur &^ hprt0Pwr)
	}
	return nil
}

// clearPortEnable implements ClearPortFeature(C_PORT_ENABLE): clears
// prtconndet/prtena/prtenchng/prtovrcurrchng and sets prtres, per
// Device.c's RootHub_UcxEvtClearPortFeature.
func (r *roothub) clearPortEnable() {
	cur := r.ctrl.io.hprt0Read()
	v := (cur &^ (hprt0ConnDet | hprt0Ena | hprt0EnaChng | hprt0OvrCurrChng)) | hprt0Res
	r.ctrl.io.hprt0Write(v)
}

// clearPortReset implements ClearPortFeature(C_PORT_RESET): sets
// prtenchng alone. prtena is deliberately left untouched — asserting it
// here would instantly disable the port the host just finished
// resetting (Device.c's RootHub_UcxEvtClearPortFeature comment).
func (r *roothub) clearPortReset() {
	cur := r.ctrl.io.hprt0Read()
	r.ctrl.io.hprt0Ack(cur, hprt0EnaChng)
}

// speed reports the connected device's negotiated speed.
func (r *roothub) speed() hal.Speed {
	return r.status().Speed
}

// currentFrameNumber implements Controller_GetCurrentFrameNumber
// (spec.md §6).
func (r *roothub) currentFrameNumber() uint16 {
	return r.ctrl.io.frameNumber()
}

// hardReset implements Controller_Reset (spec.md §6): poll GRSTCTL.ahbidle,
// assert csftrst, then poll for its self-clear.
func (r *roothub) hardReset(ctx context.Context) error {
	for {
		if r.ctrl.io.coreRead(regGRSTCTL)&grstctlAhbidle != 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	r.ctrl.io.coreWrite(regGRSTCTL, grstctlCsftrst)

	for {
		if r.ctrl.io.coreRead(regGRSTCTL)&grstctlCsftrst == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
