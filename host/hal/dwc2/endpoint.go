package dwc2

import (
	"sync"

	"github.com/ardnew/dwc2usb/host/hal"
)

// Endpoint is the per-endpoint state spec.md §3 describes: the
// descriptor copy, the two data-toggle latches, and the single in-flight
// CHSM slot. One Endpoint exists per (device, endpoint address) pair;
// it is created by AddEndpoint and destroyed with the owning device,
// mirroring the teacher's device/endpoint.go toggle-latch convention.
type Endpoint struct {
	mu sync.Mutex

	desc hal.EndpointDescriptor
	dev  *dwc2Device

	// inToggle/outToggle hold the next DATA PID to use for each
	// direction, initialised DATA0 and updated only on clean completion
	// of a data phase (spec.md §7, "Propagation").
	inToggle  uint8
	outToggle uint8

	chsm *chsm // single in-flight URB state machine for this endpoint
}

// newEndpoint constructs an Endpoint for dev. Isochronous descriptors
// are rejected by the caller (Controller.AddEndpoint) before this is
// reached; TransferIsochronous is Non-goal #1 (spec.md §1).
func newEndpoint(dev *dwc2Device, desc hal.EndpointDescriptor) *Endpoint {
	return &Endpoint{
		desc:      desc,
		dev:       dev,
		inToggle:  pidData0,
		outToggle: pidData0,
		chsm:      newCHSM(),
	}
}

// Update replaces the endpoint descriptor, used for the default
// endpoint's max-packet-size correction once the real device descriptor
// is read during enumeration (spec.md §3, "Attributes ... mutable for
// the default endpoint via Update").
func (e *Endpoint) Update(desc hal.EndpointDescriptor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.desc = desc
}

func (e *Endpoint) descriptor() hal.EndpointDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.desc
}

// toggle returns the current data toggle for the given direction.
func (e *Endpoint) toggle(in bool) uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if in {
		return e.inToggle
	}
	return e.outToggle
}

// setToggle stores the data toggle observed at halt back into the
// latch for the given direction.
func (e *Endpoint) setToggle(in bool, pid uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if in {
		e.inToggle = pid
	} else {
		e.outToggle = pid
	}
}

// resetToggles restores both latches to DATA0, the state USB 2.0 requires
// after a CLEAR_FEATURE ENDPOINT_HALT or a SET_CONFIGURATION. No code
// path in this package calls it.
func (e *Endpoint) resetToggles() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inToggle = pidData0
	e.outToggle = pidData0
}
