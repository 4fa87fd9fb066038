package dwc2

import "github.com/ardnew/dwc2usb/host/hal"

// dwc2Device is the per-device attribute set spec.md §3 ("USB Device")
// names: assigned address, speed, and an optional transaction-translator
// reference for low/full-speed devices reached through a high-speed hub.
type dwc2Device struct {
	address hal.DeviceAddress
	speed   hal.Speed
	port    int // root hub port (always 1, single-port Non-goal)

	// hasTT, ttHubAddr, ttPort describe the translator this device sits
	// behind. hasTT is false for devices directly attached at high speed
	// (or attached to the root port at any speed, since the root port
	// has no TT of its own to traverse).
	hasTT    bool
	ttHubAddr uint8
	ttPort    uint8

	defaultEndpoint *Endpoint
}

// lowSpeedOrFull reports whether this device needs split transactions
// when it has a TT (spec.md §4.4.1: "device speed is low or full AND a
// TtHub is present").
func (d *dwc2Device) lowSpeedOrFull() bool {
	return d.speed == hal.SpeedLow || d.speed == hal.SpeedFull
}
