package dwc2

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/dwc2usb/host/hal"
	"github.com/ardnew/dwc2usb/pkg"
)

// Config configures a Controller. Following the teacher's HAL
// constructor convention (linux.NewHostHAL, fifo.NewHostHAL), this is a
// plain struct passed to New — no flag/env parsing happens in the HAL
// itself.
type Config struct {
	// RegisterWindow backs every MMIO access. Callers construct this
	// with NewMMIOWindow (mmio_linux.go) for real hardware or a fake for
	// tests.
	RegisterWindow RegisterWindow

	// Interrupts is the shared interrupt line the ISR-simulation
	// goroutine blocks on.
	Interrupts InterruptWindow

	// BouncePhysAddr gives the physical base address (already including
	// any platform DMA offset) of each channel's 64 KiB bounce buffer.
	BouncePhysAddr [numChannels]uint32

	// InterruptIntervalOverrideMS, when non-zero, overrides the resume-timer
	// pacing used for interrupt/bulk NAK rearm instead of the endpoint's
	// own bInterval. Zero means "use bInterval as programmed".
	InterruptIntervalOverrideMS uint8
}

// resumeInterval returns the NAK-rearm delay for an interrupt/bulk
// endpoint with the given bInterval (spec.md §4.4.4: "arm this
// channel's resume timer for bInterval ms").
func (c Config) resumeInterval(bInterval uint8) time.Duration {
	ms := bInterval
	if c.InterruptIntervalOverrideMS != 0 {
		ms = c.InterruptIntervalOverrideMS
	}
	if ms == 0 {
		ms = 1
	}
	return time.Duration(ms) * time.Millisecond
}

// Controller is the DWC2 host-mode core: the Register Window, Channel
// Pool, TT Reservation Table, per-channel TRSM/CHSM state, and the
// Channel Dispatcher, wired together behind host/hal.HostHAL. Grounded
// on the teacher's host/hal/linux.HostHAL and host/hal/fifo.HostHAL
// struct shape (ctx/cancel/wg/mu, ctrl lifecycle methods).
type Controller struct {
	cfg Config
	io  regIO
	irq InterruptWindow

	pool    channelPool
	tt      *ttReservation
	timers  resumeTimers
	bounce  *bouncePool
	addrs   *addressBitmap
	roothub roothub

	dispatcher *dispatcher

	devicesMu sync.Mutex
	devices   map[hal.DeviceAddress]*dwc2Device
	addrZero  *dwc2Device // the device currently at address 0, if any
	endpoints map[epKey]*Endpoint

	connectCh    chan int
	disconnectCh chan int

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.Mutex
}

// epKey identifies one endpoint within a device.
type epKey struct {
	addr hal.DeviceAddress
	ep   uint8
}

// New constructs a Controller bound to cfg's register window. It does
// not touch hardware until Init is called.
func New(cfg Config) *Controller {
	ctrl := &Controller{
		cfg:          cfg,
		irq:          cfg.Interrupts,
		tt:           newTTReservation(),
		bounce:       newBouncePool(cfg.BouncePhysAddr),
		addrs:        newAddressBitmap(),
		devices:      make(map[hal.DeviceAddress]*dwc2Device),
		endpoints:    make(map[epKey]*Endpoint),
		connectCh:    make(chan int, 4),
		disconnectCh: make(chan int, 4),
	}
	ctrl.io = regIO{rw: cfg.RegisterWindow}
	ctrl.roothub = roothub{ctrl: ctrl}
	ctrl.dispatcher = newDispatcher(ctrl)
	return ctrl
}

// Init initializes the controller: soft-resets the core and masks every
// interrupt source until Start enables them.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return pkg.ErrBusy
	}
	for ch, phys := range c.cfg.BouncePhysAddr {
		raw := phys
		if dmaOffset != 0 && raw >= dmaOffset {
			raw -= dmaOffset
		}
		if err := checkBelow1GiB(raw); err != nil {
			return fmt.Errorf("channel %d bounce buffer: %w", ch, err)
		}
	}
	if err := c.roothub.hardReset(ctx); err != nil {
		return err
	}
	c.io.coreWrite(regGINTMSK, 0)
	c.io.hostWrite(regHAINTMSK, 0)
	c.ctx, c.cancel = context.WithCancel(ctx)

	pkg.LogInfo(pkg.ComponentDWC2, "DWC2 controller initialized")
	return nil
}

// Start enables the global interrupt mask, applies power to the port,
// and launches the Channel Dispatcher.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return pkg.ErrBusy
	}

	gahbcfg := c.io.coreRead(regGAHBCFG)
	c.io.coreWrite(regGAHBCFG, gahbcfg|gahbcfgGlblIntrMsk)
	c.io.coreWrite(regGINTMSK, gintstsHcIntr|gintstsPrtIntr)
	_ = c.roothub.enable(true)

	c.dispatcher.start()
	c.running = true

	pkg.LogInfo(pkg.ComponentDWC2, "DWC2 controller started")
	return nil
}

// Stop disables interrupts and port power and tears down the dispatcher.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return pkg.ErrNotRunning
	}

	_ = c.roothub.enable(false)
	c.io.coreWrite(regGINTMSK, 0)
	c.timers.stopAll()
	c.dispatcher.close()
	if c.cancel != nil {
		c.cancel()
	}
	c.running = false

	pkg.LogInfo(pkg.ComponentDWC2, "DWC2 controller stopped")
	return nil
}

// Close releases the register window and any backing resources.
func (c *Controller) Close() error {
	return c.io.rw.Close()
}

// NumPorts reports the single downstream port this core supports
// (spec.md §1 Non-goals: ">1 downstream port").
func (c *Controller) NumPorts() int { return 1 }

// GetPortStatus returns the translated HPRT0 view for port (must be 1).
func (c *Controller) GetPortStatus(port int) (hal.PortStatus, error) {
	if port != 1 {
		return hal.PortStatus{}, pkg.ErrInvalidParameter
	}
	return c.roothub.status(), nil
}

// PortSpeed reports the connected device's negotiated speed.
func (c *Controller) PortSpeed(port int) hal.Speed {
	if port != 1 {
		return hal.SpeedUnknown
	}
	return c.roothub.speed()
}

// ResetPort drives SetPortFeature(PORT_RESET).
func (c *Controller) ResetPort(port int) error {
	if port != 1 {
		return pkg.ErrInvalidParameter
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return c.roothub.reset(ctx)
}

// EnablePort applies or removes port power.
func (c *Controller) EnablePort(port int, enable bool) error {
	if port != 1 {
		return pkg.ErrInvalidParameter
	}
	return c.roothub.enable(enable)
}

// CurrentFrameNumber exposes HFNUM.frnum (spec.md §6,
// Controller_GetCurrentFrameNumber).
func (c *Controller) CurrentFrameNumber() uint16 {
	return c.roothub.currentFrameNumber()
}

// HardReset exposes Controller_Reset (spec.md §6).
func (c *Controller) HardReset(ctx context.Context) error {
	return c.roothub.hardReset(ctx)
}

// ControlTransfer implements hal.HostHAL.
func (c *Controller) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	ep := c.endpointFor(addr, 0)
	if ep == nil {
		return 0, pkg.ErrInvalidEndpoint
	}
	req := &chsmRequest{
		setup: *setup,
		data:  data,
		in:    setup.RequestType&0x80 != 0,
		done:  make(chan struct{}),
	}
	return c.runRequest(ctx, ep, req)
}

// BulkTransfer implements hal.HostHAL.
func (c *Controller) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return c.dataTransfer(ctx, addr, endpoint, data)
}

// InterruptTransfer implements hal.HostHAL.
func (c *Controller) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return c.dataTransfer(ctx, addr, endpoint, data)
}

// IsochronousTransfer is rejected: isochronous is Non-goal #1
// (spec.md §1) and is already refused at AddEndpoint, so no endpoint
// of this type can ever reach here.
func (c *Controller) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return 0, pkg.ErrInvalidRequest
}

func (c *Controller) dataTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	ep := c.endpointFor(addr, endpoint)
	if ep == nil {
		return 0, pkg.ErrInvalidEndpoint
	}
	req := &chsmRequest{
		data: data,
		in:   ep.descriptor().IsIn(),
		done: make(chan struct{}),
	}
	return c.runRequest(ctx, ep, req)
}

func (c *Controller) runRequest(ctx context.Context, ep *Endpoint, req *chsmRequest) (int, error) {
	ep.chsm.submit(c, ep, req)
	select {
	case <-req.done:
		return req.resultLen, req.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// SetDeviceAddress runs the SET_ADDRESS flow against the device
// currently at address 0 (spec.md §4.5).
func (c *Controller) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	c.devicesMu.Lock()
	dev := c.addrZero
	c.devicesMu.Unlock()
	if dev == nil {
		return pkg.ErrNoDevice
	}
	if err := c.addrs.reserve(uint8(newAddr)); err != nil {
		return err
	}
	ep := dev.defaultEndpoint
	req := &chsmRequest{
		setAddress: true,
		newAddress: uint8(newAddr),
		done:       make(chan struct{}),
	}
	_, err := c.runRequest(ctx, ep, req)
	if err != nil {
		c.addrs.release(uint8(newAddr))
	}
	return err
}

// applyNewAddress moves the device from address 0 to its newly assigned
// address once SET_ADDRESS's status phase completes successfully.
func (c *Controller) applyNewAddress(newAddr uint8) {
	c.devicesMu.Lock()
	defer c.devicesMu.Unlock()
	dev := c.addrZero
	if dev == nil {
		return
	}
	dev.address = hal.DeviceAddress(newAddr)
	delete(c.devices, 0)
	c.devices[dev.address] = dev
	delete(c.endpoints, epKey{0, 0})
	c.endpoints[epKey{dev.address, 0}] = dev.defaultEndpoint
	c.addrZero = nil
}

// ClaimInterface is a no-op at this layer: interface claiming is a
// framework-level bookkeeping concern the core does not arbitrate.
func (c *Controller) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	if c.endpointFor(addr, 0) == nil {
		return pkg.ErrNoDevice
	}
	return nil
}

// ReleaseInterface mirrors ClaimInterface.
func (c *Controller) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	return nil
}

// WaitForConnection blocks until the port reports a connect change.
func (c *Controller) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case port := <-c.connectCh:
		return port, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// WaitForDisconnection blocks until the port reports a disconnect.
func (c *Controller) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case port := <-c.disconnectCh:
		return port, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// notifyPortChange is invoked by the dispatcher's ISR-simulation
// goroutine for a pending HPRT0 change; it classifies connect vs
// disconnect and fans out to the appropriate wait channel.
func (c *Controller) notifyPortChange() {
	st := c.roothub.status()
	if st.ConnectChange {
		if st.Connected {
			c.allocDeviceZero(st.Speed)
			select {
			case c.connectCh <- 1:
			default:
			}
		} else {
			c.releaseDevices()
			select {
			case c.disconnectCh <- 1:
			default:
			}
		}
	}
}

// releaseDevices tears down every device and endpoint tracked for the
// single root port (spec.md Non-goal: >1 downstream port) on disconnect,
// returning any address besides 0 to the bitmap addrs.allocate/reserve
// draws from.
func (c *Controller) releaseDevices() {
	c.devicesMu.Lock()
	defer c.devicesMu.Unlock()
	for addr := range c.devices {
		if addr != 0 {
			c.addrs.release(uint8(addr))
		}
		delete(c.devices, addr)
	}
	for key := range c.endpoints {
		delete(c.endpoints, key)
	}
	c.addrZero = nil
}

// allocDeviceZero creates the placeholder device at address 0 that
// enumeration addresses via SetDeviceAddress, mirroring the teacher's
// host.go enumeration flow ("create device at addr 0").
func (c *Controller) allocDeviceZero(speed hal.Speed) *dwc2Device {
	c.devicesMu.Lock()
	defer c.devicesMu.Unlock()
	dev := &dwc2Device{speed: speed, port: 1}
	dev.defaultEndpoint = newEndpoint(dev, hal.EndpointDescriptor{MaxPacketSize: defaultControlMPS(speed)})
	c.addrZero = dev
	c.devices[0] = dev
	c.endpoints[epKey{0, 0}] = dev.defaultEndpoint
	return dev
}

func defaultControlMPS(speed hal.Speed) uint16 {
	if speed == hal.SpeedLow {
		return 8
	}
	return 64
}

// AddEndpoint creates a non-default endpoint for dev. Isochronous is
// rejected here (spec.md §3, "Isochronous type is rejected at
// creation").
func (c *Controller) AddEndpoint(dev *dwc2Device, desc hal.EndpointDescriptor) (*Endpoint, error) {
	if desc.TransferType() == hal.TransferIsochronous {
		return nil, pkg.ErrInvalidRequest
	}
	ep := newEndpoint(dev, desc)
	c.devicesMu.Lock()
	c.endpoints[epKey{dev.address, desc.Address}] = ep
	c.devicesMu.Unlock()
	return ep, nil
}

// SetTranslator records the transaction translator a low/full-speed
// device sits behind when it is reached through a high-speed hub
// (spec.md §3's "USB Device" TtHub/TtPort fields). This package does no
// hub-topology discovery of its own — a hub-class driver layered above
// host/hal.HostHAL is expected to call this once it has read the
// device's upstream hub address and the hub's assigned TT port, before
// issuing transfers to any of the device's endpoints. Devices directly
// attached to the root port, or attached at high speed, never call this
// and keep hasTT false.
func (c *Controller) SetTranslator(addr hal.DeviceAddress, hubAddr, hubPort uint8) error {
	c.devicesMu.Lock()
	defer c.devicesMu.Unlock()
	dev := c.devices[addr]
	if dev == nil {
		return pkg.ErrNoDevice
	}
	dev.hasTT = true
	dev.ttHubAddr = hubAddr
	dev.ttPort = hubPort
	return nil
}

// RemoveEndpoint tears down a previously added endpoint.
func (c *Controller) RemoveEndpoint(dev *dwc2Device, epAddr uint8) {
	c.devicesMu.Lock()
	delete(c.endpoints, epKey{dev.address, epAddr})
	c.devicesMu.Unlock()
}

func (c *Controller) endpointFor(addr hal.DeviceAddress, epAddr uint8) *Endpoint {
	c.devicesMu.Lock()
	defer c.devicesMu.Unlock()
	return c.endpoints[epKey{addr, epAddr}]
}

// armChannelInterrupt unmasks channel ch's halt interrupt in HAINTMSK
// (spec.md §4.4.3: a transfer must arm the channel's interrupt before
// it can be issued). Init leaves HAINTMSK at 0; without this, the
// dispatcher's ISR-simulation goroutine would never observe an hcIntr
// GINTSTS bit on real silicon and every transfer would hang forever.
func (c *Controller) armChannelInterrupt(ch int) {
	haintmsk := c.io.hostRead(regHAINTMSK)
	c.io.hostWrite(regHAINTMSK, haintmsk|(1<<uint(ch)))
}

// dispatch posts fn onto channel ch's DPC cell.
func (c *Controller) dispatch(ch int, fn func()) {
	c.dispatcher.dispatch(ch, fn)
}

// reviveTTWaiter scans for the lowest-indexed channel parked in
// CheckFreePort on (hub, port) and arms its resume timer
// (spec.md §4.3). The channel that just released (from) is excluded.
func (c *Controller) reviveTTWaiter(from int, hub, port int) {
	for i := 0; i < numChannels; i++ {
		if i == from {
			continue
		}
		owner := c.dispatcher.owner(i)
		if owner == nil || owner.channel != i {
			continue
		}
		if owner.t.state != trsmCheckFreePort {
			continue
		}
		if int(owner.t.ttHub) != hub || int(owner.t.ttPort) != port {
			continue
		}
		t := &owner.t
		c.timers.arm(i, ttResumeDelay, func() {
			c.dispatch(i, func() { t.run() })
		})
		return // lowest-index match only (spec.md §4.3 fairness rule)
	}
}
