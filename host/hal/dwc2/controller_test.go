package dwc2

import (
	"context"
	"testing"
	"time"

	"github.com/ardnew/dwc2usb/host/hal"
	"github.com/ardnew/dwc2usb/pkg"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestController(t *testing.T) (*Controller, *memRegs) {
	t.Helper()
	m := newMemRegs()
	c := New(Config{
		RegisterWindow: m,
		Interrupts:     m,
	})
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return c, m
}

// waitConnected blocks until the controller observes a connect change
// on port 1, failing the test after a short timeout.
func waitConnected(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.WaitForConnection(ctx); err != nil {
		t.Fatalf("WaitForConnection() error = %v", err)
	}
}

// =============================================================================
// Scenario 1: Enumeration of a High-Speed Device (spec.md §8)
// =============================================================================

func TestController_SetDeviceAddress(t *testing.T) {
	c, m := newTestController(t)

	m.connectDevice(hprt0SpeedHigh)
	waitConnected(t, c)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		errCh <- c.SetDeviceAddress(ctx, 7)
	}()

	// SETUP phase: 8 bytes OUT complete cleanly.
	waitForChannelArmed(t, m, 0)
	base := c.dispatcher.processedCount()
	m.completeChannel(0, hcintXferComp, 0)
	waitProcessed(t, c, base)

	// STATUS phase: zero-length IN.
	base = c.dispatcher.processedCount()
	m.completeChannel(0, hcintXferComp, 0)
	waitProcessed(t, c, base)

	if err := <-errCh; err != nil {
		t.Fatalf("SetDeviceAddress() error = %v", err)
	}

	c.devicesMu.Lock()
	dev, ok := c.devices[7]
	c.devicesMu.Unlock()
	if !ok {
		t.Fatal("device not found at address 7")
	}
	if dev.address != 7 {
		t.Errorf("dev.address = %d, want 7", dev.address)
	}
	// The default endpoint must be re-keyed to the new address, or every
	// control transfer after enumeration would fail to find it.
	if c.endpointFor(7, 0) == nil {
		t.Error("endpoint 0 not found at the device's new address 7")
	}
	// The address bitmap must actually be wired: address 7 is now live.
	if err := c.addrs.reserve(7); err != pkg.ErrAddressExhausted {
		t.Errorf("addrs.reserve(7) after SetDeviceAddress = %v, want %v", err, pkg.ErrAddressExhausted)
	}
}

// TestController_SetDeviceAddress_RejectsDuplicate exercises the
// addressBitmap wiring directly: SetDeviceAddress must refuse to
// reassign an address already live on the bus.
func TestController_SetDeviceAddress_RejectsDuplicate(t *testing.T) {
	c, m := newTestController(t)
	m.connectDevice(hprt0SpeedHigh)
	waitConnected(t, c)

	if err := c.addrs.reserve(9); err != nil {
		t.Fatalf("reserve(9) error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.SetDeviceAddress(ctx, 9); err != pkg.ErrAddressExhausted {
		t.Errorf("SetDeviceAddress(9) = %v, want %v", err, pkg.ErrAddressExhausted)
	}
}

// TestController_SetTranslator_And_Disconnect exercises the hub-aware
// collaborator hook and the address-release path a disconnect should
// trigger.
func TestController_SetTranslator_And_Disconnect(t *testing.T) {
	c, m := newTestController(t)
	m.connectDevice(hprt0SpeedHigh)
	waitConnected(t, c)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		errCh <- c.SetDeviceAddress(ctx, 5)
	}()
	waitForChannelArmed(t, m, 0)
	base := c.dispatcher.processedCount()
	m.completeChannel(0, hcintXferComp, 0)
	waitProcessed(t, c, base)
	base = c.dispatcher.processedCount()
	m.completeChannel(0, hcintXferComp, 0)
	waitProcessed(t, c, base)
	if err := <-errCh; err != nil {
		t.Fatalf("SetDeviceAddress() error = %v", err)
	}

	if err := c.SetTranslator(5, 2, 3); err != nil {
		t.Fatalf("SetTranslator() error = %v", err)
	}
	c.devicesMu.Lock()
	dev := c.devices[5]
	c.devicesMu.Unlock()
	if !dev.hasTT || dev.ttHubAddr != 2 || dev.ttPort != 3 {
		t.Errorf("dev after SetTranslator = %+v, want hasTT=true ttHubAddr=2 ttPort=3", dev)
	}
	if err := c.SetTranslator(99, 2, 3); err != pkg.ErrNoDevice {
		t.Errorf("SetTranslator(unknown addr) = %v, want %v", err, pkg.ErrNoDevice)
	}

	// releaseDevices is what notifyPortChange calls on a disconnect
	// change bit; exercise it directly and confirm address 5 returns to
	// the bitmap.
	c.releaseDevices()
	if err := c.addrs.reserve(5); err != nil {
		t.Errorf("reserve(5) after releaseDevices() error = %v, want nil", err)
	}
}

// waitForChannelArmed polls until HCCHAR.chen is set for ch, meaning the
// TRSM has issued a chunk and is now parked in TransferWaiting.
func waitForChannelArmed(t *testing.T, m *memRegs, ch int) {
	t.Helper()
	pollUntil(t, time.Second, func() bool {
		return m.getChan(ch, regHCCHAR)&hccharChEna != 0
	}, "channel %d never armed", ch)
}

// waitProcessed blocks until the dispatcher has fully drained a channel
// halt event queued after the given baseline count, including any
// synchronous CHSM phase cascade that followed it (e.g. SETUP halt →
// DATA phase armed). Multi-phase transfers reuse the same channel, so
// polling register content across a completeChannel call is ambiguous
// — a zero-length STATUS phase's HCTSIZ.xfersize reads the same as the
// residue completeChannel itself injects into the prior phase. This
// barrier is exact instead.
func waitProcessed(t *testing.T, c *Controller, baseline uint64) {
	t.Helper()
	pollUntil(t, time.Second, func() bool {
		return c.dispatcher.processedCount() > baseline
	}, "dispatcher never drained the channel halt event")
}

func pollUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf(msg, args...)
}

// =============================================================================
// Scenario 3: Bulk IN 4096 bytes, HS, mps=512 (spec.md §8)
// =============================================================================

func TestController_BulkTransferSingleChunk(t *testing.T) {
	c, m := newTestController(t)
	m.connectDevice(hprt0SpeedHigh)
	waitConnected(t, c)

	dev := &dwc2Device{address: 5, speed: hal.SpeedHigh, port: 1}
	ep, err := c.AddEndpoint(dev, hal.EndpointDescriptor{
		Address:       0x81,
		Attributes:    uint8(hal.TransferBulk),
		MaxPacketSize: 512,
	})
	if err != nil {
		t.Fatalf("AddEndpoint() error = %v", err)
	}
	_ = ep

	resCh := make(chan struct {
		n   int
		err error
	}, 1)
	data := make([]byte, 4096)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, err := c.BulkTransfer(ctx, 5, 0x81, data)
		resCh <- struct {
			n   int
			err error
		}{n, err}
	}()

	waitForChannelArmed(t, m, 0)
	if got := m.getChan(0, regHCTSIZ); field(got, hctsizPktCntShift, hctsizPktCntMask) != 8 {
		t.Errorf("HCTSIZ.pktcnt = %d, want 8", field(got, hctsizPktCntShift, hctsizPktCntMask))
	}
	m.completeChannel(0, hcintXferComp, 0)

	res := <-resCh
	if res.err != nil {
		t.Fatalf("BulkTransfer() error = %v", res.err)
	}
	if res.n != 4096 {
		t.Errorf("BulkTransfer() n = %d, want 4096", res.n)
	}
}

// =============================================================================
// STALL Scenario (spec.md §8 scenario 6)
// =============================================================================

func TestController_BulkTransferStall(t *testing.T) {
	c, m := newTestController(t)
	m.connectDevice(hprt0SpeedHigh)
	waitConnected(t, c)

	dev := &dwc2Device{address: 5, speed: hal.SpeedHigh, port: 1}
	if _, err := c.AddEndpoint(dev, hal.EndpointDescriptor{
		Address:       0x81,
		Attributes:    uint8(hal.TransferBulk),
		MaxPacketSize: 512,
	}); err != nil {
		t.Fatalf("AddEndpoint() error = %v", err)
	}

	resCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := c.BulkTransfer(ctx, 5, 0x81, make([]byte, 64))
		resCh <- err
	}()

	waitForChannelArmed(t, m, 0)
	m.completeChannel(0, hcintStall, 64)

	if err := <-resCh; err != pkg.ErrStall {
		t.Errorf("BulkTransfer() error = %v, want %v", err, pkg.ErrStall)
	}
	if c.pool.allocated(0) {
		t.Error("channel 0 should be released after STALL")
	}
}

// =============================================================================
// Scenario 2: GET_DESCRIPTOR(DEVICE), 18 bytes, HS, mps=64 (spec.md §8)
// =============================================================================

func TestController_ControlTransferGetDescriptor(t *testing.T) {
	c, m := newTestController(t)
	m.connectDevice(hprt0SpeedHigh)
	waitConnected(t, c)

	dev := &dwc2Device{address: 9, speed: hal.SpeedHigh, port: 1}
	if _, err := c.AddEndpoint(dev, hal.EndpointDescriptor{
		Address:       0,
		Attributes:    uint8(hal.TransferControl),
		MaxPacketSize: 64,
	}); err != nil {
		t.Fatalf("AddEndpoint() error = %v", err)
	}

	setup := &hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18}
	data := make([]byte, 18)

	resCh := make(chan struct {
		n   int
		err error
	}, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, err := c.ControlTransfer(ctx, 9, setup, data)
		resCh <- struct {
			n   int
			err error
		}{n, err}
	}()

	// SETUP: 8 bytes OUT.
	waitForChannelArmed(t, m, 0)
	base := c.dispatcher.processedCount()
	m.completeChannel(0, hcintXferComp, 0)
	waitProcessed(t, c, base)

	// DATA: single 18-byte IN chunk, NumPackets=1.
	if got := m.getChan(0, regHCTSIZ); field(got, hctsizPktCntShift, hctsizPktCntMask) != 1 {
		t.Errorf("HCTSIZ.pktcnt = %d, want 1", field(got, hctsizPktCntShift, hctsizPktCntMask))
	}
	want := []byte{0xDE, 0xAD, 0xBE, 0xEF, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14}
	copy(c.bounce.buf[0][:], want)
	base = c.dispatcher.processedCount()
	m.completeChannel(0, hcintXferComp, 0)
	waitProcessed(t, c, base)

	// STATUS: zero-length OUT (opposite of the IN data stage).
	base = c.dispatcher.processedCount()
	m.completeChannel(0, hcintXferComp, 0)
	waitProcessed(t, c, base)

	res := <-resCh
	if res.err != nil {
		t.Fatalf("ControlTransfer() error = %v", res.err)
	}
	if res.n != 18 {
		t.Errorf("ControlTransfer() n = %d, want 18", res.n)
	}
	for i, b := range want {
		if data[i] != b {
			t.Errorf("data[%d] = %#x, want %#x", i, data[i], b)
		}
	}
}

// =============================================================================
// Scenario 4: Low-speed interrupt IN behind a TT, start-split then
// complete-split (spec.md §8)
// =============================================================================

func TestController_SplitInterruptTransfer(t *testing.T) {
	c, m := newTestController(t)
	m.connectDevice(hprt0SpeedHigh)
	waitConnected(t, c)

	dev := &dwc2Device{
		address: 11, speed: hal.SpeedLow, port: 1,
		hasTT: true, ttHubAddr: 2, ttPort: 3,
	}
	if _, err := c.AddEndpoint(dev, hal.EndpointDescriptor{
		Address:       0x81,
		Attributes:    uint8(hal.TransferInterrupt),
		MaxPacketSize: 8,
		Interval:      10,
	}); err != nil {
		t.Fatalf("AddEndpoint() error = %v", err)
	}

	resCh := make(chan struct {
		n   int
		err error
	}, 1)
	data := make([]byte, 8)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, err := c.InterruptTransfer(ctx, 11, 0x81, data)
		resCh <- struct {
			n   int
			err error
		}{n, err}
	}()

	// Start-split: channel claims the TT and arms HCSPLT.spltena.
	waitForChannelArmed(t, m, 0)
	if got := m.getChan(0, regHCSPLT); got&hcsplitSpltEna == 0 {
		t.Fatal("HCSPLT.spltena not set for split transfer")
	}
	if hub, port := c.tt.held(0); hub != 2 || port != 3 {
		t.Fatalf("tt.held(0) = (%d,%d), want (2,3)", hub, port)
	}

	// Start-split ACKs; TRSM latches the frame and advances to complete-split.
	base := c.dispatcher.processedCount()
	m.completeChannel(0, hcintAck, 0)
	waitProcessed(t, c, base)
	if got := m.getChan(0, regHCSPLT); got&hcsplitCompSplt == 0 {
		t.Fatal("HCSPLT.compsplt not set on complete-split chunk")
	}

	base = c.dispatcher.processedCount()
	m.completeChannel(0, hcintXferComp, 0)
	waitProcessed(t, c, base)

	res := <-resCh
	if res.err != nil {
		t.Fatalf("InterruptTransfer() error = %v", res.err)
	}
	if res.n != 8 {
		t.Errorf("InterruptTransfer() n = %d, want 8", res.n)
	}
	if hub, port := c.tt.held(0); hub != ttFree || port != ttFree {
		t.Errorf("TT pair not released after Done: (%d,%d)", hub, port)
	}
}

// =============================================================================
// Scenario 5: two endpoints contend on the same TT port (spec.md §8)
// =============================================================================

func TestController_TTContention(t *testing.T) {
	c, m := newTestController(t)
	m.connectDevice(hprt0SpeedHigh)
	waitConnected(t, c)

	dev1 := &dwc2Device{address: 20, speed: hal.SpeedFull, port: 1, hasTT: true, ttHubAddr: 4, ttPort: 1}
	dev2 := &dwc2Device{address: 21, speed: hal.SpeedFull, port: 1, hasTT: true, ttHubAddr: 4, ttPort: 1}
	if _, err := c.AddEndpoint(dev1, hal.EndpointDescriptor{Address: 0x81, Attributes: uint8(hal.TransferBulk), MaxPacketSize: 8}); err != nil {
		t.Fatalf("AddEndpoint(dev1) error = %v", err)
	}
	if _, err := c.AddEndpoint(dev2, hal.EndpointDescriptor{Address: 0x81, Attributes: uint8(hal.TransferBulk), MaxPacketSize: 8}); err != nil {
		t.Fatalf("AddEndpoint(dev2) error = %v", err)
	}

	res1 := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := c.BulkTransfer(ctx, 20, 0x81, make([]byte, 8))
		res1 <- err
	}()

	// Channel 0 claims the TT pair and starts its split transfer first.
	waitForChannelArmed(t, m, 0)

	res2 := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := c.BulkTransfer(ctx, 21, 0x81, make([]byte, 8))
		res2 <- err
	}()

	// Channel 1 must park in CheckFreePort: it cannot claim the same
	// (hub, port) pair while channel 0 holds it (spec.md §8 invariant 3).
	time.Sleep(20 * time.Millisecond)
	if m.getChan(1, regHCCHAR)&hccharChEna != 0 {
		t.Fatal("channel 1 armed before the TT pair was released")
	}

	// Channel 0 completes its split (ACK then xfercomp), releasing the TT.
	base := c.dispatcher.processedCount()
	m.completeChannel(0, hcintAck, 0)
	waitProcessed(t, c, base)
	base = c.dispatcher.processedCount()
	m.completeChannel(0, hcintXferComp, 0)
	waitProcessed(t, c, base)
	if err := <-res1; err != nil {
		t.Fatalf("BulkTransfer(dev1) error = %v", err)
	}

	// Channel 1 is now revived via its resume timer and runs the same
	// split sequence.
	waitForChannelArmed(t, m, 1)
	base = c.dispatcher.processedCount()
	m.completeChannel(1, hcintAck, 0)
	waitProcessed(t, c, base)
	base = c.dispatcher.processedCount()
	m.completeChannel(1, hcintXferComp, 0)
	waitProcessed(t, c, base)
	if err := <-res2; err != nil {
		t.Fatalf("BulkTransfer(dev2) error = %v", err)
	}
}
