package dwc2

import (
	"encoding/binary"
	"sync"
)

// memRegs is the in-process fake RegisterWindow/InterruptWindow used by
// every test in this package, grounded on the teacher's host/hal/fifo
// backend (a fully software-driven HAL requiring no real hardware or
// root privileges). Tests drive the simulated hardware forward with
// completeChannel/connectDevice rather than waiting on real silicon.
type memRegs struct {
	mu  sync.Mutex
	mem []byte
	irq chan struct{}
}

func newMemRegs() *memRegs {
	m := &memRegs{
		mem: make([]byte, mmioWindowSize),
		irq: make(chan struct{}, 32),
	}
	// GRSTCTL.ahbidle reads as always-idle, and csftrst self-clears the
	// instant it's observed set, matching Controller_Reset's poll loop
	// without needing a real AHB bus.
	m.putCore(regGRSTCTL, grstctlAhbidle)
	return m
}

func (m *memRegs) Read32(offset uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := binary.LittleEndian.Uint32(m.mem[offset : offset+4])
	if offset == offCoreGlobal+regGRSTCTL && v&grstctlCsftrst != 0 {
		binary.LittleEndian.PutUint32(m.mem[offset:offset+4], grstctlAhbidle)
	}
	return v
}

func (m *memRegs) Write32(offset uint32, value uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	binary.LittleEndian.PutUint32(m.mem[offset:offset+4], value)
}

func (m *memRegs) Close() error { return nil }

// Wait implements InterruptWindow by blocking on the irq channel.
func (m *memRegs) Wait() error {
	<-m.irq
	return nil
}

func (m *memRegs) raise() {
	select {
	case m.irq <- struct{}{}:
	default:
	}
}

func (m *memRegs) putCore(off uint32, v uint32) {
	binary.LittleEndian.PutUint32(m.mem[offCoreGlobal+off:offCoreGlobal+off+4], v)
}

func (m *memRegs) putHost(off uint32, v uint32) {
	binary.LittleEndian.PutUint32(m.mem[offHostGlobal+off:offHostGlobal+off+4], v)
}

func (m *memRegs) getHost(off uint32) uint32 {
	return binary.LittleEndian.Uint32(m.mem[offHostGlobal+off : offHostGlobal+off+4])
}

func (m *memRegs) putChan(ch int, off uint32, v uint32) {
	o := channelOffset(ch) + off
	binary.LittleEndian.PutUint32(m.mem[o:o+4], v)
}

func (m *memRegs) getChan(ch int, off uint32) uint32 {
	o := channelOffset(ch) + off
	return binary.LittleEndian.Uint32(m.mem[o : o+4])
}

// completeChannel simulates a hardware halt on channel ch: it latches
// hcint into HCINT, sets HCTSIZ.xfersize to residue (leaving pid/pktcnt
// as already programmed), sets HAINT's bit for ch, and raises the
// shared interrupt — exactly what the dispatcher's ISR-simulation
// goroutine expects to observe.
func (m *memRegs) completeChannel(ch int, hcint uint32, residue int) {
	m.mu.Lock()
	m.putChan(ch, regHCINT, hcint)
	hctsiz := m.getChan(ch, regHCTSIZ)
	hctsiz = setField(hctsiz, hctsizXferSizeShift, hctsizXferSizeMask, uint32(residue))
	m.putChan(ch, regHCTSIZ, hctsiz)
	haint := m.getHost(regHAINT)
	m.putHost(regHAINT, haint|(1<<uint(ch)))
	m.putCore(regGINTSTS, gintstsHcIntr)
	m.mu.Unlock()
	m.raise()
}

// connectDevice simulates a device attaching at the given speed: sets
// HPRT0.prtconnsts/prtspd, the connect-detect change bit, and raises a
// port-change interrupt.
func (m *memRegs) connectDevice(speed uint32) {
	m.mu.Lock()
	v := hprt0ConnSts | hprt0ConnDet
	v = setField(v, hprt0SpdShift, hprt0SpdMask, speed)
	binary.LittleEndian.PutUint32(m.mem[offHprt0:offHprt0+4], v)
	m.putCore(regGINTSTS, gintstsPrtIntr)
	m.mu.Unlock()
	m.raise()
}
