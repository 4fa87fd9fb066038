package dwc2

import (
	"sync"
	"sync/atomic"

	"github.com/ardnew/dwc2usb/pkg"
)

// dispatcher is the Channel Dispatcher (spec.md §4.6): it owns the
// channel→CHSM binding table, the per-channel DPC cells that serialise
// ISR- and timer-originated re-entry into a channel's TRSM, and the
// ISR-simulation goroutine that reads GINTSTS/HAINT and routes halt
// events to the owning cell.
//
// Grounded on original_source's RunSmDpc/Controller_InvokeTrSm (a
// per-channel KDPC that copies NextStateMachine into StateMachine and
// invokes the driver loop) and the teacher's host/hal/fifo ctx/cancel/wg
// goroutine-lifecycle idiom.
type dispatcher struct {
	ctrl *Controller

	mu    sync.Mutex
	chsms [numChannels]*chsm

	cells [numChannels]chan func()
	stop  chan struct{}
	wg    sync.WaitGroup

	// processed counts completed onChannelHalt closures, one full
	// halt-to-next-phase-armed cascade per increment. Tests use it as a
	// synchronization barrier instead of polling register content that
	// can alias across phases (e.g. a zero-length STATUS phase reusing
	// the previous phase's residue-zero injection).
	processed atomic.Uint64
}

// processedCount reports how many channel-halt events this dispatcher
// has fully drained (including any synchronous CHSM phase cascade that
// followed).
func (d *dispatcher) processedCount() uint64 {
	return d.processed.Load()
}

func newDispatcher(ctrl *Controller) *dispatcher {
	d := &dispatcher{ctrl: ctrl, stop: make(chan struct{})}
	for i := range d.cells {
		d.cells[i] = make(chan func(), 4)
	}
	return d
}

// start launches the eight per-channel DPC cells and the ISR-simulation
// goroutine.
func (d *dispatcher) start() {
	for i := 0; i < numChannels; i++ {
		d.wg.Add(1)
		go d.runCell(i)
	}
	d.wg.Add(1)
	go d.runISR()
}

// close stops every DPC cell and the ISR goroutine, blocking until they
// have exited.
func (d *dispatcher) close() {
	close(d.stop)
	d.wg.Wait()
}

func (d *dispatcher) runCell(ch int) {
	defer d.wg.Done()
	for {
		select {
		case fn := <-d.cells[ch]:
			fn()
		case <-d.stop:
			return
		}
	}
}

// dispatch posts fn onto channel ch's DPC cell. fn runs on that
// channel's single-consumer goroutine, serialised with every other
// event for that channel — the "per-channel DPC hop" design note.
func (d *dispatcher) dispatch(ch int, fn func()) {
	select {
	case d.cells[ch] <- fn:
	case <-d.stop:
	}
}

// bind registers c as the owner of channel ch's interrupt and timer
// events, mirroring original_source's Controller_SetChannelCallback.
func (d *dispatcher) bind(ch int, c *chsm) {
	d.mu.Lock()
	d.chsms[ch] = c
	d.mu.Unlock()
}

// unbind clears channel ch's owner, invariant with channelPool.release:
// "callback[c] ≠ ∅ ⇒ c is allocated" (spec.md §3) must be restored
// before the channel bit is cleared.
func (d *dispatcher) unbind(ch int) {
	d.mu.Lock()
	d.chsms[ch] = nil
	d.mu.Unlock()
}

func (d *dispatcher) owner(ch int) *chsm {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chsms[ch]
}

// onChannelHalt is queued onto channel ch's DPC cell when HAINT bit ch
// is observed set. It re-enters the bound CHSM's TRSM at TransferHalted
// and, if that phase has reached trsmDone, hops into the CHSM driver
// loop for the next phase.
func (d *dispatcher) onChannelHalt(ch int) {
	d.dispatch(ch, func() {
		c := d.owner(ch)
		if c == nil {
			return
		}
		c.t.onHalt()
		if c.t.state == trsmDone {
			c.onTRSMPhaseDone()
		}
		d.processed.Add(1)
	})
}

// runISR simulates the controller's single shared interrupt line: block
// for a pending interrupt, read GINTSTS, mask HAINTMSK so further
// channel edges are suppressed while the DPC drains, then queue the
// per-channel DPC cells for every set HAINT bit (spec.md §4.6). Port
// changes are handled by calling the root-hub notifier directly on this
// goroutine.
func (d *dispatcher) runISR() {
	defer d.wg.Done()
	for {
		if err := d.ctrl.irq.Wait(); err != nil {
			select {
			case <-d.stop:
				return
			default:
				pkg.LogError(pkg.ComponentDWC2, "interrupt wait failed", "error", err)
				return
			}
		}
		select {
		case <-d.stop:
			return
		default:
		}

		gintsts := d.ctrl.io.coreRead(regGINTSTS)

		if gintsts&gintstsHcIntr != 0 {
			haint := d.ctrl.io.hostRead(regHAINT)
			// Suppress further edges on only the channels we're about to
			// drain, leaving every other channel's armed bit untouched;
			// each drained channel's own next Transferring step re-arms
			// its HAINTMSK bit when it issues the next chunk (spec.md
			// §4.6).
			haintmsk := d.ctrl.io.hostRead(regHAINTMSK)
			d.ctrl.io.hostWrite(regHAINTMSK, haintmsk&^haint)
			for i := 0; i < numChannels; i++ {
				if haint&(1<<uint(i)) != 0 {
					d.onChannelHalt(i)
				}
			}
		}

		if gintsts&gintstsPrtIntr != 0 {
			d.ctrl.notifyPortChange()
		}
	}
}
