package dwc2

import (
	"sync/atomic"

	"github.com/ardnew/dwc2usb/pkg"
)

// channelPool is the eight-slot bitmap-protected hardware channel
// allocator (spec.md §4.2), grounded on original_source's
// Controller_AllocateChannel/Controller_ReleaseChannel (an 8-bit mask
// mutated with InterlockedOr8/InterlockedAnd8).
type channelPool struct {
	mask atomic.Uint32 // only the low numChannels bits are meaningful
}

// allocate atomically claims the lowest-indexed free channel.
func (p *channelPool) allocate() (int, error) {
	for {
		cur := p.mask.Load()
		ch := -1
		for i := 0; i < numChannels; i++ {
			if cur&(1<<uint(i)) == 0 {
				ch = i
				break
			}
		}
		if ch < 0 {
			return -1, pkg.ErrChannelExhausted
		}
		next := cur | (1 << uint(ch))
		if p.mask.CompareAndSwap(cur, next) {
			return ch, nil
		}
	}
}

// release atomically clears a channel's bit. Callers must have already
// cleared the channel's callback, TR pointer, and TT reservation.
func (p *channelPool) release(ch int) {
	for {
		cur := p.mask.Load()
		next := cur &^ (1 << uint(ch))
		if p.mask.CompareAndSwap(cur, next) {
			return
		}
	}
}

// allocated reports whether ch is currently claimed. Used by invariant
// checks and tests, not by the allocation fast path.
func (p *channelPool) allocated(ch int) bool {
	return p.mask.Load()&(1<<uint(ch)) != 0
}
