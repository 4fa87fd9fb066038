package dwc2

import (
	"math/bits"
	"sync"

	"github.com/ardnew/dwc2usb/pkg"
)

// addressBitmap is the 128-bit USB device address allocator (spec.md
// §3, §4.5), grounded on original_source's USBPORT_AllocateUsbAddress
// (an RTL_BITMAP with bit 0 pre-reserved, searching from bit 1).
//
// No third-party bitset library appears anywhere in the retrieved pack
// (see DESIGN.md); two uint64 words and math/bits matches the teacher's
// existing small-inline-bitmap style better than introducing one for
// eight words of logic.
type addressBitmap struct {
	mu   sync.Mutex
	bits [2]uint64 // addresses 0-63, 64-127
}

func newAddressBitmap() *addressBitmap {
	a := &addressBitmap{}
	a.bits[0] |= 1 // address 0 is reserved (unassigned device state)
	return a
}

// allocate returns the lowest clear address in [1,127], setting it.
func (a *addressBitmap) allocate() (uint8, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for word := 0; word < 2; word++ {
		inv := ^a.bits[word]
		if inv == 0 {
			continue
		}
		bit := bits.TrailingZeros64(inv)
		addr := word*64 + bit
		if addr > 127 {
			break
		}
		a.bits[word] |= 1 << uint(bit)
		return uint8(addr), nil
	}
	return 0, pkg.ErrAddressExhausted
}

// reserve marks addr as in use, failing if it is already allocated.
// Used when the caller (the host package's own round-robin allocator,
// shared across every hal.HostHAL backend) has already chosen the
// address rather than this bitmap; reserve keeps this controller's own
// bookkeeping honest about which addresses are live on the bus.
func (a *addressBitmap) reserve(addr uint8) error {
	if addr == 0 || addr > 127 {
		return pkg.ErrAddressExhausted
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	word, bit := int(addr)/64, int(addr)%64
	if a.bits[word]&(1<<uint(bit)) != 0 {
		return pkg.ErrAddressExhausted
	}
	a.bits[word] |= 1 << uint(bit)
	return nil
}

// release clears addr, making it available for reuse.
func (a *addressBitmap) release(addr uint8) {
	if addr == 0 {
		return // bit 0 stays reserved forever
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	word, bit := int(addr)/64, int(addr)%64
	a.bits[word] &^= 1 << uint(bit)
}
