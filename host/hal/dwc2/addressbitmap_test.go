package dwc2

import (
	"testing"

	"github.com/ardnew/dwc2usb/pkg"
)

// =============================================================================
// Allocate/Release Tests
// =============================================================================

func TestAddressBitmap_BitZeroReserved(t *testing.T) {
	a := newAddressBitmap()
	if a.bits[0]&1 == 0 {
		t.Fatal("bit 0 must be pre-set reserved")
	}
}

func TestAddressBitmap_AllocateStartsAtOne(t *testing.T) {
	a := newAddressBitmap()
	addr, err := a.allocate()
	if err != nil {
		t.Fatalf("allocate() error = %v", err)
	}
	if addr != 1 {
		t.Errorf("allocate() = %d, want 1", addr)
	}
}

func TestAddressBitmap_ReleaseAndReuse(t *testing.T) {
	a := newAddressBitmap()
	first, _ := a.allocate()
	second, _ := a.allocate()

	a.release(first)
	reused, err := a.allocate()
	if err != nil {
		t.Fatalf("allocate() error = %v", err)
	}
	if reused != first {
		t.Errorf("allocate() after release = %d, want %d", reused, first)
	}
	a.release(second)
}

func TestAddressBitmap_ReleaseZeroIsNoop(t *testing.T) {
	a := newAddressBitmap()
	a.release(0)
	if a.bits[0]&1 == 0 {
		t.Error("releasing address 0 must not clear the reserved bit")
	}
}

func TestAddressBitmap_ReserveRejectsDuplicate(t *testing.T) {
	a := newAddressBitmap()
	if err := a.reserve(7); err != nil {
		t.Fatalf("reserve(7) error = %v", err)
	}
	if err := a.reserve(7); err != pkg.ErrAddressExhausted {
		t.Errorf("reserve(7) again error = %v, want %v", err, pkg.ErrAddressExhausted)
	}
	a.release(7)
	if err := a.reserve(7); err != nil {
		t.Errorf("reserve(7) after release error = %v", err)
	}
}

func TestAddressBitmap_ReserveRejectsZero(t *testing.T) {
	a := newAddressBitmap()
	if err := a.reserve(0); err != pkg.ErrAddressExhausted {
		t.Errorf("reserve(0) error = %v, want %v", err, pkg.ErrAddressExhausted)
	}
}

func TestAddressBitmap_Exhaustion(t *testing.T) {
	a := newAddressBitmap()
	for i := 0; i < 127; i++ {
		if _, err := a.allocate(); err != nil {
			t.Fatalf("allocate() %d error = %v", i, err)
		}
	}
	if _, err := a.allocate(); err != pkg.ErrAddressExhausted {
		t.Errorf("allocate() on exhausted bitmap error = %v, want %v", err, pkg.ErrAddressExhausted)
	}
}
