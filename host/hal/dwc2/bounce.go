package dwc2

import "github.com/ardnew/dwc2usb/pkg"

// bounceBufferSize is the fixed per-channel DMA staging allocation
// (spec.md §6, "Bounce-buffer constraint"). The controller's DMA engine
// does not address arbitrary system memory, so every OUT payload is
// copied in and every IN payload copied out through this buffer.
const bounceBufferSize = 64 * 1024

// bouncePool owns one physically contiguous buffer per channel. A real
// platform backend allocates these below 1 GiB physical and reports the
// architecture's direct-SDRAM offset; the in-process test backend uses
// plain heap memory and a zero offset.
type bouncePool struct {
	buf    [numChannels][bounceBufferSize]byte
	phys   [numChannels]uint32
}

// newBouncePool constructs a pool whose channel i's bounce buffer has
// physical base phys[i] (already including any platform DMA offset).
func newBouncePool(phys [numChannels]uint32) *bouncePool {
	return &bouncePool{phys: phys}
}

func (b *bouncePool) copyOut(ch int, data []byte) {
	copy(b.buf[ch][:], data)
}

func (b *bouncePool) copyIn(ch int, dst []byte) {
	copy(dst, b.buf[ch][:len(dst)])
}

func (b *bouncePool) physAddr(ch int) uint32 {
	return b.phys[ch]
}

// dmaOffset is the reference platform's direct-SDRAM offset applied to
// bounce-buffer physical addresses handed to HCDMA (spec.md §6). Config
// has no field for it: callers fold the offset into
// Config.BouncePhysAddr, and Init subtracts this constant from any
// address at or above it before the below-1 GiB check.
const dmaOffset = 0xC0000000

// checkBelow1GiB validates the bounce-buffer constraint spec.md §6
// states: physical address below 1 GiB, before the platform offset is
// applied.
func checkBelow1GiB(phys uint32) error {
	const oneGiB = 1 << 30
	if phys >= oneGiB {
		return pkg.ErrInvalidParameter
	}
	return nil
}
