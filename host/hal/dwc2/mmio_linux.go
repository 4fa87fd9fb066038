//go:build linux

package dwc2

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/dwc2usb/pkg"
)

// mmioWindow maps the controller's register block via a UIO device
// node, grounded on aamcrae-pru's pru.go (unix.Mmap over an
// O_RDWR|O_SYNC file). UIO is the standard Linux mechanism for
// userspace drivers to obtain both an uncached MMIO mapping and a
// blocking interrupt-count read on the same device node.
type mmioWindow struct {
	f   *os.File
	mem []byte
}

// NewMMIOWindow opens uioPath (e.g. "/dev/uio0") and maps size bytes of
// its register block, starting at MMIO offset 0 within that mapping.
func NewMMIOWindow(uioPath string, size int) (*mmioWindow, error) {
	f, err := os.OpenFile(uioPath, os.O_RDWR|os.O_SYNC, 0o660)
	if err != nil {
		return nil, fmt.Errorf("dwc2: open %s: %w", uioPath, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("dwc2: mmap %s: %w", uioPath, err)
	}
	pkg.LogDebug(pkg.ComponentDWC2, "mapped DWC2 register window", "path", uioPath, "size", size)
	return &mmioWindow{f: f, mem: mem}, nil
}

// Read32 implements RegisterWindow. Every access is volatile: the Go
// memory model gives no ordering guarantee over plain slice indexing
// against a concurrently-modified mapping, so this always re-reads from
// the mapping rather than caching, which on Linux/ARM is sufficient
// fencing for a uncached UIO mapping (the device itself is never
// write-combined).
func (w *mmioWindow) Read32(offset uint32) uint32 {
	return binary.LittleEndian.Uint32(w.mem[offset : offset+4])
}

// Write32 implements RegisterWindow.
func (w *mmioWindow) Write32(offset uint32, value uint32) {
	binary.LittleEndian.PutUint32(w.mem[offset:offset+4], value)
}

// Close unmaps the register window and closes the UIO device node.
func (w *mmioWindow) Close() error {
	if err := unix.Munmap(w.mem); err != nil {
		return err
	}
	return w.f.Close()
}

// uioInterrupt waits on a UIO device's interrupt-count read, the
// standard Linux UIO mechanism for a userspace driver to block for its
// device's shared interrupt line.
type uioInterrupt struct {
	f *os.File
}

// NewUIOInterrupt opens uioPath for interrupt waiting. It is typically
// the same device node NewMMIOWindow maps, since UIO multiplexes both
// concerns onto one file descriptor.
func NewUIOInterrupt(uioPath string) (*uioInterrupt, error) {
	f, err := os.OpenFile(uioPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("dwc2: open %s: %w", uioPath, err)
	}
	return &uioInterrupt{f: f}, nil
}

// Wait blocks until the UIO driver reports a pending interrupt, per the
// UIO ABI: a 4-byte interrupt count is returned from a blocking read.
func (u *uioInterrupt) Wait() error {
	var buf [unsafe.Sizeof(uint32(0))]byte
	_, err := u.f.Read(buf[:])
	return err
}

// Close releases the interrupt file descriptor.
func (u *uioInterrupt) Close() error {
	return u.f.Close()
}

// mmioWindowSize covers every register block this core addresses,
// through PCGCCTL (spec.md §6's register map).
const mmioWindowSize = offPcgcctl + 4
