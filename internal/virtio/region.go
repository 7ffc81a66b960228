package virtio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyvirt/virtpci/internal/pci"
)

// MappedBAR provides byte-addressable little-endian access to a mapped PCI
// BAR window.
type MappedBAR interface {
	io.ReaderAt
	io.WriterAt
}

// Region is typed access to one virtio configuration region: a (offset,
// length) window within a mapped BAR, located by a capability entry. All
// accesses are little-endian and bounds-checked against the capability's
// recorded length.
type Region struct {
	mem    MappedBAR
	base   uint64
	length uint64
}

// NewRegion binds a mapped BAR to the window described by the capability.
func NewRegion(mem MappedBAR, cap pci.Capability) *Region {
	return &Region{mem: mem, base: cap.Offset, length: cap.Length}
}

// Length returns the region's length in bytes.
func (r *Region) Length() uint64 {
	return r.length
}

func (r *Region) checkBounds(offset uint64, width uint64) error {
	if offset+width < offset || offset+width > r.length {
		return fmt.Errorf("%w: offset %#x width %d in region of %d bytes",
			ErrOutOfRegionBounds, offset, width, r.length)
	}
	return nil
}

// ReadBytes fills buf from the region starting at offset.
func (r *Region) ReadBytes(offset uint64, buf []byte) error {
	if err := r.checkBounds(offset, uint64(len(buf))); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	n, err := r.mem.ReadAt(buf, int64(r.base+offset))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short region read (want %d, got %d)", len(buf), n)
	}
	return nil
}

// WriteBytes stores buf into the region starting at offset.
func (r *Region) WriteBytes(offset uint64, buf []byte) error {
	if err := r.checkBounds(offset, uint64(len(buf))); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	n, err := r.mem.WriteAt(buf, int64(r.base+offset))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short region write (want %d, got %d)", len(buf), n)
	}
	return nil
}

// Read8 reads one byte at offset.
func (r *Region) Read8(offset uint64) (uint8, error) {
	var buf [1]byte
	if err := r.ReadBytes(offset, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Read16 reads a little-endian 16-bit value at offset.
func (r *Region) Read16(offset uint64) (uint16, error) {
	var buf [2]byte
	if err := r.ReadBytes(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// Read32 reads a little-endian 32-bit value at offset.
func (r *Region) Read32(offset uint64) (uint32, error) {
	var buf [4]byte
	if err := r.ReadBytes(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Read64 reads a little-endian 64-bit value at offset.
func (r *Region) Read64(offset uint64) (uint64, error) {
	var buf [8]byte
	if err := r.ReadBytes(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Write8 stores one byte at offset.
func (r *Region) Write8(offset uint64, value uint8) error {
	buf := [1]byte{value}
	return r.WriteBytes(offset, buf[:])
}

// Write16 stores a little-endian 16-bit value at offset.
func (r *Region) Write16(offset uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return r.WriteBytes(offset, buf[:])
}

// Write32 stores a little-endian 32-bit value at offset.
func (r *Region) Write32(offset uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return r.WriteBytes(offset, buf[:])
}

// Write64 stores a little-endian 64-bit value at offset.
func (r *Region) Write64(offset uint64, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return r.WriteBytes(offset, buf[:])
}
