package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Descriptor flags.
const (
	vringDescFNext  = 1
	vringDescFWrite = 2
)

// Buffer is one element of a descriptor chain to post.
type Buffer struct {
	Addr uint64
	Len  uint32
	// DeviceWritable marks a buffer the device fills (response/status);
	// otherwise the buffer is device-readable.
	DeviceWritable bool
}

// UsedElem is a completion reaped from the used ring.
type UsedElem struct {
	Head uint16
	Len  uint32
}

// Vring is the driver side of a split virtqueue: it owns the descriptor free
// list, posts chains into the available ring, and reaps the used ring.
//
// Control state (free list, next pointers, indices) is shadowed host-side;
// device-writable ring memory is never trusted for control flow.
type Vring struct {
	mem Memory

	size      uint16
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	mu         sync.Mutex
	freeHead   uint16
	numFree    uint16
	next       []uint16
	retired    []bool
	chainDescs map[uint16][]uint16
	availIdx   uint16
	lastUsed   uint16
}

// NewVring builds the driver state for a configured queue. The queue must be
// present (non-zero size).
func NewVring(mem Memory, q Queue) (*Vring, error) {
	if q.Absent() {
		return nil, fmt.Errorf("virtio: queue %d is absent", q.Index)
	}
	v := &Vring{
		mem:        mem,
		size:       q.Size,
		descAddr:   q.DescAddr,
		availAddr:  q.AvailAddr,
		usedAddr:   q.UsedAddr,
		numFree:    q.Size,
		next:       make([]uint16, q.Size),
		retired:    make([]bool, q.Size),
		chainDescs: make(map[uint16][]uint16),
	}
	for i := uint16(0); i < q.Size; i++ {
		v.next[i] = i + 1
	}
	return v, nil
}

// Size returns the ring size.
func (v *Vring) Size() uint16 {
	return v.size
}

// NumFree returns the number of free descriptors.
func (v *Vring) NumFree() uint16 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.numFree
}

// Post writes a descriptor chain for the given buffers and publishes it on
// the available ring. It returns the chain's head descriptor index, the token
// later matched against reaped completions.
func (v *Vring) Post(bufs []Buffer) (uint16, error) {
	if len(bufs) == 0 {
		return 0, fmt.Errorf("virtio: empty descriptor chain")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if int(v.numFree) < len(bufs) {
		return 0, fmt.Errorf("virtio: %d descriptors needed, %d free", len(bufs), v.numFree)
	}

	descs := make([]uint16, len(bufs))
	cursor := v.freeHead
	for i := range bufs {
		descs[i] = cursor
		cursor = v.next[cursor]
	}

	for i, buf := range bufs {
		flags := uint16(0)
		next := uint16(0)
		if i+1 < len(bufs) {
			flags |= vringDescFNext
			next = descs[i+1]
		}
		if buf.DeviceWritable {
			flags |= vringDescFWrite
		}
		if err := v.writeDescriptor(descs[i], buf.Addr, buf.Len, flags, next); err != nil {
			return 0, err
		}
	}

	v.freeHead = cursor
	v.numFree -= uint16(len(bufs))
	head := descs[0]
	v.chainDescs[head] = descs

	// Publish: ring slot first, then the index the device polls.
	slot := v.availAddr + 4 + uint64(v.availIdx%v.size)*2
	if err := v.writeUint16(slot, head); err != nil {
		return 0, err
	}
	v.availIdx++
	if err := v.writeUint16(v.availAddr+2, v.availIdx); err != nil {
		return 0, err
	}
	return head, nil
}

// Reap consumes one completion from the used ring if available. Descriptors
// of completed chains return to the free list unless the chain was retired.
func (v *Vring) Reap() (UsedElem, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	usedIdx, err := v.readUint16(v.usedAddr + 2)
	if err != nil {
		return UsedElem{}, false, err
	}
	if usedIdx == v.lastUsed {
		return UsedElem{}, false, nil
	}

	slot := v.usedAddr + 4 + uint64(v.lastUsed%v.size)*8
	var buf [8]byte
	if err := v.readInto(slot, buf[:]); err != nil {
		return UsedElem{}, false, err
	}
	v.lastUsed++

	elem := UsedElem{
		Head: uint16(binary.LittleEndian.Uint32(buf[0:4])),
		Len:  binary.LittleEndian.Uint32(buf[4:8]),
	}
	if int(elem.Head) >= int(v.size) {
		return UsedElem{}, false, fmt.Errorf("virtio: used ring head %d out of bounds (size %d)", elem.Head, v.size)
	}
	v.freeChainLocked(elem.Head)
	return elem, true, nil
}

// Retire permanently removes a chain's descriptors from circulation. Used
// when a command times out and the device may still write into the chain's
// buffers: the slots must never be handed out again.
func (v *Vring) Retire(head uint16) {
	v.mu.Lock()
	defer v.mu.Unlock()
	descs, ok := v.chainDescs[head]
	if !ok {
		return
	}
	for _, d := range descs {
		v.retired[d] = true
	}
}

func (v *Vring) freeChainLocked(head uint16) {
	descs, ok := v.chainDescs[head]
	if !ok {
		return
	}
	delete(v.chainDescs, head)
	if v.retired[head] {
		// Completion arrived for a retired chain. The slots stay retired;
		// the memory may already be reclaimed by the caller.
		return
	}
	for i := len(descs) - 1; i >= 0; i-- {
		d := descs[i]
		v.next[d] = v.freeHead
		v.freeHead = d
		v.numFree++
	}
}

func (v *Vring) writeDescriptor(index uint16, addr uint64, length uint32, flags, next uint16) error {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	return v.writeFrom(v.descAddr+uint64(index)*16, buf[:])
}

func (v *Vring) readInto(addr uint64, buf []byte) error {
	n, err := v.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short ring read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func (v *Vring) writeFrom(addr uint64, data []byte) error {
	n, err := v.mem.WriteAt(data, int64(addr))
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short ring write (want %d, got %d)", len(data), n)
	}
	return nil
}

func (v *Vring) readUint16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := v.readInto(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (v *Vring) writeUint16(addr uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return v.writeFrom(addr, buf[:])
}
