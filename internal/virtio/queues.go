package virtio

import (
	"fmt"
	"io"
	"log/slog"
)

// Memory is DMA-visible memory shared between driver and device: ring
// contents and admin command buffers live here.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Allocator reserves contiguous, aligned windows of DMA-visible memory and
// returns addresses expressible in the transport's 64-bit split registers.
type Allocator interface {
	Allocate(size uint64, align uint64) (uint64, error)
}

// queueResetRetryLimit bounds polling of the queue_reset register.
const queueResetRetryLimit = 64

// Queue describes one configured virtqueue: the output contract toward the
// device-class consumer. A Size of zero marks a queue the device does not
// implement.
type Queue struct {
	Index      uint16
	Size       uint16
	DescAddr   uint64
	AvailAddr  uint64
	UsedAddr   uint64
	NotifyOff  uint16
	NotifyAddr uint64 // byte offset within the notify region
	MSIXVector uint16
}

// Absent reports whether the device declared this queue index unimplemented.
func (q Queue) Absent() bool {
	return q.Size == 0
}

// QueueOptions tunes queue configuration.
type QueueOptions struct {
	// SizeCap clamps the ring size negotiated with the device. Zero means
	// accept the device's advertised size.
	SizeCap uint16

	// MSIXVector, when non-nil, supplies the vector to assign per queue
	// index. Return VIRTIO_MSI_NO_VECTOR to leave a queue without one.
	MSIXVector func(index uint16) uint16
}

// Ring geometry for a split virtqueue of the given size.
func descTableBytes(size uint16) uint64  { return uint64(size) * 16 }
func availRingBytes(size uint16) uint64  { return 6 + uint64(size)*2 }
func usedRingBytes(size uint16) uint64   { return 6 + uint64(size)*8 }

// ConfigureQueues configures every queue the device exposes: for each index,
// selects it, reads its size, allocates and zeroes the three rings, programs
// the ring addresses, assigns the notification offset (and MSI-X vector when
// requested), and enables it. Queues whose size reads back zero are absent and
// skipped, not errors. The returned slice has one entry per queue index.
func (t *Transport) ConfigureQueues(mem Memory, alloc Allocator, opts QueueOptions) ([]Queue, error) {
	numQueues, err := t.NumQueues()
	if err != nil {
		return nil, err
	}

	queues := make([]Queue, 0, numQueues)
	for i := uint16(0); i < numQueues; i++ {
		q, err := t.ConfigureQueue(i, mem, alloc, opts)
		if err != nil {
			return nil, fmt.Errorf("configure queue %d: %w", i, err)
		}
		queues = append(queues, q)
	}
	return queues, nil
}

// ConfigureQueue configures a single queue index. See ConfigureQueues.
func (t *Transport) ConfigureQueue(index uint16, mem Memory, alloc Allocator, opts QueueOptions) (Queue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failed {
		return Queue{}, ErrDeviceFailed
	}

	if err := t.common.Write16(VIRTIO_PCI_COMMON_Q_SELECT, index); err != nil {
		return Queue{}, err
	}
	size, err := t.common.Read16(VIRTIO_PCI_COMMON_Q_SIZE)
	if err != nil {
		return Queue{}, err
	}
	if size == 0 {
		// The device does not implement this queue.
		return Queue{Index: index}, nil
	}

	enabled, err := t.common.Read16(VIRTIO_PCI_COMMON_Q_ENABLE)
	if err != nil {
		return Queue{}, err
	}
	if enabled != 0 {
		// Reconfiguring a live queue races device-side descriptor processing;
		// it must go through queue_reset first.
		if err := t.resetQueueLocked(index); err != nil {
			return Queue{}, err
		}
		size, err = t.common.Read16(VIRTIO_PCI_COMMON_Q_SIZE)
		if err != nil {
			return Queue{}, err
		}
		if size == 0 {
			return Queue{Index: index}, nil
		}
	}

	if opts.SizeCap != 0 && size > opts.SizeCap {
		size = opts.SizeCap
		if err := t.common.Write16(VIRTIO_PCI_COMMON_Q_SIZE, size); err != nil {
			return Queue{}, err
		}
	}

	q := Queue{
		Index:      index,
		Size:       size,
		MSIXVector: VIRTIO_MSI_NO_VECTOR,
	}

	if q.DescAddr, err = allocRing(mem, alloc, descTableBytes(size)); err != nil {
		return Queue{}, err
	}
	if q.AvailAddr, err = allocRing(mem, alloc, availRingBytes(size)); err != nil {
		return Queue{}, err
	}
	if q.UsedAddr, err = allocRing(mem, alloc, usedRingBytes(size)); err != nil {
		return Queue{}, err
	}

	if err := t.common.Write32(VIRTIO_PCI_COMMON_Q_DESCLO, uint32(q.DescAddr)); err != nil {
		return Queue{}, err
	}
	if err := t.common.Write32(VIRTIO_PCI_COMMON_Q_DESCHI, uint32(q.DescAddr>>32)); err != nil {
		return Queue{}, err
	}
	if err := t.common.Write32(VIRTIO_PCI_COMMON_Q_AVAILLO, uint32(q.AvailAddr)); err != nil {
		return Queue{}, err
	}
	if err := t.common.Write32(VIRTIO_PCI_COMMON_Q_AVAILHI, uint32(q.AvailAddr>>32)); err != nil {
		return Queue{}, err
	}
	if err := t.common.Write32(VIRTIO_PCI_COMMON_Q_USEDLO, uint32(q.UsedAddr)); err != nil {
		return Queue{}, err
	}
	if err := t.common.Write32(VIRTIO_PCI_COMMON_Q_USEDHI, uint32(q.UsedAddr>>32)); err != nil {
		return Queue{}, err
	}

	if q.NotifyOff, err = t.common.Read16(VIRTIO_PCI_COMMON_Q_NOFF); err != nil {
		return Queue{}, err
	}
	q.NotifyAddr = uint64(q.NotifyOff) * uint64(t.notifyOffMultiplier)

	if opts.MSIXVector != nil {
		vector := opts.MSIXVector(index)
		if vector != VIRTIO_MSI_NO_VECTOR {
			if err := t.common.Write16(VIRTIO_PCI_COMMON_Q_MSIX, vector); err != nil {
				return Queue{}, err
			}
			echoed, err := t.common.Read16(VIRTIO_PCI_COMMON_Q_MSIX)
			if err != nil {
				return Queue{}, err
			}
			if echoed == VIRTIO_MSI_NO_VECTOR {
				// Interrupt-driven notification cannot be relied on for
				// this queue; the caller falls back to polling.
				slog.Warn("virtio: device refused MSI-X vector", "queue", index, "vector", vector)
			}
			q.MSIXVector = echoed
		}
	}

	if err := t.common.Write16(VIRTIO_PCI_COMMON_Q_ENABLE, 1); err != nil {
		return Queue{}, err
	}
	enabled, err = t.common.Read16(VIRTIO_PCI_COMMON_Q_ENABLE)
	if err != nil {
		return Queue{}, err
	}
	if enabled != 1 {
		t.failed = true
		return Queue{}, fmt.Errorf("%w: queue %d", ErrQueueEnableRejected, index)
	}
	return q, nil
}

// ResetQueue resets an individual queue through the queue_reset register,
// polling until the device confirms. Required before reconfiguring an
// already-enabled queue.
func (t *Transport) ResetQueue(index uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.common.Write16(VIRTIO_PCI_COMMON_Q_SELECT, index); err != nil {
		return err
	}
	return t.resetQueueLocked(index)
}

func (t *Transport) resetQueueLocked(index uint16) error {
	if err := t.common.Write16(VIRTIO_PCI_COMMON_Q_RESET, 1); err != nil {
		return err
	}
	for i := 0; i < queueResetRetryLimit; i++ {
		value, err := t.common.Read16(VIRTIO_PCI_COMMON_Q_RESET)
		if err != nil {
			return err
		}
		if value == 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: queue %d reset", ErrResetTimeout, index)
}

// allocRing reserves a zeroed, vring-aligned window for one ring.
func allocRing(mem Memory, alloc Allocator, size uint64) (uint64, error) {
	addr, err := alloc.Allocate(size, VringAlign)
	if err != nil {
		return 0, err
	}
	zero := make([]byte, size)
	n, err := mem.WriteAt(zero, int64(addr))
	if err != nil {
		return 0, err
	}
	if uint64(n) != size {
		return 0, fmt.Errorf("virtio: short ring clear (want %d, got %d)", size, n)
	}
	return addr, nil
}
