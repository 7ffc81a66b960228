package devmodel

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyvirt/virtpci/internal/virtio"
)

const (
	vringDescFNext  = 0x1
	vringDescFWrite = 0x2

	adminHdrLen      = 24
	adminStatusLen   = 8
	legacyWritePad   = 8
	notifyInfoStride = 16
	notifyInfoCount  = 4
)

type descChain struct {
	head     uint16
	readable []byte
	writable []bufferRef
}

type bufferRef struct {
	addr uint64
	len  uint32
}

// serviceQueueLocked consumes every available descriptor chain on a queue and
// posts the completions. Callers hold d.mu.
func (d *Device) serviceQueueLocked(index uint16) error {
	q := &d.queues[index]
	if !q.enable || q.size == 0 {
		return nil
	}
	if int(index) == d.adminIdx && d.cfg.DropAdminCommands {
		return nil
	}

	for {
		availIdx := d.readDMA16Locked(q.availAddr + 2)
		if q.lastAvailIdx == availIdx {
			return nil
		}
		slot := uint64(q.lastAvailIdx % q.size)
		head := d.readDMA16Locked(q.availAddr + 4 + 2*slot)
		chain, err := d.readChainLocked(q, head)
		if err != nil {
			return err
		}

		var written uint32
		if int(index) == d.adminIdx {
			written = d.executeAdminLocked(chain)
		} else {
			written = d.echoChainLocked(chain)
		}

		usedSlot := uint64(q.usedIdx % q.size)
		d.writeDMA32Locked(q.usedAddr+4+8*usedSlot, uint32(head))
		d.writeDMA32Locked(q.usedAddr+4+8*usedSlot+4, written)
		q.usedIdx++
		d.writeDMA16Locked(q.usedAddr+2, q.usedIdx)
		q.lastAvailIdx++
		d.isr |= 0x1
	}
}

func (d *Device) readChainLocked(q *queueState, head uint16) (descChain, error) {
	chain := descChain{head: head}
	index := head
	for hops := 0; ; hops++ {
		if hops > int(q.size) {
			return chain, fmt.Errorf("devmodel: descriptor chain loop at head %d", head)
		}
		if index >= q.size {
			return chain, fmt.Errorf("devmodel: descriptor index %d out of range", index)
		}
		base := q.descAddr + 16*uint64(index)
		addr := d.readDMA64Locked(base)
		length := d.readDMA32Locked(base + 8)
		flags := d.readDMA16Locked(base + 12)
		next := d.readDMA16Locked(base + 14)

		if flags&vringDescFWrite != 0 {
			chain.writable = append(chain.writable, bufferRef{addr: addr, len: length})
		} else {
			if addr+uint64(length) > uint64(len(d.dma)) {
				return chain, fmt.Errorf("devmodel: readable buffer at %#x out of range", addr)
			}
			chain.readable = append(chain.readable, d.dma[addr:addr+uint64(length)]...)
		}

		if flags&vringDescFNext == 0 {
			return chain, nil
		}
		index = next
	}
}

// echoChainLocked copies a chain's readable bytes into its writable buffers.
// It is the service behavior of the model's non-admin queues.
func (d *Device) echoChainLocked(chain descChain) uint32 {
	var written uint32
	src := chain.readable
	for _, ref := range chain.writable {
		n := copy(d.dma[ref.addr:ref.addr+uint64(ref.len)], src)
		src = src[n:]
		written += uint32(n)
		if len(src) == 0 {
			break
		}
	}
	return written
}

func (d *Device) executeAdminLocked(chain descChain) uint32 {
	if len(chain.readable) < adminHdrLen || len(chain.writable) == 0 {
		return 0
	}
	opcode := binary.LittleEndian.Uint16(chain.readable[0:2])
	groupType := binary.LittleEndian.Uint16(chain.readable[2:4])
	memberID := binary.LittleEndian.Uint64(chain.readable[16:24])
	payload := chain.readable[adminHdrLen:]

	statusRef := chain.writable[len(chain.writable)-1]
	respRefs := chain.writable[:len(chain.writable)-1]
	respCap := 0
	for _, ref := range respRefs {
		respCap += int(ref.len)
	}

	resp, status, qualifier := d.runAdminCommandLocked(opcode, groupType, memberID, payload, respCap)

	var written uint32
	src := resp
	for _, ref := range respRefs {
		n := copy(d.dma[ref.addr:ref.addr+uint64(ref.len)], src)
		src = src[n:]
		written += uint32(n)
	}

	var trailer [adminStatusLen]byte
	binary.LittleEndian.PutUint16(trailer[0:2], status)
	binary.LittleEndian.PutUint16(trailer[2:4], qualifier)
	n := copy(d.dma[statusRef.addr:statusRef.addr+uint64(statusRef.len)], trailer[:])
	return written + uint32(n)
}

func (d *Device) runAdminCommandLocked(opcode, groupType uint16, memberID uint64, payload []byte, respCap int) ([]byte, uint16, uint16) {
	if groupType != virtio.VIRTIO_ADMIN_GROUP_TYPE_SRIOV {
		return nil, adminStatusError, QualBadPayload
	}

	switch opcode {
	case virtio.VIRTIO_ADMIN_CMD_LIST_QUERY:
		resp := make([]byte, respCap)
		if respCap >= 8 {
			binary.LittleEndian.PutUint64(resp, 0x7F)
		}
		return resp, virtio.VIRTIO_ADMIN_STATUS_OK, 0

	case virtio.VIRTIO_ADMIN_CMD_LIST_USE:
		if len(payload) != 8 {
			return nil, adminStatusError, QualBadPayload
		}
		return nil, virtio.VIRTIO_ADMIN_STATUS_OK, 0

	case virtio.VIRTIO_ADMIN_CMD_LEGACY_COMMON_CFG_WRITE:
		member, ok := d.cfg.Members[memberID]
		if !ok {
			return nil, adminStatusError, QualInvalidMember
		}
		if len(payload) <= legacyWritePad {
			return nil, adminStatusError, QualBadPayload
		}
		offset, regs := int(payload[0]), payload[legacyWritePad:]
		if offset+len(regs) > len(member.CommonCfg) {
			return nil, adminStatusError, QualBadPayload
		}
		copy(member.CommonCfg[offset:], regs)
		return nil, virtio.VIRTIO_ADMIN_STATUS_OK, 0

	case virtio.VIRTIO_ADMIN_CMD_LEGACY_COMMON_CFG_READ:
		member, ok := d.cfg.Members[memberID]
		if !ok {
			return nil, adminStatusError, QualInvalidMember
		}
		if len(payload) != 1 {
			return nil, adminStatusError, QualBadPayload
		}
		offset := int(payload[0])
		if offset+respCap > len(member.CommonCfg) {
			return nil, adminStatusError, QualBadPayload
		}
		return member.CommonCfg[offset : offset+respCap], virtio.VIRTIO_ADMIN_STATUS_OK, 0

	case virtio.VIRTIO_ADMIN_CMD_LEGACY_DEV_CFG_WRITE:
		member, ok := d.cfg.Members[memberID]
		if !ok {
			return nil, adminStatusError, QualInvalidMember
		}
		if len(payload) <= legacyWritePad {
			return nil, adminStatusError, QualBadPayload
		}
		offset, regs := int(payload[0]), payload[legacyWritePad:]
		if offset+len(regs) > len(member.DeviceCfg) {
			return nil, adminStatusError, QualBadPayload
		}
		copy(member.DeviceCfg[offset:], regs)
		return nil, virtio.VIRTIO_ADMIN_STATUS_OK, 0

	case virtio.VIRTIO_ADMIN_CMD_LEGACY_DEV_CFG_READ:
		member, ok := d.cfg.Members[memberID]
		if !ok {
			return nil, adminStatusError, QualInvalidMember
		}
		if len(payload) != 1 {
			return nil, adminStatusError, QualBadPayload
		}
		offset := int(payload[0])
		if offset+respCap > len(member.DeviceCfg) {
			return nil, adminStatusError, QualBadPayload
		}
		return member.DeviceCfg[offset : offset+respCap], virtio.VIRTIO_ADMIN_STATUS_OK, 0

	case virtio.VIRTIO_ADMIN_CMD_LEGACY_NOTIFY_INFO:
		member, ok := d.cfg.Members[memberID]
		if !ok {
			return nil, adminStatusError, QualInvalidMember
		}
		return encodeNotifyInfo(member.NotifyInfo, respCap), virtio.VIRTIO_ADMIN_STATUS_OK, 0

	default:
		return nil, adminStatusError, QualUnsupportedOpcode
	}
}

// encodeNotifyInfo packs notify-info entries followed by an End terminator.
// Bytes past the terminator are deliberately filled with junk: correct
// consumers never look at them.
func encodeNotifyInfo(entries []virtio.NotifyInfo, respCap int) []byte {
	resp := make([]byte, respCap)
	for i := range resp {
		resp[i] = 0xEE
	}
	slot := 0
	for _, e := range entries {
		if slot >= notifyInfoCount-1 {
			break
		}
		base := slot * notifyInfoStride
		if base+notifyInfoStride > respCap {
			return resp
		}
		resp[base] = uint8(e.Flags)
		resp[base+1] = e.Bar
		for i := 2; i < 8; i++ {
			resp[base+i] = 0
		}
		binary.LittleEndian.PutUint64(resp[base+8:base+16], e.Offset)
		slot++
	}
	base := slot * notifyInfoStride
	if base+notifyInfoStride <= respCap {
		for i := 0; i < notifyInfoStride; i++ {
			resp[base+i] = 0
		}
	}
	return resp
}

func (d *Device) readDMA16Locked(addr uint64) uint16 {
	return binary.LittleEndian.Uint16(d.dma[addr : addr+2])
}

func (d *Device) readDMA32Locked(addr uint64) uint32 {
	return binary.LittleEndian.Uint32(d.dma[addr : addr+4])
}

func (d *Device) readDMA64Locked(addr uint64) uint64 {
	return binary.LittleEndian.Uint64(d.dma[addr : addr+8])
}

func (d *Device) writeDMA16Locked(addr uint64, v uint16) {
	binary.LittleEndian.PutUint16(d.dma[addr:addr+2], v)
}

func (d *Device) writeDMA32Locked(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(d.dma[addr:addr+4], v)
}
