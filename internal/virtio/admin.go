package virtio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Admin command opcodes.
const (
	VIRTIO_ADMIN_CMD_LIST_QUERY              = 0x0
	VIRTIO_ADMIN_CMD_LIST_USE                = 0x1
	VIRTIO_ADMIN_CMD_LEGACY_COMMON_CFG_WRITE = 0x2
	VIRTIO_ADMIN_CMD_LEGACY_COMMON_CFG_READ  = 0x3
	VIRTIO_ADMIN_CMD_LEGACY_DEV_CFG_WRITE    = 0x4
	VIRTIO_ADMIN_CMD_LEGACY_DEV_CFG_READ     = 0x5
	VIRTIO_ADMIN_CMD_LEGACY_NOTIFY_INFO      = 0x6
)

// Admin group types.
const VIRTIO_ADMIN_GROUP_TYPE_SRIOV = 0x1

// Admin command status.
const VIRTIO_ADMIN_STATUS_OK = 0

// Wire sizes of the packed admin structures.
const (
	adminCmdHdrLen    = 24 // opcode:2 group_type:2 reserved:12 group_member_id:8
	adminStatusLen    = 8  // status:2 status_qualifier:2 reserved:4
	adminLegacyWrPad  = 8  // offset:1 reserved:7
	notifyInfoEntry   = 16 // flags:1 bar:1 padding:6 offset:8
	maxNotifyInfo     = 4
	maxLegacyPayload  = 4096
	adminPollInterval = 50 * time.Microsecond
)

// NotifyFlag tags a notify-info entry. OwnerDevice and OwnerMemory differ
// only in addressing mode; the transport surfaces the value opaquely.
type NotifyFlag uint8

const (
	NotifyFlagEnd         NotifyFlag = 0x0
	NotifyFlagOwnerDevice NotifyFlag = 0x1
	NotifyFlagOwnerMemory NotifyFlag = 0x2
)

func (f NotifyFlag) String() string {
	switch f {
	case NotifyFlagEnd:
		return "end"
	case NotifyFlagOwnerDevice:
		return "owner-device"
	case NotifyFlagOwnerMemory:
		return "owner-memory"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// NotifyInfo is one notification region of a group member.
type NotifyInfo struct {
	Flags  NotifyFlag
	Bar    uint8
	Offset uint64
}

// AdminCommand is one administrative command addressed to a member of a
// device group.
type AdminCommand struct {
	Opcode        uint16
	GroupType     uint16
	GroupMemberID uint64
	Payload       []byte
}

// AdminQueue is the request/response channel riding on the admin virtqueue.
// Commands block their caller until the paired used-ring completion arrives
// or the caller's context expires. Concurrency is bounded by the ring's
// descriptor count: at most one in-flight command per descriptor-chain slot.
type AdminQueue struct {
	vr    *Vring
	mem   Memory
	alloc Allocator
	kick  func() error

	mu      sync.Mutex
	waiters map[uint16]chan UsedElem
}

// NewAdminQueue wraps a configured admin queue. The queue must have been set
// up through the queue configurator on the index the device advertises in
// admin_queue_index.
func NewAdminQueue(t *Transport, q Queue, mem Memory, alloc Allocator) (*AdminQueue, error) {
	vr, err := NewVring(mem, q)
	if err != nil {
		return nil, err
	}
	return &AdminQueue{
		vr:      vr,
		mem:     mem,
		alloc:   alloc,
		kick:    func() error { return t.NotifyQueue(q) },
		waiters: make(map[uint16]chan UsedElem),
	}, nil
}

// Submit sends one admin command and blocks until its completion, the
// response buffer sized for respLen payload bytes. It returns the response
// bytes on success. A device rejection surfaces as *AdminCommandError; a
// missing completion as ErrAdminTimeout once ctx expires, in which case the
// command's descriptor slots are permanently retired (the device may still
// write into them later, so they are never reused).
func (aq *AdminQueue) Submit(ctx context.Context, cmd AdminCommand, respLen int) ([]byte, error) {
	if respLen < 0 || respLen > maxLegacyPayload {
		return nil, fmt.Errorf("virtio: admin response length %d out of range", respLen)
	}

	cmdLen := adminCmdHdrLen + len(cmd.Payload)
	cmdAddr, err := aq.alloc.Allocate(uint64(cmdLen), 16)
	if err != nil {
		return nil, err
	}
	respAddr, err := aq.alloc.Allocate(uint64(respLen)+adminStatusLen, 16)
	if err != nil {
		return nil, err
	}
	statusAddr := respAddr + uint64(respLen)

	buf := make([]byte, cmdLen)
	binary.LittleEndian.PutUint16(buf[0:2], cmd.Opcode)
	binary.LittleEndian.PutUint16(buf[2:4], cmd.GroupType)
	binary.LittleEndian.PutUint64(buf[16:24], cmd.GroupMemberID)
	copy(buf[adminCmdHdrLen:], cmd.Payload)
	if _, err := aq.mem.WriteAt(buf, int64(cmdAddr)); err != nil {
		return nil, err
	}
	// Zero the writable half so a stale status can never read as OK.
	if _, err := aq.mem.WriteAt(make([]byte, respLen+adminStatusLen), int64(respAddr)); err != nil {
		return nil, err
	}

	chain := []Buffer{{Addr: cmdAddr, Len: uint32(cmdLen)}}
	if respLen > 0 {
		chain = append(chain, Buffer{Addr: respAddr, Len: uint32(respLen), DeviceWritable: true})
	}
	chain = append(chain, Buffer{Addr: statusAddr, Len: adminStatusLen, DeviceWritable: true})

	head, err := aq.vr.Post(chain)
	if err != nil {
		return nil, err
	}

	done := make(chan UsedElem, 1)
	aq.mu.Lock()
	aq.waiters[head] = done
	aq.mu.Unlock()

	if err := aq.kick(); err != nil {
		aq.dropWaiter(head)
		return nil, err
	}

	if err := aq.wait(ctx, head, done); err != nil {
		return nil, err
	}

	status := make([]byte, adminStatusLen)
	if _, err := aq.mem.ReadAt(status, int64(statusAddr)); err != nil {
		return nil, err
	}
	code := binary.LittleEndian.Uint16(status[0:2])
	qualifier := binary.LittleEndian.Uint16(status[2:4])
	if code != VIRTIO_ADMIN_STATUS_OK {
		// The group state is authoritative; retrying cannot change it.
		return nil, &AdminCommandError{Status: code, Qualifier: qualifier}
	}

	if respLen == 0 {
		return nil, nil
	}
	resp := make([]byte, respLen)
	if _, err := aq.mem.ReadAt(resp, int64(respAddr)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (aq *AdminQueue) wait(ctx context.Context, head uint16, done chan UsedElem) error {
	ticker := time.NewTicker(adminPollInterval)
	defer ticker.Stop()
	for {
		if err := aq.drain(); err != nil {
			aq.dropWaiter(head)
			return err
		}
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			// Final look before declaring the device unresponsive.
			if err := aq.drain(); err == nil {
				select {
				case <-done:
					return nil
				default:
				}
			}
			aq.dropWaiter(head)
			aq.vr.Retire(head)
			slog.Warn("virtio: admin command timed out, retiring descriptor slots", "head", head)
			return fmt.Errorf("%w: %w", ErrAdminTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// drain reaps every pending completion and wakes the matching waiters.
func (aq *AdminQueue) drain() error {
	for {
		elem, ok, err := aq.vr.Reap()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		aq.mu.Lock()
		done := aq.waiters[elem.Head]
		delete(aq.waiters, elem.Head)
		aq.mu.Unlock()
		if done != nil {
			done <- elem
		}
	}
}

func (aq *AdminQueue) dropWaiter(head uint16) {
	aq.mu.Lock()
	delete(aq.waiters, head)
	aq.mu.Unlock()
}

// ListQuery returns the device's supported admin opcode bitmap for the SR-IOV
// group type.
func (aq *AdminQueue) ListQuery(ctx context.Context) (uint64, error) {
	resp, err := aq.Submit(ctx, AdminCommand{
		Opcode:    VIRTIO_ADMIN_CMD_LIST_QUERY,
		GroupType: VIRTIO_ADMIN_GROUP_TYPE_SRIOV,
	}, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(resp), nil
}

// ListUse tells the device which admin opcodes the driver will use.
func (aq *AdminQueue) ListUse(ctx context.Context, opcodes uint64) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, opcodes)
	_, err := aq.Submit(ctx, AdminCommand{
		Opcode:    VIRTIO_ADMIN_CMD_LIST_USE,
		GroupType: VIRTIO_ADMIN_GROUP_TYPE_SRIOV,
		Payload:   payload,
	}, 0)
	return err
}

// LegacyCommonCfgWrite proxies a legacy common-config register write to a
// group member.
func (aq *AdminQueue) LegacyCommonCfgWrite(ctx context.Context, member uint64, offset uint8, registers []byte) error {
	if err := ValidateLegacyCommonAccess(offset, len(registers)); err != nil {
		return err
	}
	return aq.legacyWrite(ctx, VIRTIO_ADMIN_CMD_LEGACY_COMMON_CFG_WRITE, member, offset, registers)
}

// LegacyCommonCfgRead proxies a legacy common-config register read from a
// group member.
func (aq *AdminQueue) LegacyCommonCfgRead(ctx context.Context, member uint64, offset uint8, length int) ([]byte, error) {
	if err := ValidateLegacyCommonAccess(offset, length); err != nil {
		return nil, err
	}
	return aq.legacyRead(ctx, VIRTIO_ADMIN_CMD_LEGACY_COMMON_CFG_READ, member, offset, length)
}

// LegacyDeviceCfgWrite proxies a legacy device-config write to a group member.
func (aq *AdminQueue) LegacyDeviceCfgWrite(ctx context.Context, member uint64, offset uint8, registers []byte) error {
	return aq.legacyWrite(ctx, VIRTIO_ADMIN_CMD_LEGACY_DEV_CFG_WRITE, member, offset, registers)
}

// LegacyDeviceCfgRead proxies a legacy device-config read from a group member.
func (aq *AdminQueue) LegacyDeviceCfgRead(ctx context.Context, member uint64, offset uint8, length int) ([]byte, error) {
	return aq.legacyRead(ctx, VIRTIO_ADMIN_CMD_LEGACY_DEV_CFG_READ, member, offset, length)
}

func (aq *AdminQueue) legacyWrite(ctx context.Context, opcode uint16, member uint64, offset uint8, registers []byte) error {
	if len(registers) == 0 || len(registers) > maxLegacyPayload {
		return fmt.Errorf("virtio: legacy write of %d register bytes", len(registers))
	}
	payload := make([]byte, adminLegacyWrPad+len(registers))
	payload[0] = offset
	copy(payload[adminLegacyWrPad:], registers)
	_, err := aq.Submit(ctx, AdminCommand{
		Opcode:        opcode,
		GroupType:     VIRTIO_ADMIN_GROUP_TYPE_SRIOV,
		GroupMemberID: member,
		Payload:       payload,
	}, 0)
	return err
}

func (aq *AdminQueue) legacyRead(ctx context.Context, opcode uint16, member uint64, offset uint8, length int) ([]byte, error) {
	if length <= 0 || length > maxLegacyPayload {
		return nil, fmt.Errorf("virtio: legacy read of %d bytes", length)
	}
	return aq.Submit(ctx, AdminCommand{
		Opcode:        opcode,
		GroupType:     VIRTIO_ADMIN_GROUP_TYPE_SRIOV,
		GroupMemberID: member,
		Payload:       []byte{offset},
	}, length)
}

// QueryNotifyInfo fetches a group member's notification regions. The result
// stops at the first End-flagged entry even if the buffer carries further
// stale entries.
func (aq *AdminQueue) QueryNotifyInfo(ctx context.Context, member uint64) ([]NotifyInfo, error) {
	resp, err := aq.Submit(ctx, AdminCommand{
		Opcode:        VIRTIO_ADMIN_CMD_LEGACY_NOTIFY_INFO,
		GroupType:     VIRTIO_ADMIN_GROUP_TYPE_SRIOV,
		GroupMemberID: member,
	}, maxNotifyInfo*notifyInfoEntry)
	if err != nil {
		return nil, err
	}
	return parseNotifyInfo(resp)
}

func parseNotifyInfo(resp []byte) ([]NotifyInfo, error) {
	var entries []NotifyInfo
	for i := 0; i < maxNotifyInfo; i++ {
		base := i * notifyInfoEntry
		if base+notifyInfoEntry > len(resp) {
			return nil, fmt.Errorf("virtio: truncated notify info result (%d bytes)", len(resp))
		}
		flags := NotifyFlag(resp[base])
		if flags == NotifyFlagEnd {
			break
		}
		entries = append(entries, NotifyInfo{
			Flags:  flags,
			Bar:    resp[base+1],
			Offset: binary.LittleEndian.Uint64(resp[base+8 : base+16]),
		})
	}
	return entries, nil
}
