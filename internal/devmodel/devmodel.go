// Package devmodel implements the device side of the virtio PCI transport in
// memory: a config space with the vendor capability chain, the common config
// register file, notify/ISR/device-config regions, DMA memory, and an admin
// queue servicing legacy-proxy commands for a group of SR-IOV members.
//
// It backs the test suite and the CLI self-test, standing in for a real
// device function.
package devmodel

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyvirt/virtpci/internal/pci"
	"github.com/tinyvirt/virtpci/internal/virtio"
)

// Capability chain layout within config space.
const (
	capChainStart   = 0x60
	commonCapOffset = capChainStart
	notifyCapOffset = commonCapOffset + 16
	isrCapOffset    = notifyCapOffset + 20
	deviceCapOffset = isrCapOffset + 16

	vendorCapID    = 0x09
	statusCapsList = 0x10
)

// Region placement mirroring the usual BAR split: common and friends on
// BAR 0 at fixed offsets, device config on BAR 4.
const (
	commonBAR    = 0
	isrBAR       = 1
	notifyBAR    = 2
	deviceBAR    = 4
	commonOffset = 0x0
	commonLength = 0x40
	isrOffset    = 0x0
	isrLength    = 0x1
	notifyOffset = 0x0
	deviceOffset = 0x0

	notifyMultiplier = 4
	adminQueueSize   = 16
	dmaBytes         = 1 << 22
)

// Admin status codes and qualifiers the model reports.
const (
	adminStatusError = 0x1

	QualInvalidMember     = 0x1
	QualUnsupportedOpcode = 0x2
	QualBadPayload        = 0x3
)

// Member is one SR-IOV group member reachable through the admin channel.
type Member struct {
	CommonCfg  [virtio.LegacyCommonCfgBytes]byte
	DeviceCfg  []byte
	NotifyInfo []virtio.NotifyInfo
}

// Config describes the modeled device and its fault-injection knobs.
type Config struct {
	DeviceID uint16
	Features uint64

	// QueueMaxSizes lists the device's queues in index order; a zero entry
	// models a queue the device does not implement.
	QueueMaxSizes []uint16

	// AdminQueue appends an admin virtqueue after the regular queues and
	// advertises it through admin_queue_index/admin_queue_num.
	AdminQueue bool

	// Members are the SR-IOV group members served by the admin channel.
	Members map[uint64]*Member

	// DeviceCfg backs the device-specific config region.
	DeviceCfg []byte

	// ResetLag makes the device hold its old status for that many reads
	// after a reset write before settling to zero.
	ResetLag int

	// RejectFeatures drops the FEATURES_OK bit on write-back.
	RejectFeatures bool

	// RejectQueueEnable refuses the enable write for the listed queues.
	RejectQueueEnable map[uint16]bool

	// GenerationChurn bumps config_generation on every device-config read,
	// so no generation-guarded read can ever settle.
	GenerationChurn bool

	// DropAdminCommands consumes admin notifications without ever writing a
	// completion.
	DropAdminCommands bool
}

type queueState struct {
	maxSize      uint16
	size         uint16
	enable       bool
	resetPending bool
	notifyOff    uint16
	msixVector   uint16
	descAddr     uint64
	availAddr    uint64
	usedAddr     uint64
	lastAvailIdx uint16
	usedIdx      uint16
}

func (q *queueState) reset() {
	q.size = q.maxSize
	q.enable = false
	q.resetPending = false
	q.descAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.msixVector = virtio.VIRTIO_MSI_NO_VECTOR
}

// Device is the in-memory device model.
type Device struct {
	mu  sync.Mutex
	cfg Config

	configSpace [256]byte

	deviceFeatureSel uint32
	guestFeatureSel  uint32
	deviceFeatures   [2]uint32
	guestFeatures    [2]uint32
	deviceStatus     uint8
	cfgGeneration    uint8
	queueSel         uint16
	resetCountdown   int

	queues    []queueState
	adminIdx  int // -1 when no admin queue
	deviceCfg []byte
	isr       uint8

	dma     []byte
	dmaNext uint64
}

// New builds a device model from the config.
func New(cfg Config) *Device {
	d := &Device{
		cfg:      cfg,
		adminIdx: -1,
		dma:      make([]byte, dmaBytes),
		dmaNext:  0x1000,
	}
	d.deviceFeatures[0] = uint32(cfg.Features)
	d.deviceFeatures[1] = uint32(cfg.Features >> 32)

	for _, maxSize := range cfg.QueueMaxSizes {
		d.queues = append(d.queues, queueState{maxSize: maxSize})
	}
	if cfg.AdminQueue {
		d.adminIdx = len(d.queues)
		d.queues = append(d.queues, queueState{maxSize: adminQueueSize})
	}
	for i := range d.queues {
		d.queues[i].notifyOff = uint16(i)
		d.queues[i].reset()
	}

	d.deviceCfg = make([]byte, 64)
	copy(d.deviceCfg, cfg.DeviceCfg)

	d.buildConfigSpace()
	return d
}

func (d *Device) buildConfigSpace() {
	cs := d.configSpace[:]
	binary.LittleEndian.PutUint16(cs[0x00:], virtio.VIRTIO_PCI_VENDOR_ID)
	binary.LittleEndian.PutUint16(cs[0x02:], virtio.VIRTIO_PCI_DEVICE_ID_BASE+d.cfg.DeviceID)
	binary.LittleEndian.PutUint16(cs[0x06:], statusCapsList)
	binary.LittleEndian.PutUint16(cs[0x2c:], virtio.VIRTIO_PCI_VENDOR_ID)
	binary.LittleEndian.PutUint16(cs[0x2e:], virtio.VIRTIO_PCI_DEVICE_ID_BASE+d.cfg.DeviceID)
	cs[0x34] = capChainStart

	notifyLen := uint32(len(d.queues)) * notifyMultiplier
	putCap(cs[commonCapOffset:], notifyCapOffset, pci.VIRTIO_PCI_CAP_COMMON_CFG, commonBAR, 16, commonOffset, commonLength)
	putCap(cs[notifyCapOffset:], isrCapOffset, pci.VIRTIO_PCI_CAP_NOTIFY_CFG, notifyBAR, 20, notifyOffset, notifyLen)
	binary.LittleEndian.PutUint32(cs[notifyCapOffset+16:], notifyMultiplier)
	putCap(cs[isrCapOffset:], deviceCapOffset, pci.VIRTIO_PCI_CAP_ISR_CFG, isrBAR, 16, isrOffset, isrLength)
	putCap(cs[deviceCapOffset:], 0, pci.VIRTIO_PCI_CAP_DEVICE_CFG, deviceBAR, 16, deviceOffset, uint32(len(d.deviceCfg)))
}

func putCap(buf []byte, next uint8, cfgType uint8, bar uint8, capLen uint8, offset uint32, length uint32) {
	buf[0] = vendorCapID
	buf[1] = next
	buf[2] = capLen
	buf[3] = cfgType
	buf[4] = bar
	buf[5] = 0
	buf[6] = 0
	buf[7] = 0
	binary.LittleEndian.PutUint32(buf[8:12], offset)
	binary.LittleEndian.PutUint32(buf[12:16], length)
}

// ReadConfig implements pci.ConfigSpace.
func (d *Device) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("unsupported config read size %d", size)
	}
	if int(offset)+int(size) > len(d.configSpace) {
		return 0, fmt.Errorf("config read at %#x out of range", offset)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	value := uint32(0)
	for i := uint8(0); i < size; i++ {
		value |= uint32(d.configSpace[offset+uint16(i)]) << (8 * i)
	}
	return value, nil
}

// WriteConfig implements pci.ConfigSpace. Only the command register is
// writable in the model.
func (d *Device) WriteConfig(offset uint16, size uint8, value uint32) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("unsupported config write size %d", size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset == 0x04 && size >= 2 {
		binary.LittleEndian.PutUint16(d.configSpace[0x04:], uint16(value))
	}
	return nil
}

// MapBAR returns the model's window for a BAR index, for use as the driver's
// mapped BAR memory.
func (d *Device) MapBAR(bar uint8) (virtio.MappedBAR, error) {
	switch bar {
	case commonBAR:
		return &barWindow{d: d, read: d.readCommon, write: d.writeCommon}, nil
	case isrBAR:
		return &barWindow{d: d, read: d.readISR, write: d.writeISR}, nil
	case notifyBAR:
		return &barWindow{d: d, read: d.readNotify, write: d.writeNotify}, nil
	case deviceBAR:
		return &barWindow{d: d, read: d.readDeviceCfg, write: d.writeDeviceCfg}, nil
	default:
		return nil, fmt.Errorf("devmodel: BAR %d not implemented", bar)
	}
}

// barWindow adapts per-region byte handlers to io.ReaderAt/io.WriterAt.
type barWindow struct {
	d     *Device
	read  func(offset uint64, buf []byte) error
	write func(offset uint64, buf []byte) error
}

func (w *barWindow) ReadAt(p []byte, off int64) (int, error) {
	if err := w.read(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *barWindow) WriteAt(p []byte, off int64) (int, error) {
	if err := w.write(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Memory returns the model's DMA memory.
func (d *Device) Memory() virtio.Memory {
	return (*dmaMemory)(d)
}

// Allocator returns a bump allocator over the DMA memory.
func (d *Device) Allocator() virtio.Allocator {
	return (*dmaAllocator)(d)
}

type dmaMemory Device

func (m *dmaMemory) ReadAt(p []byte, off int64) (int, error) {
	d := (*Device)(m)
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(d.dma) {
		return 0, fmt.Errorf("devmodel: DMA read at %#x out of range", off)
	}
	copy(p, d.dma[off:])
	return len(p), nil
}

func (m *dmaMemory) WriteAt(p []byte, off int64) (int, error) {
	d := (*Device)(m)
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(d.dma) {
		return 0, fmt.Errorf("devmodel: DMA write at %#x out of range", off)
	}
	copy(d.dma[off:], p)
	return len(p), nil
}

type dmaAllocator Device

func (a *dmaAllocator) Allocate(size uint64, align uint64) (uint64, error) {
	d := (*Device)(a)
	d.mu.Lock()
	defer d.mu.Unlock()
	if align == 0 {
		align = 1
	}
	base := (d.dmaNext + align - 1) &^ (align - 1)
	if base+size > uint64(len(d.dma)) {
		return 0, fmt.Errorf("devmodel: DMA space exhausted")
	}
	d.dmaNext = base + size
	return base, nil
}

var (
	_ pci.ConfigSpace = (*Device)(nil)
	_ virtio.Memory   = (*dmaMemory)(nil)
)
