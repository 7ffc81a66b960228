package pci

import (
	"errors"
	"fmt"
)

// Virtio capability config types (virtio_pci_cap.cfg_type).
const (
	VIRTIO_PCI_CAP_COMMON_CFG        = 1
	VIRTIO_PCI_CAP_NOTIFY_CFG        = 2
	VIRTIO_PCI_CAP_ISR_CFG           = 3
	VIRTIO_PCI_CAP_DEVICE_CFG        = 4
	VIRTIO_PCI_CAP_PCI_CFG           = 5
	VIRTIO_PCI_CAP_SHARED_MEMORY_CFG = 8
)

// Byte offsets within a virtio vendor capability node.
const (
	capVndrOff       = 0
	capNextOff       = 1
	capLenOff        = 2
	capCfgTypeOff    = 3
	capBAROff        = 4
	capIDByteOff     = 5
	capOffsetOff     = 8
	capLengthOff     = 12
	capOffsetHiOff   = 16
	capLengthHiOff   = 20
	capNotifyMultOff = 16

	virtioCapLen       = 16
	virtioNotifyCapLen = 20
	virtioCap64Len     = 24
)

// maxCapabilityNodes bounds the capability walk. The chain lives in a 256-byte
// config space with 4-byte node alignment, so no well-formed chain can be
// longer than this.
const maxCapabilityNodes = 64

// ErrMalformedCapabilityChain reports a capability list that cannot be trusted:
// a cycle, a misaligned pointer, or a node too short for its declared type.
var ErrMalformedCapabilityChain = errors.New("pci: malformed capability chain")

// CfgType classifies a virtio configuration region.
type CfgType uint8

const (
	CfgTypeCommon       CfgType = VIRTIO_PCI_CAP_COMMON_CFG
	CfgTypeNotify       CfgType = VIRTIO_PCI_CAP_NOTIFY_CFG
	CfgTypeISR          CfgType = VIRTIO_PCI_CAP_ISR_CFG
	CfgTypeDevice       CfgType = VIRTIO_PCI_CAP_DEVICE_CFG
	CfgTypePCICfg       CfgType = VIRTIO_PCI_CAP_PCI_CFG
	CfgTypeSharedMemory CfgType = VIRTIO_PCI_CAP_SHARED_MEMORY_CFG
)

func (t CfgType) String() string {
	switch t {
	case CfgTypeCommon:
		return "common"
	case CfgTypeNotify:
		return "notify"
	case CfgTypeISR:
		return "isr"
	case CfgTypeDevice:
		return "device"
	case CfgTypePCICfg:
		return "pci-cfg"
	case CfgTypeSharedMemory:
		return "shared-memory"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Capability is one parsed virtio vendor capability. Offset and Length are the
// combined 64-bit values for SharedMemory regions and the plain 32-bit fields
// for everything else. NotifyOffMultiplier is only meaningful for Notify
// entries.
type Capability struct {
	Type                CfgType
	Bar                 uint8
	ID                  uint8
	Offset              uint64
	Length              uint64
	NotifyOffMultiplier uint32
}

func readConfig8(cs ConfigSpace, offset uint16) (uint8, error) {
	value, err := cs.ReadConfig(offset, 1)
	if err != nil {
		return 0, err
	}
	return uint8(value), nil
}

func readConfig16(cs ConfigSpace, offset uint16) (uint16, error) {
	value, err := cs.ReadConfig(offset, 2)
	if err != nil {
		return 0, err
	}
	return uint16(value), nil
}

// ScanCapabilities walks the PCI capability list and returns every recognized
// virtio vendor capability in chain order. Duplicate config types are retained;
// selecting among them is left to the caller.
//
// The chain originates from device-controlled data, so it is walked with an
// explicit cursor, a step bound, and a seen-offset set rather than trusting it
// to be acyclic.
func ScanCapabilities(cs ConfigSpace) ([]Capability, error) {
	status, err := readConfig16(cs, cfgStatus)
	if err != nil {
		return nil, fmt.Errorf("read status register: %w", err)
	}
	if status&statusCapsList == 0 {
		return nil, nil
	}

	cursor, err := readConfig8(cs, cfgCapPointer)
	if err != nil {
		return nil, fmt.Errorf("read capability pointer: %w", err)
	}

	var caps []Capability
	seen := make(map[uint8]struct{})
	for steps := 0; cursor != 0; steps++ {
		if steps >= maxCapabilityNodes {
			return nil, fmt.Errorf("%w: more than %d nodes", ErrMalformedCapabilityChain, maxCapabilityNodes)
		}
		// The low two bits of a capability pointer are reserved.
		cursor &^= 0x3
		if int(cursor)+virtioCapLen > configSpaceBytes {
			return nil, fmt.Errorf("%w: node at %#x overruns config space", ErrMalformedCapabilityChain, cursor)
		}
		if _, ok := seen[cursor]; ok {
			return nil, fmt.Errorf("%w: cycle at offset %#x", ErrMalformedCapabilityChain, cursor)
		}
		seen[cursor] = struct{}{}

		capID, err := readConfig8(cs, uint16(cursor)+capVndrOff)
		if err != nil {
			return nil, fmt.Errorf("read capability id at %#x: %w", cursor, err)
		}
		next, err := readConfig8(cs, uint16(cursor)+capNextOff)
		if err != nil {
			return nil, fmt.Errorf("read capability next at %#x: %w", cursor, err)
		}

		if capID == capIDVendor {
			entry, err := parseVendorCap(cs, cursor)
			if err != nil {
				return nil, err
			}
			if entry != nil {
				caps = append(caps, *entry)
			}
		}
		cursor = next
	}
	return caps, nil
}

// FindCapability returns the first capability of the given type, matching the
// usual "first found" selection among duplicates.
func FindCapability(caps []Capability, t CfgType) (Capability, bool) {
	for _, c := range caps {
		if c.Type == t {
			return c, true
		}
	}
	return Capability{}, false
}

func parseVendorCap(cs ConfigSpace, base uint8) (*Capability, error) {
	capLen, err := readConfig8(cs, uint16(base)+capLenOff)
	if err != nil {
		return nil, fmt.Errorf("read cap_len at %#x: %w", base, err)
	}
	cfgType, err := readConfig8(cs, uint16(base)+capCfgTypeOff)
	if err != nil {
		return nil, fmt.Errorf("read cfg_type at %#x: %w", base, err)
	}

	wantLen := uint8(virtioCapLen)
	switch CfgType(cfgType) {
	case CfgTypeNotify:
		wantLen = virtioNotifyCapLen
	case CfgTypeSharedMemory:
		wantLen = virtioCap64Len
	case CfgTypeCommon, CfgTypeISR, CfgTypeDevice, CfgTypePCICfg:
	default:
		// Unknown vendor structure. Leave it to future revisions.
		return nil, nil
	}
	if capLen < wantLen {
		return nil, fmt.Errorf("%w: cfg_type %d at %#x declares cap_len %d, need %d",
			ErrMalformedCapabilityChain, cfgType, base, capLen, wantLen)
	}
	if int(base)+int(wantLen) > configSpaceBytes {
		return nil, fmt.Errorf("%w: cfg_type %d at %#x overruns config space", ErrMalformedCapabilityChain, cfgType, base)
	}

	bar, err := readConfig8(cs, uint16(base)+capBAROff)
	if err != nil {
		return nil, err
	}
	id, err := readConfig8(cs, uint16(base)+capIDByteOff)
	if err != nil {
		return nil, err
	}
	offsetLo, err := cs.ReadConfig(uint16(base)+capOffsetOff, 4)
	if err != nil {
		return nil, err
	}
	lengthLo, err := cs.ReadConfig(uint16(base)+capLengthOff, 4)
	if err != nil {
		return nil, err
	}

	entry := &Capability{
		Type:   CfgType(cfgType),
		Bar:    bar,
		ID:     id,
		Offset: uint64(offsetLo),
		Length: uint64(lengthLo),
	}

	switch entry.Type {
	case CfgTypeNotify:
		mult, err := cs.ReadConfig(uint16(base)+capNotifyMultOff, 4)
		if err != nil {
			return nil, err
		}
		entry.NotifyOffMultiplier = mult
	case CfgTypeSharedMemory:
		offsetHi, err := cs.ReadConfig(uint16(base)+capOffsetHiOff, 4)
		if err != nil {
			return nil, err
		}
		lengthHi, err := cs.ReadConfig(uint16(base)+capLengthHiOff, 4)
		if err != nil {
			return nil, err
		}
		entry.Offset = uint64(offsetHi)<<32 | uint64(offsetLo)
		entry.Length = uint64(lengthHi)<<32 | uint64(lengthLo)
	}
	return entry, nil
}
