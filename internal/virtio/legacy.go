package virtio

import "fmt"

// Legacy (pre-1.0) common configuration register offsets, kept only as far as
// the admin legacy-access proxy needs to validate proxied offsets.
const (
	VIRTIO_PCI_HOST_FEATURES  = 0  // 32-bit, read-only
	VIRTIO_PCI_GUEST_FEATURES = 4  // 32-bit
	VIRTIO_PCI_QUEUE_PFN      = 8  // 32-bit
	VIRTIO_PCI_QUEUE_NUM      = 12 // 16-bit, read-only
	VIRTIO_PCI_QUEUE_SEL      = 14 // 16-bit
	VIRTIO_PCI_QUEUE_NOTIFY   = 16 // 16-bit
	VIRTIO_PCI_STATUS         = 18 // 8-bit
	VIRTIO_PCI_ISR            = 19 // 8-bit, read-only
	VIRTIO_MSI_CONFIG_VECTOR  = 20 // 16-bit, MSI-X enabled only
	VIRTIO_MSI_QUEUE_VECTOR   = 22 // 16-bit, MSI-X enabled only
)

// LegacyCommonCfgBytes is the size of the legacy common config window with
// MSI-X present; device-specific config follows it.
const LegacyCommonCfgBytes = 24

// ValidateLegacyCommonAccess checks that a proxied legacy common-config
// access stays within the register window before it is shipped to the device.
func ValidateLegacyCommonAccess(offset uint8, length int) error {
	if length <= 0 {
		return fmt.Errorf("virtio: legacy access of %d bytes", length)
	}
	if int(offset)+length > LegacyCommonCfgBytes {
		return fmt.Errorf("%w: legacy common config access at %d+%d", ErrOutOfRegionBounds, offset, length)
	}
	return nil
}
