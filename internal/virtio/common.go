package virtio

// PCI vendor and device IDs.
const (
	VIRTIO_PCI_VENDOR_ID      = 0x1AF4
	VIRTIO_PCI_DEVICE_ID_BASE = 0x1040 // Modern VirtIO devices start at 0x1040
)

// Common Configuration Structure offsets.
const (
	VIRTIO_PCI_COMMON_DFSELECT      = 0x00 // Device Feature Select
	VIRTIO_PCI_COMMON_DF            = 0x04 // Device Features
	VIRTIO_PCI_COMMON_GFSELECT      = 0x08 // Guest Feature Select
	VIRTIO_PCI_COMMON_GF            = 0x0C // Guest Features
	VIRTIO_PCI_COMMON_MSIX          = 0x10 // MSI-X Config Vector
	VIRTIO_PCI_COMMON_NUMQ          = 0x12 // Number of Queues
	VIRTIO_PCI_COMMON_STATUS        = 0x14 // Device Status
	VIRTIO_PCI_COMMON_CFGGENERATION = 0x15 // Config Generation
	VIRTIO_PCI_COMMON_Q_SELECT      = 0x16 // Queue Select
	VIRTIO_PCI_COMMON_Q_SIZE        = 0x18 // Queue Size
	VIRTIO_PCI_COMMON_Q_MSIX        = 0x1A // Queue MSI-X Vector
	VIRTIO_PCI_COMMON_Q_ENABLE      = 0x1C // Queue Enable
	VIRTIO_PCI_COMMON_Q_NOFF        = 0x1E // Queue Notify Off
	VIRTIO_PCI_COMMON_Q_DESCLO      = 0x20 // Queue Descriptor Low
	VIRTIO_PCI_COMMON_Q_DESCHI      = 0x24 // Queue Descriptor High
	VIRTIO_PCI_COMMON_Q_AVAILLO     = 0x28 // Queue Available Low
	VIRTIO_PCI_COMMON_Q_AVAILHI     = 0x2C // Queue Available High
	VIRTIO_PCI_COMMON_Q_USEDLO      = 0x30 // Queue Used Low
	VIRTIO_PCI_COMMON_Q_USEDHI      = 0x34 // Queue Used High
	VIRTIO_PCI_COMMON_Q_NDATA       = 0x38 // Queue Notify Data
	VIRTIO_PCI_COMMON_Q_RESET       = 0x3A // Queue Reset
	VIRTIO_PCI_COMMON_ADM_Q_IDX     = 0x3C // Admin Queue Index
	VIRTIO_PCI_COMMON_ADM_Q_NUM     = 0x3E // Admin Queue Count
)

// Device status bits.
const (
	StatusAcknowledge = 0x01
	StatusDriver      = 0x02
	StatusDriverOK    = 0x04
	StatusFeaturesOK  = 0x08
	StatusNeedsReset  = 0x40
	StatusFailed      = 0x80
)

// Transport-level feature bits.
const (
	FeatureRingEventIdx = 29
	FeatureVersion1     = 32
	FeatureRingReset    = 40
	FeatureAdminVQ      = 41
)

// MSI-X sentinel for "no vector assigned".
const VIRTIO_MSI_NO_VECTOR = 0xFFFF

// VringAlign is the ring alignment boundary inherited from the legacy PCI
// transport and kept for ring allocation.
const VringAlign = 4096
