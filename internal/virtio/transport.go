// Package virtio implements the driver side of the virtio-over-PCI transport:
// typed access to the configuration regions located by the capability chain,
// the device-status state machine and feature negotiation, virtqueue
// configuration, and the admin command channel used for indirect access to
// SR-IOV group members.
package virtio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyvirt/virtpci/internal/pci"
)

const (
	// resetRetryLimit bounds status polling after a reset write. Some devices
	// take multiple reads to settle.
	resetRetryLimit = 64

	// generationRetryLimit bounds the generation-guarded device config read.
	generationRetryLimit = 4
)

// Config carries the located regions a Transport operates on. Common, Notify,
// and ISR are required; Device is optional (not every device exposes
// device-specific config).
type Config struct {
	Common              *Region
	Notify              *Region
	NotifyOffMultiplier uint32
	ISR                 *Region
	Device              *Region
}

// Transport drives the virtio PCI transport for one device function.
//
// Transport configuration is single-threaded per device: the common config
// region's queue_select register is one shared cursor, so every multi-register
// sequence runs under the session mutex. The mutex is held per logical
// operation, not for the device's lifetime.
type Transport struct {
	mu sync.Mutex

	common              *Region
	notify              *Region
	notifyOffMultiplier uint32
	isr                 *Region
	device              *Region

	negotiated uint64
	failed     bool
}

// NewTransport builds a Transport over previously located regions.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.Common == nil {
		return nil, fmt.Errorf("virtio: common config region is required")
	}
	if cfg.Notify == nil {
		return nil, fmt.Errorf("virtio: notify region is required")
	}
	return &Transport{
		common:              cfg.Common,
		notify:              cfg.Notify,
		notifyOffMultiplier: cfg.NotifyOffMultiplier,
		isr:                 cfg.ISR,
		device:              cfg.Device,
	}, nil
}

// NewTransportFromCapabilities locates the regions among scanned capabilities
// ("first found" among duplicates) and maps their BARs through mapBAR.
func NewTransportFromCapabilities(caps []pci.Capability, mapBAR func(bar uint8) (MappedBAR, error)) (*Transport, error) {
	region := func(t pci.CfgType, required bool) (*Region, pci.Capability, error) {
		entry, ok := pci.FindCapability(caps, t)
		if !ok {
			if required {
				return nil, pci.Capability{}, fmt.Errorf("virtio: no %s capability", t)
			}
			return nil, pci.Capability{}, nil
		}
		mem, err := mapBAR(entry.Bar)
		if err != nil {
			return nil, pci.Capability{}, fmt.Errorf("virtio: map BAR %d for %s region: %w", entry.Bar, t, err)
		}
		return NewRegion(mem, entry), entry, nil
	}

	common, _, err := region(pci.CfgTypeCommon, true)
	if err != nil {
		return nil, err
	}
	notify, notifyCap, err := region(pci.CfgTypeNotify, true)
	if err != nil {
		return nil, err
	}
	isr, _, err := region(pci.CfgTypeISR, false)
	if err != nil {
		return nil, err
	}
	device, _, err := region(pci.CfgTypeDevice, false)
	if err != nil {
		return nil, err
	}

	return NewTransport(Config{
		Common:              common,
		Notify:              notify,
		NotifyOffMultiplier: notifyCap.NotifyOffMultiplier,
		ISR:                 isr,
		Device:              device,
	})
}

// Status returns the current device_status byte.
func (t *Transport) Status() (uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.common.Read8(VIRTIO_PCI_COMMON_STATUS)
}

// NumQueues returns the device's queue count.
func (t *Transport) NumQueues() (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.common.Read16(VIRTIO_PCI_COMMON_NUMQ)
}

// AdminQueueIndex returns the admin virtqueue index and count advertised in
// common config. Only meaningful once FeatureAdminVQ has been negotiated.
func (t *Transport) AdminQueueIndex() (index uint16, count uint16, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	index, err = t.common.Read16(VIRTIO_PCI_COMMON_ADM_Q_IDX)
	if err != nil {
		return 0, 0, err
	}
	count, err = t.common.Read16(VIRTIO_PCI_COMMON_ADM_Q_NUM)
	if err != nil {
		return 0, 0, err
	}
	return index, count, nil
}

// QueueNotifyData returns the notify data the device expects in notifications
// for a queue, from the modern queue_notify_data register.
func (t *Transport) QueueNotifyData(index uint16) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.common.Write16(VIRTIO_PCI_COMMON_Q_SELECT, index); err != nil {
		return 0, err
	}
	return t.common.Read16(VIRTIO_PCI_COMMON_Q_NDATA)
}

// Negotiated returns the feature set agreed during Negotiate.
func (t *Transport) Negotiated() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.negotiated
}

// Failed reports whether the transport's logical state is Failed. A failed
// transport must be reset before any further configuration.
func (t *Transport) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// Reset writes status 0 and polls until the device confirms clearance,
// failing with ErrResetTimeout after a bounded retry count. A successful
// reset clears the failed state.
func (t *Transport) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.common.Write8(VIRTIO_PCI_COMMON_STATUS, 0); err != nil {
		return err
	}
	for i := 0; i < resetRetryLimit; i++ {
		status, err := t.common.Read8(VIRTIO_PCI_COMMON_STATUS)
		if err != nil {
			return err
		}
		if status == 0 {
			t.failed = false
			t.negotiated = 0
			return nil
		}
		// Some devices need repeated reset writes to settle.
		if err := t.common.Write8(VIRTIO_PCI_COMMON_STATUS, 0); err != nil {
			return err
		}
	}
	t.failed = true
	return ErrResetTimeout
}

// Acknowledge sets the ACKNOWLEDGE status bit.
func (t *Transport) Acknowledge() error {
	return t.setStatusBit(StatusAcknowledge)
}

// SetDriver sets the DRIVER status bit.
func (t *Transport) SetDriver() error {
	return t.setStatusBit(StatusDriver)
}

// SetDriverOK sets DRIVER_OK, the caller's signal that it is ready to operate.
// It must be the last status transition; it is rejected unless FEATURES_OK is
// already set.
func (t *Transport) SetDriverOK() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed {
		return ErrDeviceFailed
	}
	status, err := t.common.Read8(VIRTIO_PCI_COMMON_STATUS)
	if err != nil {
		return err
	}
	if status&StatusFeaturesOK == 0 {
		return fmt.Errorf("virtio: DRIVER_OK before FEATURES_OK (status %#x)", status)
	}
	return t.common.Write8(VIRTIO_PCI_COMMON_STATUS, status|StatusDriverOK)
}

// Fail sets the FAILED status bit and marks the transport failed. Recovery
// requires an explicit Reset.
func (t *Transport) Fail() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed = true
	status, err := t.common.Read8(VIRTIO_PCI_COMMON_STATUS)
	if err != nil {
		return err
	}
	return t.common.Write8(VIRTIO_PCI_COMMON_STATUS, status|StatusFailed)
}

// setStatusBit ORs a new bit into device_status. Status writes never clear
// bits already set; only Reset does that.
func (t *Transport) setStatusBit(bit uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed {
		return ErrDeviceFailed
	}
	status, err := t.common.Read8(VIRTIO_PCI_COMMON_STATUS)
	if err != nil {
		return err
	}
	return t.common.Write8(VIRTIO_PCI_COMMON_STATUS, status|bit)
}

// DeviceFeatures reads the device's 64-bit feature set through the two 32-bit
// selector windows.
func (t *Transport) DeviceFeatures() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readDeviceFeaturesLocked()
}

func (t *Transport) readDeviceFeaturesLocked() (uint64, error) {
	var features uint64
	for sel := uint32(0); sel < 2; sel++ {
		if err := t.common.Write32(VIRTIO_PCI_COMMON_DFSELECT, sel); err != nil {
			return 0, err
		}
		window, err := t.common.Read32(VIRTIO_PCI_COMMON_DF)
		if err != nil {
			return 0, err
		}
		features |= uint64(window) << (32 * sel)
	}
	return features, nil
}

// Negotiate intersects the device's feature set with the driver-supported
// set, writes the result back, and confirms FEATURES_OK. On rejection the
// transport enters the failed state and the caller must Reset to retry.
//
// Negotiation is idempotent: repeating it with the same driver set yields the
// same negotiated set.
func (t *Transport) Negotiate(driverFeatures uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failed {
		return 0, ErrDeviceFailed
	}

	deviceFeatures, err := t.readDeviceFeaturesLocked()
	if err != nil {
		return 0, err
	}
	negotiated := deviceFeatures & driverFeatures

	for sel := uint32(0); sel < 2; sel++ {
		if err := t.common.Write32(VIRTIO_PCI_COMMON_GFSELECT, sel); err != nil {
			return 0, err
		}
		window := uint32(negotiated >> (32 * sel))
		if err := t.common.Write32(VIRTIO_PCI_COMMON_GF, window); err != nil {
			return 0, err
		}
	}

	status, err := t.common.Read8(VIRTIO_PCI_COMMON_STATUS)
	if err != nil {
		return 0, err
	}
	if err := t.common.Write8(VIRTIO_PCI_COMMON_STATUS, status|StatusFeaturesOK); err != nil {
		return 0, err
	}
	status, err = t.common.Read8(VIRTIO_PCI_COMMON_STATUS)
	if err != nil {
		return 0, err
	}
	if status&StatusFeaturesOK == 0 {
		t.failed = true
		if err := t.common.Write8(VIRTIO_PCI_COMMON_STATUS, status|StatusFailed); err != nil {
			slog.Warn("virtio: could not flag failed status after feature rejection", "err", err)
		}
		return 0, fmt.Errorf("%w: offered %#x, wanted %#x", ErrFeaturesRejected, deviceFeatures, negotiated)
	}

	t.negotiated = negotiated
	slog.Debug("virtio: features negotiated", "device", fmt.Sprintf("%#x", deviceFeatures), "negotiated", fmt.Sprintf("%#x", negotiated))
	return negotiated, nil
}

// FeatureNegotiated reports whether the given feature bit was agreed.
func (t *Transport) FeatureNegotiated(bit uint) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.negotiated&(uint64(1)<<bit) != 0
}

// ReadDeviceConfig performs a generation-guarded read of the device-specific
// config region: the config generation is sampled before and after copying the
// bytes and the read retried while they differ, bounded by
// generationRetryLimit, then failed with ErrConfigUnstable.
func (t *Transport) ReadDeviceConfig(offset uint64, buf []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.device == nil {
		return fmt.Errorf("virtio: device has no device-specific config region")
	}
	for i := 0; i < generationRetryLimit; i++ {
		before, err := t.common.Read8(VIRTIO_PCI_COMMON_CFGGENERATION)
		if err != nil {
			return err
		}
		if err := t.device.ReadBytes(offset, buf); err != nil {
			return err
		}
		after, err := t.common.Read8(VIRTIO_PCI_COMMON_CFGGENERATION)
		if err != nil {
			return err
		}
		if before == after {
			return nil
		}
	}
	return ErrConfigUnstable
}

// WriteDeviceConfig stores bytes into the device-specific config region.
func (t *Transport) WriteDeviceConfig(offset uint64, buf []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.device == nil {
		return fmt.Errorf("virtio: device has no device-specific config region")
	}
	return t.device.WriteBytes(offset, buf)
}

// ReadISR reads and thereby acknowledges the ISR status byte.
func (t *Transport) ReadISR() (uint8, error) {
	if t.isr == nil {
		return 0, fmt.Errorf("virtio: device has no ISR region")
	}
	return t.isr.Read8(0)
}

// NotifyOffset converts a queue's notify offset into a byte offset within the
// notify region.
func (t *Transport) NotifyOffset(notifyOff uint16) uint64 {
	return uint64(notifyOff) * uint64(t.notifyOffMultiplier)
}

// NotifyQueue writes the queue index into the queue's notify slot, kicking the
// device.
func (t *Transport) NotifyQueue(q Queue) error {
	return t.notify.Write16(q.NotifyAddr, q.Index)
}
