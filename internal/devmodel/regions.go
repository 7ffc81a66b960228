package devmodel

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyvirt/virtpci/internal/virtio"
)

func (d *Device) readCommon(offset uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch len(buf) {
	case 1:
		v, err := d.commonRead32Locked(offset)
		if err != nil {
			return err
		}
		buf[0] = uint8(v)
	case 2:
		v, err := d.commonRead32Locked(offset)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case 4:
		v, err := d.commonRead32Locked(offset)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(buf, v)
	default:
		return fmt.Errorf("devmodel: common config read of %d bytes", len(buf))
	}
	return nil
}

func (d *Device) commonRead32Locked(offset uint64) (uint32, error) {
	switch offset {
	case virtio.VIRTIO_PCI_COMMON_DFSELECT:
		return d.deviceFeatureSel, nil
	case virtio.VIRTIO_PCI_COMMON_DF:
		if d.deviceFeatureSel < 2 {
			return d.deviceFeatures[d.deviceFeatureSel], nil
		}
		return 0, nil
	case virtio.VIRTIO_PCI_COMMON_GFSELECT:
		return d.guestFeatureSel, nil
	case virtio.VIRTIO_PCI_COMMON_GF:
		if d.guestFeatureSel < 2 {
			return d.guestFeatures[d.guestFeatureSel], nil
		}
		return 0, nil
	case virtio.VIRTIO_PCI_COMMON_MSIX:
		return uint32(virtio.VIRTIO_MSI_NO_VECTOR), nil
	case virtio.VIRTIO_PCI_COMMON_NUMQ:
		return uint32(len(d.queues)), nil
	case virtio.VIRTIO_PCI_COMMON_STATUS:
		if d.resetCountdown > 0 {
			d.resetCountdown--
			if d.resetCountdown == 0 {
				d.performResetLocked()
			}
		}
		return uint32(d.deviceStatus), nil
	case virtio.VIRTIO_PCI_COMMON_CFGGENERATION:
		return uint32(d.cfgGeneration), nil
	case virtio.VIRTIO_PCI_COMMON_Q_SELECT:
		return uint32(d.queueSel), nil
	case virtio.VIRTIO_PCI_COMMON_Q_SIZE:
		if q := d.selectedQueueLocked(); q != nil {
			return uint32(q.size), nil
		}
		return 0, nil
	case virtio.VIRTIO_PCI_COMMON_Q_MSIX:
		if q := d.selectedQueueLocked(); q != nil {
			return uint32(q.msixVector), nil
		}
		return uint32(virtio.VIRTIO_MSI_NO_VECTOR), nil
	case virtio.VIRTIO_PCI_COMMON_Q_ENABLE:
		if q := d.selectedQueueLocked(); q != nil && q.enable {
			return 1, nil
		}
		return 0, nil
	case virtio.VIRTIO_PCI_COMMON_Q_NOFF:
		if q := d.selectedQueueLocked(); q != nil {
			return uint32(q.notifyOff), nil
		}
		return 0, nil
	case virtio.VIRTIO_PCI_COMMON_Q_DESCLO:
		if q := d.selectedQueueLocked(); q != nil {
			return uint32(q.descAddr), nil
		}
		return 0, nil
	case virtio.VIRTIO_PCI_COMMON_Q_DESCHI:
		if q := d.selectedQueueLocked(); q != nil {
			return uint32(q.descAddr >> 32), nil
		}
		return 0, nil
	case virtio.VIRTIO_PCI_COMMON_Q_AVAILLO:
		if q := d.selectedQueueLocked(); q != nil {
			return uint32(q.availAddr), nil
		}
		return 0, nil
	case virtio.VIRTIO_PCI_COMMON_Q_AVAILHI:
		if q := d.selectedQueueLocked(); q != nil {
			return uint32(q.availAddr >> 32), nil
		}
		return 0, nil
	case virtio.VIRTIO_PCI_COMMON_Q_USEDLO:
		if q := d.selectedQueueLocked(); q != nil {
			return uint32(q.usedAddr), nil
		}
		return 0, nil
	case virtio.VIRTIO_PCI_COMMON_Q_USEDHI:
		if q := d.selectedQueueLocked(); q != nil {
			return uint32(q.usedAddr >> 32), nil
		}
		return 0, nil
	case virtio.VIRTIO_PCI_COMMON_Q_NDATA:
		return uint32(d.queueSel), nil
	case virtio.VIRTIO_PCI_COMMON_Q_RESET:
		if q := d.selectedQueueLocked(); q != nil && q.resetPending {
			return 1, nil
		}
		return 0, nil
	case virtio.VIRTIO_PCI_COMMON_ADM_Q_IDX:
		if d.adminIdx >= 0 {
			return uint32(d.adminIdx), nil
		}
		return 0, nil
	case virtio.VIRTIO_PCI_COMMON_ADM_Q_NUM:
		if d.adminIdx >= 0 {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("devmodel: common config read at %#x", offset)
	}
}

func (d *Device) writeCommon(offset uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var value uint32
	switch len(buf) {
	case 1:
		value = uint32(buf[0])
	case 2:
		value = uint32(binary.LittleEndian.Uint16(buf))
	case 4:
		value = binary.LittleEndian.Uint32(buf)
	default:
		return fmt.Errorf("devmodel: common config write of %d bytes", len(buf))
	}

	switch offset {
	case virtio.VIRTIO_PCI_COMMON_DFSELECT:
		d.deviceFeatureSel = value
	case virtio.VIRTIO_PCI_COMMON_GFSELECT:
		d.guestFeatureSel = value
	case virtio.VIRTIO_PCI_COMMON_GF:
		if d.guestFeatureSel < 2 {
			d.guestFeatures[d.guestFeatureSel] = value
		}
	case virtio.VIRTIO_PCI_COMMON_MSIX:
		// no MSI-X delivery in the model
	case virtio.VIRTIO_PCI_COMMON_STATUS:
		d.writeStatusLocked(uint8(value))
	case virtio.VIRTIO_PCI_COMMON_Q_SELECT:
		d.queueSel = uint16(value)
	case virtio.VIRTIO_PCI_COMMON_Q_SIZE:
		if q := d.selectedQueueLocked(); q != nil && uint16(value) <= q.maxSize {
			q.size = uint16(value)
		}
	case virtio.VIRTIO_PCI_COMMON_Q_MSIX:
		if q := d.selectedQueueLocked(); q != nil {
			q.msixVector = uint16(value)
		}
	case virtio.VIRTIO_PCI_COMMON_Q_ENABLE:
		if q := d.selectedQueueLocked(); q != nil && value == 1 {
			if !d.cfg.RejectQueueEnable[d.queueSel] {
				q.enable = true
			}
		}
	case virtio.VIRTIO_PCI_COMMON_Q_DESCLO:
		if q := d.selectedQueueLocked(); q != nil {
			q.descAddr = q.descAddr&^uint64(0xFFFFFFFF) | uint64(value)
		}
	case virtio.VIRTIO_PCI_COMMON_Q_DESCHI:
		if q := d.selectedQueueLocked(); q != nil {
			q.descAddr = q.descAddr&0xFFFFFFFF | uint64(value)<<32
		}
	case virtio.VIRTIO_PCI_COMMON_Q_AVAILLO:
		if q := d.selectedQueueLocked(); q != nil {
			q.availAddr = q.availAddr&^uint64(0xFFFFFFFF) | uint64(value)
		}
	case virtio.VIRTIO_PCI_COMMON_Q_AVAILHI:
		if q := d.selectedQueueLocked(); q != nil {
			q.availAddr = q.availAddr&0xFFFFFFFF | uint64(value)<<32
		}
	case virtio.VIRTIO_PCI_COMMON_Q_USEDLO:
		if q := d.selectedQueueLocked(); q != nil {
			q.usedAddr = q.usedAddr&^uint64(0xFFFFFFFF) | uint64(value)
		}
	case virtio.VIRTIO_PCI_COMMON_Q_USEDHI:
		if q := d.selectedQueueLocked(); q != nil {
			q.usedAddr = q.usedAddr&0xFFFFFFFF | uint64(value)<<32
		}
	case virtio.VIRTIO_PCI_COMMON_Q_RESET:
		if q := d.selectedQueueLocked(); q != nil && value == 1 {
			q.reset()
		}
	default:
		return fmt.Errorf("devmodel: common config write at %#x", offset)
	}
	return nil
}

func (d *Device) writeStatusLocked(value uint8) {
	if value == 0 {
		if d.cfg.ResetLag > 0 && d.resetCountdown == 0 && d.deviceStatus != 0 {
			d.resetCountdown = d.cfg.ResetLag
			return
		}
		if d.resetCountdown > 0 {
			return
		}
		d.performResetLocked()
		return
	}
	if value&virtio.StatusFeaturesOK != 0 && d.cfg.RejectFeatures {
		value &^= virtio.StatusFeaturesOK
	}
	d.deviceStatus |= value
}

func (d *Device) performResetLocked() {
	d.deviceStatus = 0
	d.deviceFeatureSel = 0
	d.guestFeatureSel = 0
	d.guestFeatures = [2]uint32{}
	d.queueSel = 0
	d.isr = 0
	for i := range d.queues {
		d.queues[i].reset()
	}
}

func (d *Device) selectedQueueLocked() *queueState {
	if int(d.queueSel) >= len(d.queues) {
		return nil
	}
	q := &d.queues[d.queueSel]
	if q.maxSize == 0 {
		return nil
	}
	return q
}

func (d *Device) readISR(offset uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset != 0 || len(buf) != 1 {
		return fmt.Errorf("devmodel: ISR read at %#x", offset)
	}
	buf[0] = d.isr
	d.isr = 0
	return nil
}

func (d *Device) writeISR(offset uint64, buf []byte) error {
	return fmt.Errorf("devmodel: ISR region is read-only")
}

func (d *Device) readDeviceCfg(offset uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(offset)+len(buf) > len(d.deviceCfg) {
		return fmt.Errorf("devmodel: device config read at %#x out of range", offset)
	}
	copy(buf, d.deviceCfg[offset:])
	if d.cfg.GenerationChurn {
		d.cfgGeneration++
	}
	return nil
}

func (d *Device) writeDeviceCfg(offset uint64, buf []byte) error {
	d.mu.Lock()
	if int(offset)+len(buf) > len(d.deviceCfg) {
		d.mu.Unlock()
		return fmt.Errorf("devmodel: device config write at %#x out of range", offset)
	}
	copy(d.deviceCfg[offset:], buf)
	d.cfgGeneration++
	d.mu.Unlock()
	return nil
}

func (d *Device) readNotify(offset uint64, buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

// writeNotify services the notified queue synchronously, which makes the
// model deterministic under test.
func (d *Device) writeNotify(offset uint64, buf []byte) error {
	index := uint16(offset / notifyMultiplier)
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(index) >= len(d.queues) {
		return fmt.Errorf("devmodel: notify for queue %d", index)
	}
	return d.serviceQueueLocked(index)
}

// SetDeviceConfig mutates the device-specific config and bumps the
// generation counter, as a device changing its config underneath the driver.
func (d *Device) SetDeviceConfig(offset int, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.deviceCfg[offset:], data)
	d.cfgGeneration++
}
