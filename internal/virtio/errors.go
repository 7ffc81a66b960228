package virtio

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRegionBounds reports an access past the end of a configuration
	// region's recorded length.
	ErrOutOfRegionBounds = errors.New("virtio: access out of region bounds")

	// ErrResetTimeout reports a device that never confirmed status clearance
	// within the bounded reset poll.
	ErrResetTimeout = errors.New("virtio: device reset timed out")

	// ErrFeaturesRejected reports a device that dropped the FEATURES_OK bit
	// after the negotiated feature set was written back.
	ErrFeaturesRejected = errors.New("virtio: device rejected negotiated features")

	// ErrQueueEnableRejected reports a queue whose enable bit did not stick.
	ErrQueueEnableRejected = errors.New("virtio: queue enable rejected")

	// ErrConfigUnstable reports a config generation that kept changing across
	// the bounded generation-guarded read retries.
	ErrConfigUnstable = errors.New("virtio: device config generation unstable")

	// ErrAdminTimeout reports an admin command whose used-ring completion
	// never arrived before the caller's deadline.
	ErrAdminTimeout = errors.New("virtio: admin command timed out")

	// ErrDeviceFailed reports an operation attempted after the transport
	// entered the failed state.
	ErrDeviceFailed = errors.New("virtio: device in failed state")
)

// AdminCommandError carries the device's own status and qualifier for a
// rejected admin command. Rejections are authoritative (stale member id,
// denied access) and are never retried by the transport.
type AdminCommandError struct {
	Status    uint16
	Qualifier uint16
}

func (e *AdminCommandError) Error() string {
	return fmt.Sprintf("virtio: admin command rejected (status %#x, qualifier %#x)", e.Status, e.Qualifier)
}
