package virtio

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration with YAML support for strings like "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// FeatureSet names the transport features the driver supports, plus raw extra
// bits for device-class features.
type FeatureSet struct {
	Version1  bool   `yaml:"version1"`
	EventIdx  bool   `yaml:"event_idx"`
	RingReset bool   `yaml:"ring_reset"`
	AdminVQ   bool   `yaml:"admin_vq"`
	ExtraBits []uint `yaml:"extra_bits,omitempty"`
}

// Bits flattens the set into the 64-bit feature mask handed to Negotiate.
func (f FeatureSet) Bits() uint64 {
	var bits uint64
	if f.Version1 {
		bits |= 1 << FeatureVersion1
	}
	if f.EventIdx {
		bits |= 1 << FeatureRingEventIdx
	}
	if f.RingReset {
		bits |= 1 << FeatureRingReset
	}
	if f.AdminVQ {
		bits |= 1 << FeatureAdminVQ
	}
	for _, bit := range f.ExtraBits {
		if bit < 64 {
			bits |= 1 << bit
		}
	}
	return bits
}

// Profile is the driver-side configuration for one device bring-up.
type Profile struct {
	Features     FeatureSet `yaml:"features"`
	QueueSizeCap uint16     `yaml:"queue_size_cap"`
	AdminTimeout Duration   `yaml:"admin_timeout"`
}

// DefaultProfile is a modern virtio 1.x driver with admin-queue support.
func DefaultProfile() Profile {
	return Profile{
		Features: FeatureSet{
			Version1:  true,
			RingReset: true,
			AdminVQ:   true,
		},
		QueueSizeCap: 256,
		AdminTimeout: Duration(250 * time.Millisecond),
	}
}

// LoadProfile reads a YAML profile file, layered over the defaults.
func LoadProfile(path string) (Profile, error) {
	profile := DefaultProfile()
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return profile, nil
}
