// Package pci provides access to a PCI function's configuration space and
// discovery of the virtio vendor capability chain embedded in it.
package pci

import (
	"fmt"
	"regexp"
	"strconv"
)

// ConfigSpace models PCI configuration space access for a single
// bus/device/function tuple. Reads and writes are little-endian and must
// support sizes of 1, 2, and 4 bytes.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Standard configuration-space registers used by the capability walk.
const (
	cfgStatus        = 0x06
	cfgCapPointer    = 0x34
	statusCapsList   = 0x10
	capIDVendor      = 0x09
	configSpaceBytes = 256
)

var bdfPattern = regexp.MustCompile(`(?i)^(?:([0-9a-f]{4}):)?([0-9a-f]{2}):([0-9a-f]{2})\.([0-7])$`)

// Address identifies a PCI function as domain:bus:device.function.
type Address struct {
	Domain   uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%d", a.Domain, a.Bus, a.Device, a.Function)
}

// ParseAddress parses a BDF string such as "0000:00:04.0". The domain part is
// optional and defaults to 0.
func ParseAddress(s string) (Address, error) {
	m := bdfPattern.FindStringSubmatch(s)
	if m == nil {
		return Address{}, fmt.Errorf("invalid PCI address %q", s)
	}
	var addr Address
	if m[1] != "" {
		domain, err := strconv.ParseUint(m[1], 16, 16)
		if err != nil {
			return Address{}, fmt.Errorf("invalid PCI domain in %q: %w", s, err)
		}
		addr.Domain = uint16(domain)
	}
	bus, err := strconv.ParseUint(m[2], 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid PCI bus in %q: %w", s, err)
	}
	dev, err := strconv.ParseUint(m[3], 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid PCI device in %q: %w", s, err)
	}
	fn, err := strconv.ParseUint(m[4], 10, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid PCI function in %q: %w", s, err)
	}
	addr.Bus = uint8(bus)
	addr.Device = uint8(dev)
	addr.Function = uint8(fn)
	return addr, nil
}
