package pci

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const sysfsPCIRoot = "/sys/bus/pci/devices"

// SysfsDevice accesses a PCI function through the Linux sysfs tree: config
// space via the "config" file and BAR windows via mmap of "resource<N>".
type SysfsDevice struct {
	addr   Address
	dir    string
	config *os.File

	bars [6][]byte
}

// OpenSysfsDevice opens the sysfs node for the given PCI address. The config
// file is opened read-write when possible, falling back to read-only.
func OpenSysfsDevice(addr Address) (*SysfsDevice, error) {
	dir := filepath.Join(sysfsPCIRoot, addr.String())
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("pci device %s: %w", addr, err)
	}
	configPath := filepath.Join(dir, "config")
	config, err := os.OpenFile(configPath, os.O_RDWR, 0)
	if err != nil {
		config, err = os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", configPath, err)
		}
	}
	return &SysfsDevice{addr: addr, dir: dir, config: config}, nil
}

// Address returns the device's PCI address.
func (d *SysfsDevice) Address() Address {
	return d.addr
}

// ReadConfig implements ConfigSpace.
func (d *SysfsDevice) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("unsupported config read size %d", size)
	}
	buf := make([]byte, size)
	n, err := unix.Pread(int(d.config.Fd()), buf, int64(offset))
	if err != nil {
		return 0, fmt.Errorf("config read at %#x: %w", offset, err)
	}
	if n != int(size) {
		return 0, fmt.Errorf("short config read at %#x (want %d, got %d)", offset, size, n)
	}
	value := uint32(0)
	for i := 0; i < n; i++ {
		value |= uint32(buf[i]) << (8 * i)
	}
	return value, nil
}

// WriteConfig implements ConfigSpace.
func (d *SysfsDevice) WriteConfig(offset uint16, size uint8, value uint32) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("unsupported config write size %d", size)
	}
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(value >> (8 * i))
	}
	n, err := unix.Pwrite(int(d.config.Fd()), buf, int64(offset))
	if err != nil {
		return fmt.Errorf("config write at %#x: %w", offset, err)
	}
	if n != int(size) {
		return fmt.Errorf("short config write at %#x (want %d, got %d)", offset, size, n)
	}
	return nil
}

// MapBAR maps the given BAR's resource file and returns a byte-addressable
// window over it. Mappings are cached per BAR and released by Close.
func (d *SysfsDevice) MapBAR(bar uint8) (*MappedRegion, error) {
	if int(bar) >= len(d.bars) {
		return nil, fmt.Errorf("BAR index %d out of range", bar)
	}
	if d.bars[bar] == nil {
		path := filepath.Join(d.dir, fmt.Sprintf("resource%d", bar))
		fi, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("BAR %d: %w", bar, err)
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("mmap %s: %w", path, err)
		}
		d.bars[bar] = mem
	}
	return &MappedRegion{mem: d.bars[bar]}, nil
}

// Close unmaps any mapped BARs and closes the config file.
func (d *SysfsDevice) Close() error {
	var firstErr error
	for i, mem := range d.bars {
		if mem == nil {
			continue
		}
		if err := unix.Munmap(mem); err != nil && firstErr == nil {
			firstErr = err
		}
		d.bars[i] = nil
	}
	if err := d.config.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// MappedRegion adapts an mmap'd BAR to the io.ReaderAt/io.WriterAt pair the
// virtio region accessor consumes.
type MappedRegion struct {
	mem []byte
}

// ReadAt implements io.ReaderAt.
func (r *MappedRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r.mem)) {
		return 0, fmt.Errorf("BAR read at %#x outside mapping of %d bytes", off, len(r.mem))
	}
	n := copy(p, r.mem[off:])
	if n != len(p) {
		return n, fmt.Errorf("short BAR read at %#x (want %d, got %d)", off, len(p), n)
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (r *MappedRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(r.mem)) {
		return 0, fmt.Errorf("BAR write at %#x outside mapping of %d bytes", off, len(r.mem))
	}
	n := copy(r.mem[off:], p)
	if n != len(p) {
		return n, fmt.Errorf("short BAR write at %#x (want %d, got %d)", off, len(p), n)
	}
	return n, nil
}

var _ ConfigSpace = (*SysfsDevice)(nil)
