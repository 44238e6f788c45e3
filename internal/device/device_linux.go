//go:build linux
// +build linux

// Package device resolves interface indexes to device records: udev
// initialization status, driver name, and a stable per-device seed for
// link-local address selection.
package device

import (
	"fmt"
	"hash/fnv"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/safchain/ethtool"

	"grimm.is/netconfd/internal/logging"
	"grimm.is/netconfd/internal/netconf"
)

const (
	defaultUdevDataDir = "/run/udev/data"
	defaultSysfsNet    = "/sys/class/net"

	pollInterval = 500 * time.Millisecond
	pollTimeout  = 30 * time.Second
)

// Record is one enumerated device.
type Record struct {
	ifindex     int
	ifname      string
	driver      string
	initialized bool
	seed        [8]byte
}

var _ netconf.Device = (*Record)(nil)

// IsInitialized reports whether udev has finished processing the
// device.
func (r *Record) IsInitialized() bool { return r.initialized }

// Driver returns the kernel driver name, or "".
func (r *Record) Driver() string { return r.driver }

// Seed returns the stable 8-byte seed for this device.
func (r *Record) Seed() [8]byte { return r.seed }

// Enumerator reads device records from sysfs and the udev database.
type Enumerator struct {
	log         *logging.Logger
	udevDataDir string
	sysfsNet    string

	mu sync.Mutex
	et *ethtool.Ethtool
}

var _ netconf.DeviceEnumerator = (*Enumerator)(nil)

// NewEnumerator builds the sysfs-backed enumerator.
func NewEnumerator(log *logging.Logger) *Enumerator {
	if log == nil {
		log = logging.Default()
	}
	return &Enumerator{
		log:         log.WithComponent("device"),
		udevDataDir: defaultUdevDataDir,
		sysfsNet:    defaultSysfsNet,
	}
}

// ByIndex resolves one interface index to a device record.
func (e *Enumerator) ByIndex(ifindex int) (netconf.Device, error) {
	ifi, err := net.InterfaceByIndex(ifindex)
	if err != nil {
		return nil, fmt.Errorf("interface %d not found: %w", ifindex, err)
	}
	return e.record(ifindex, ifi), nil
}

func (e *Enumerator) record(ifindex int, ifi *net.Interface) *Record {
	r := &Record{
		ifindex:     ifindex,
		ifname:      ifi.Name,
		initialized: e.udevInitialized(ifindex),
		driver:      e.driverOf(ifi.Name),
	}
	r.seed = e.seedOf(ifi)
	return r
}

// udevInitialized checks for the device's udev database entry.
func (e *Enumerator) udevInitialized(ifindex int) bool {
	_, err := os.Stat(filepath.Join(e.udevDataDir, fmt.Sprintf("n%d", ifindex)))
	return err == nil
}

// driverOf reads the driver symlink from sysfs.
func (e *Enumerator) driverOf(ifname string) string {
	target, err := os.Readlink(filepath.Join(e.sysfsNet, ifname, "device", "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

// seedOf hashes the permanent hardware address, falling back to the
// current one, so the seed survives MAC spoofing and restarts.
func (e *Enumerator) seedOf(ifi *net.Interface) [8]byte {
	mac := ifi.HardwareAddr

	e.mu.Lock()
	if e.et == nil {
		if et, err := ethtool.NewEthtool(); err == nil {
			e.et = et
		}
	}
	et := e.et
	e.mu.Unlock()

	if et != nil {
		if perm, err := et.PermAddr(ifi.Name); err == nil && perm != "" {
			if parsed, err := net.ParseMAC(perm); err == nil {
				mac = parsed
			}
		}
	}

	h := fnv.New64a()
	h.Write(mac)
	h.Write([]byte(ifi.Name))
	var seed [8]byte
	copy(seed[:], h.Sum(nil))
	return seed
}

// WaitInitialized polls the udev database until the device shows up,
// then delivers the fresh record. After the timeout the record is
// delivered as-is so configuration is not held hostage to udev.
func (e *Enumerator) WaitInitialized(ifindex int, cb func(netconf.Device)) {
	go func() {
		deadline := time.Now().Add(pollTimeout)
		for {
			if e.udevInitialized(ifindex) || time.Now().After(deadline) {
				dev, err := e.ByIndex(ifindex)
				if err != nil {
					e.log.Debug("device vanished while waiting", "ifindex", ifindex)
					return
				}
				cb(dev)
				return
			}
			time.Sleep(pollInterval)
		}
	}()
}
