//go:build linux
// +build linux

package netconf

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"grimm.is/netconfd/internal/logging"
)

// TransientHostname applies DHCP-learned hostnames. The hostname held
// before the first transient set is captured and restored when a link
// clears its hostname with the empty string.
type TransientHostname struct {
	log *logging.Logger

	mu       sync.Mutex
	original string
	applied  bool
}

var _ HostnameSetter = (*TransientHostname)(nil)

// NewTransientHostname builds the real hostname collaborator.
func NewTransientHostname(log *logging.Logger) *TransientHostname {
	if log == nil {
		log = logging.Default()
	}
	return &TransientHostname{log: log.WithComponent("hostname")}
}

// SetHostname applies name, or restores the pre-transient hostname
// when name is empty.
func (h *TransientHostname) SetHostname(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if name == "" {
		if !h.applied {
			return nil
		}
		h.applied = false
		h.log.Debug("restoring hostname", "hostname", h.original)
		if err := unix.Sethostname([]byte(h.original)); err != nil {
			return fmt.Errorf("could not restore hostname: %w", err)
		}
		return nil
	}

	if !h.applied {
		current, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("could not read current hostname: %w", err)
		}
		h.original = current
	}
	h.log.Info("setting transient hostname", "hostname", name)
	if err := unix.Sethostname([]byte(name)); err != nil {
		return fmt.Errorf("could not set hostname: %w", err)
	}
	h.applied = true
	return nil
}
