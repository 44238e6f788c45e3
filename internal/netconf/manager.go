package netconf

import (
	"context"
	"fmt"
	"net"
	"path/filepath"

	"grimm.is/netconfd/internal/config"
	"grimm.is/netconfd/internal/logging"
)

// DefaultStateDir is where per-link state and lease blobs live.
const DefaultStateDir = "/run/systemd/network"

// LinkMessage is the decoded essence of an RTM_NEWLINK/RTM_DELLINK.
type LinkMessage struct {
	Index int
	Name  string
	MAC   net.HardwareAddr
	Flags uint32
	MTU   uint32
	Gone  bool
}

// Options wires a Manager's collaborators.
type Options struct {
	Logger   *logging.Logger
	Profiles *config.ProfileSet

	// Kernel overrides the driver adapter; when nil one is built over
	// Netlinker.
	Kernel    Kernel
	Netlinker Netlinker

	Enumerator DeviceEnumerator
	Hostname   HostnameSetter

	StateDir       string
	ResolvConfPath string

	DHCPFactory   DHCPFactory
	IPv4LLFactory IPv4LLFactory

	// InsideContainer skips waiting for device initialization.
	InsideContainer bool
}

// Manager owns the link registry and the single-threaded event loop
// every Link handler runs on.
type Manager struct {
	log      *logging.Logger
	profiles *config.ProfileSet
	kernel   Kernel
	enum     DeviceEnumerator
	hostname HostnameSetter
	resolv   *ResolvConf

	dhcpFactory   DHCPFactory
	ipv4llFactory IPv4LLFactory

	stateDir  string
	container bool

	links map[int]*Link
	jobs  chan func()
}

// NewManager builds a Manager. The loop is not running until Run.
func NewManager(opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Profiles == nil {
		opts.Profiles = &config.ProfileSet{}
	}
	if opts.StateDir == "" {
		opts.StateDir = DefaultStateDir
	}

	m := &Manager{
		log:           opts.Logger.WithComponent("netconf"),
		profiles:      opts.Profiles,
		enum:          opts.Enumerator,
		hostname:      opts.Hostname,
		dhcpFactory:   opts.DHCPFactory,
		ipv4llFactory: opts.IPv4LLFactory,
		stateDir:      opts.StateDir,
		container:     opts.InsideContainer,
		links:         make(map[int]*Link),
		jobs:          make(chan func(), 256),
	}

	if opts.ResolvConfPath != "" {
		m.resolv = NewResolvConf(opts.ResolvConfPath, opts.Logger)
	}

	switch {
	case opts.Kernel != nil:
		m.kernel = opts.Kernel
	case opts.Netlinker != nil:
		m.kernel = NewAdapter(opts.Netlinker, m.Dispatch, opts.Logger)
	default:
		return nil, fmt.Errorf("manager needs a Kernel or a Netlinker")
	}

	return m, nil
}

// Dispatch serializes fn onto the manager loop.
func (m *Manager) Dispatch(fn func()) {
	m.jobs <- fn
}

// Run processes the loop until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-m.jobs:
			fn()
		}
	}
}

// HandleLinkMessage feeds one decoded kernel link message into the
// registry. Must run on the manager loop.
func (m *Manager) HandleLinkMessage(msg LinkMessage) {
	if msg.Gone {
		if l, ok := m.links[msg.Index]; ok {
			l.log.Info("interface removed")
			m.removeLink(l)
		}
		return
	}

	if l, ok := m.links[msg.Index]; ok {
		l.update(msg)
		return
	}
	m.addLink(msg)
}

// addLink creates the Link for a first-seen ifindex. Outside a
// container, configuration waits until the device enumerator reports
// the interface ready.
func (m *Manager) addLink(msg LinkMessage) {
	l := newLink(m, msg)
	m.links[msg.Index] = l

	if m.enum != nil {
		dev, err := m.enum.ByIndex(msg.Index)
		if err != nil {
			l.log.Debug("no device record", "err", err)
		} else if dev != nil {
			l.device = dev
			if !m.container && !dev.IsInitialized() {
				l.log.Debug("waiting for device initialization")
				m.enum.WaitInitialized(msg.Index, func(d Device) {
					m.Dispatch(func() {
						if l.destroyed {
							return
						}
						l.device = d
						l.initialize()
					})
				})
				return
			}
		}
	}
	l.initialize()
}

func (m *Manager) removeLink(l *Link) {
	delete(m.links, l.ifindex)
	if m.resolv != nil {
		if err := m.resolv.RemoveLink(l.ifindex); err != nil {
			l.log.Warn("could not update resolv.conf", "err", err)
		}
	}
	l.destroy()
}

// Link returns the tracked link for ifindex, or nil.
func (m *Manager) Link(ifindex int) *Link {
	return m.links[ifindex]
}

// LinkCount returns how many interfaces are tracked.
func (m *Manager) LinkCount() int {
	return len(m.links)
}

func (m *Manager) linkStatePath(ifindex int) string {
	return filepath.Join(m.stateDir, "links", fmt.Sprintf("%d", ifindex))
}

func (m *Manager) leasePath(ifindex int) string {
	return filepath.Join(m.stateDir, "leases", fmt.Sprintf("%d", ifindex))
}

func (m *Manager) newDHCPClient(l *Link) (DHCP4Client, error) {
	if m.dhcpFactory == nil {
		return nil, fmt.Errorf("no DHCP client factory configured")
	}
	setup := DHCPSetup{
		Ifindex:    l.ifindex,
		Ifname:     l.ifname,
		MAC:        l.mac,
		LeasePath:  l.leaseFilePath,
		RequestMTU: l.network.DHCPMTU,
	}
	return m.dhcpFactory(setup, func(ev DHCPEvent) {
		m.Dispatch(func() { l.OnDHCPEvent(ev) })
	})
}

func (m *Manager) newIPv4LLClient(l *Link) (IPv4LLClient, error) {
	if m.ipv4llFactory == nil {
		return nil, fmt.Errorf("no IPv4LL client factory configured")
	}
	setup := IPv4LLSetup{
		Ifindex: l.ifindex,
		Ifname:  l.ifname,
		MAC:     l.mac,
	}
	if l.device != nil {
		setup.Seed = l.device.Seed()
	}
	return m.ipv4llFactory(setup, func(ev IPv4LLEvent) {
		m.Dispatch(func() { l.OnIPv4LLEvent(ev) })
	})
}

func (m *Manager) setLinkDNS(ifindex int, servers []net.IP) {
	if m.resolv == nil {
		return
	}
	if err := m.resolv.SetLinkDNS(ifindex, servers); err != nil {
		m.log.Warn("could not update resolv.conf", "err", err)
	}
}

func (m *Manager) removeLinkDNS(ifindex int) {
	if m.resolv == nil {
		return
	}
	if err := m.resolv.RemoveLink(ifindex); err != nil {
		m.log.Warn("could not update resolv.conf", "err", err)
	}
}

func (m *Manager) setHostname(name string) error {
	if m.hostname == nil {
		return nil
	}
	return m.hostname.SetHostname(name)
}
