package netconf

import (
	"bytes"
	"errors"
	"net"

	"golang.org/x/sys/unix"

	"grimm.is/netconfd/internal/config"
	"grimm.is/netconfd/internal/logging"
)

// LinkState is the configuration stage a link is in.
type LinkState int

const (
	StateInitializing LinkState = iota
	StateEnslaving
	StateSettingAddresses
	StateSettingRoutes
	StateConfigured
	StateFailed
)

func (s LinkState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateEnslaving:
		return "enslaving"
	case StateSettingAddresses:
		return "setting-addresses"
	case StateSettingRoutes:
		return "setting-routes"
	case StateConfigured:
		return "configured"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// collapsed maps the internal state onto the three values exposed in
// the state file.
func (s LinkState) collapsed() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateFailed:
		return "failed"
	default:
		return "configuring"
	}
}

// Link drives one kernel interface through its configuration stages.
// All methods run on the manager loop.
type Link struct {
	manager *Manager
	log     *logging.Logger

	ifindex     int
	ifname      string
	mac         net.HardwareAddr
	flags       uint32
	originalMTU uint32

	state   LinkState
	network *config.Network
	device  Device

	// Outstanding kernel acknowledgments per stage.
	enslavingPending int
	addrPending      int
	routePending     int

	dhcp       DHCP4Client
	lease      *Lease
	ipv4ll     IPv4LLClient
	ipv4llAddr net.IP

	mtuApplied      bool
	hostnameApplied bool
	destroyed       bool

	stateFilePath string
	leaseFilePath string
}

func newLink(m *Manager, msg LinkMessage) *Link {
	l := &Link{
		manager:       m,
		ifindex:       msg.Index,
		ifname:        msg.Name,
		mac:           msg.MAC,
		flags:         msg.Flags,
		state:         StateInitializing,
		stateFilePath: m.linkStatePath(msg.Index),
		leaseFilePath: m.leasePath(msg.Index),
	}
	if msg.MTU > 0 {
		l.originalMTU = msg.MTU
	}
	l.log = m.log.WithFields(map[string]any{"ifname": l.ifname, "ifindex": l.ifindex})
	l.log.Debug("link tracked", "flags", l.flags)
	l.save()
	return l
}

// Index returns the interface index.
func (l *Link) Index() int { return l.ifindex }

// Name returns the current interface name.
func (l *Link) Name() string { return l.ifname }

// State returns the current configuration stage.
func (l *Link) State() LinkState { return l.state }

// Lease returns the held DHCPv4 lease, if any.
func (l *Link) Lease() *Lease { return l.lease }

// OriginalMTU returns the MTU captured at first sighting.
func (l *Link) OriginalMTU() uint32 { return l.originalMTU }

// Managed reports whether a profile matched this link.
func (l *Link) Managed() bool { return l.network != nil }

func (l *Link) carrierUp() bool {
	return l.flags&unix.IFF_LOWER_UP != 0 && l.flags&unix.IFF_DORMANT == 0
}

// update applies a fresh RTM_NEWLINK for an already-tracked interface.
func (l *Link) update(msg LinkMessage) {
	if msg.Name != "" && msg.Name != l.ifname {
		l.log.Info("interface renamed", "new_name", msg.Name)
		l.ifname = msg.Name
		l.log = l.manager.log.WithFields(map[string]any{"ifname": l.ifname, "ifindex": l.ifindex})
	}

	if len(msg.MAC) > 0 && !bytes.Equal(msg.MAC, l.mac) {
		l.log.Debug("MAC address changed", "mac", msg.MAC.String())
		l.mac = msg.MAC
		if l.dhcp != nil {
			l.dhcp.SetMAC(msg.MAC)
		}
		if l.ipv4ll != nil {
			l.ipv4ll.SetMAC(msg.MAC)
		}
	}

	if l.originalMTU == 0 && msg.MTU > 0 {
		l.originalMTU = msg.MTU
	}

	l.updateFlags(msg.Flags)
}

// updateFlags diffs the kernel flag word and reacts to carrier
// transitions.
func (l *Link) updateFlags(newFlags uint32) {
	if newFlags == l.flags {
		return
	}
	oldFlags := l.flags

	added := newFlags &^ oldFlags
	removed := oldFlags &^ newFlags

	carrierGained := (added&unix.IFF_LOWER_UP != 0 && newFlags&unix.IFF_DORMANT == 0) ||
		(removed&unix.IFF_DORMANT != 0 && newFlags&unix.IFF_LOWER_UP != 0)
	carrierLost := (oldFlags&unix.IFF_LOWER_UP != 0 && oldFlags&unix.IFF_DORMANT == 0) &&
		(removed&unix.IFF_LOWER_UP != 0 || added&unix.IFF_DORMANT != 0)

	if added&unix.IFF_UP != 0 {
		l.log.Debug("link is up")
	} else if removed&unix.IFF_UP != 0 {
		l.log.Debug("link is down")
	}

	l.flags = newFlags

	if carrierGained {
		l.log.Info("gained carrier")
		if l.network != nil && (l.network.DHCP || l.network.IPv4LL) {
			l.acquireConf()
		}
	}
	if carrierLost {
		l.log.Info("lost carrier")
		l.stopClients()
	}
}

// initialize runs once the device enumerator reports the interface
// ready: match a profile and start configuring.
func (l *Link) initialize() {
	if l.destroyed || l.network != nil {
		return
	}

	driver := ""
	if l.device != nil {
		driver = l.device.Driver()
	}
	network := l.manager.profiles.Match(l.ifname, l.mac, driver)
	if network == nil {
		l.log.Debug("no matching profile, leaving unmanaged")
		return
	}
	l.log.Info("profile matched", "profile", network.Name)
	l.network = network
	l.enterEnslaving()
}

// parents lists the virtual devices named by the profile.
func (l *Link) parents() []Parent {
	n := l.network
	var out []Parent
	if n.Bridge != "" {
		out = append(out, Parent{Kind: ParentBridge, Name: n.Bridge})
	}
	if n.Bond != "" {
		out = append(out, Parent{Kind: ParentBond, Name: n.Bond})
	}
	for _, v := range n.VLANs {
		out = append(out, Parent{Kind: ParentVLAN, Name: v.Name, VLANID: v.ID})
	}
	for _, mv := range n.MACVLANs {
		out = append(out, Parent{Kind: ParentMACVLAN, Name: mv.Name, Mode: mv.Mode})
	}
	return out
}

func (l *Link) enterEnslaving() {
	l.setState(StateEnslaving)

	parents := l.parents()
	if len(parents) == 0 {
		l.enslaved()
		return
	}
	for _, p := range parents {
		p := p
		l.enslavingPending++
		l.log.Debug("enslaving", "kind", p.Kind.String(), "parent", p.Name)
		l.manager.kernel.Enslave(l, p, func(err error) {
			l.enslaveComplete(p, err)
		})
	}
}

func (l *Link) enslaveComplete(p Parent, err error) {
	if l.destroyed {
		return
	}
	if l.enslavingPending > 0 {
		l.enslavingPending--
	}
	if l.state == StateFailed {
		return
	}
	if err != nil && !errors.Is(err, unix.EEXIST) {
		l.log.Error("could not enslave interface", "parent", p.Name, "err", err)
		l.enterFailed()
		return
	}
	if l.enslavingPending == 0 && l.state == StateEnslaving {
		l.enslaved()
	}
}

// enslaved runs when every enslave acknowledgment has landed: bring
// the interface up if needed, then start address configuration.
func (l *Link) enslaved() {
	if l.flags&unix.IFF_UP == 0 {
		l.log.Debug("bringing link up")
		l.manager.kernel.SetLinkUp(l, l.linkUpComplete)
		return
	}
	l.postUp()
}

func (l *Link) linkUpComplete(err error) {
	if l.destroyed || l.state == StateFailed {
		return
	}
	if err != nil {
		l.log.Error("could not bring up interface", "err", err)
		l.enterFailed()
		return
	}
	l.flags |= unix.IFF_UP
	l.postUp()
}

func (l *Link) postUp() {
	if l.carrierUp() && (l.network.DHCP || l.network.IPv4LL) {
		l.acquireConf()
	}
	l.enterSetAddresses()
}

// acquireConf starts the dynamic-configuration clients the profile
// asks for. Already-running clients are left alone.
func (l *Link) acquireConf() {
	n := l.network
	if n == nil {
		return
	}

	if n.IPv4LL {
		if l.ipv4ll == nil {
			client, err := l.manager.newIPv4LLClient(l)
			if err != nil {
				l.log.Error("could not create IPv4LL client", "err", err)
				l.enterFailed()
				return
			}
			l.ipv4ll = client
		}
		if !l.ipv4ll.Running() {
			l.log.Debug("starting IPv4LL acquisition")
			if err := l.ipv4ll.Start(); err != nil {
				l.log.Error("could not start IPv4LL client", "err", err)
				l.enterFailed()
				return
			}
		}
	}

	if n.DHCP {
		if l.dhcp == nil {
			client, err := l.manager.newDHCPClient(l)
			if err != nil {
				l.log.Error("could not create DHCP client", "err", err)
				l.enterFailed()
				return
			}
			l.dhcp = client
		}
		if !l.dhcp.Running() {
			l.log.Debug("starting DHCPv4 acquisition")
			if err := l.dhcp.Start(); err != nil {
				l.log.Error("could not start DHCP client", "err", err)
				l.enterFailed()
				return
			}
		}
	}
}

func (l *Link) stopClients() {
	if l.dhcp != nil && l.dhcp.Running() {
		if err := l.dhcp.Stop(); err != nil {
			l.log.Warn("could not stop DHCP client", "err", err)
		}
	}
	if l.ipv4ll != nil && l.ipv4ll.Running() {
		if err := l.ipv4ll.Stop(); err != nil {
			l.log.Warn("could not stop IPv4LL client", "err", err)
		}
	}
}

// addressSet builds the addresses this pass installs: static addresses,
// the leased address, or the link-local address while no lease is held.
func (l *Link) addressSet() []*Address {
	var out []*Address
	for _, s := range l.network.Addresses {
		a, err := ParseAddress(s)
		if err != nil {
			l.log.Warn("skipping invalid static address", "addr", s, "err", err)
			continue
		}
		out = append(out, a)
	}
	if l.lease != nil {
		out = append(out, LeaseAddress(l.lease))
	} else if l.ipv4llAddr != nil {
		out = append(out, LinkLocalAddress(l.ipv4llAddr))
	}
	return out
}

func (l *Link) enterSetAddresses() {
	l.setState(StateSettingAddresses)

	for _, a := range l.addressSet() {
		a := a
		l.addrPending++
		l.log.Debug("setting address", "addr", a.String())
		l.manager.kernel.ConfigureAddress(l, a, func(err error) {
			l.addressComplete(a, err)
		})
	}
	if l.addrPending == 0 {
		l.enterSetRoutes()
	}
}

func (l *Link) addressComplete(a *Address, err error) {
	if l.destroyed {
		return
	}
	if l.addrPending > 0 {
		l.addrPending--
	}
	if l.state == StateFailed {
		return
	}
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			l.log.Debug("address already set", "addr", a.String())
		} else {
			l.log.Warn("could not set address", "addr", a.String(), "err", err)
		}
	}
	// Advance only if this is still the pass whose counter drained.
	if l.addrPending == 0 && l.state == StateSettingAddresses {
		l.enterSetRoutes()
	}
}

// routeSet builds the routes this pass installs. The host route to a
// DHCP gateway precedes the default route through it.
func (l *Link) routeSet() []*Route {
	var out []*Route
	for _, rc := range l.network.Routes {
		r, err := ParseRoute(rc.Destination, rc.Gateway)
		if err != nil {
			l.log.Warn("skipping invalid static route", "dst", rc.Destination, "err", err)
			continue
		}
		out = append(out, r)
	}
	if l.lease == nil && l.ipv4llAddr != nil {
		out = append(out, LinkLocalDefaultRoute())
	}
	if l.lease != nil && l.lease.Router != nil {
		out = append(out, GatewayHostRoute(l.lease.Router))
		out = append(out, GatewayDefaultRoute(l.lease.Router))
	}
	return out
}

func (l *Link) enterSetRoutes() {
	l.setState(StateSettingRoutes)

	for _, r := range l.routeSet() {
		r := r
		l.routePending++
		l.log.Debug("setting route", "route", r.String())
		l.manager.kernel.ConfigureRoute(l, r, func(err error) {
			l.routeComplete(r, err)
		})
	}
	if l.routePending == 0 {
		l.enterConfigured()
	}
}

func (l *Link) routeComplete(r *Route, err error) {
	if l.destroyed {
		return
	}
	if l.routePending > 0 {
		l.routePending--
	}
	if l.state == StateFailed {
		return
	}
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			l.log.Debug("route already set", "route", r.String())
		} else {
			l.log.Error("could not set route", "route", r.String(), "err", err)
			l.enterFailed()
			return
		}
	}
	// A stale acknowledgment from a pass the machine has since
	// regressed away from must not advance the new pass.
	if l.routePending == 0 && l.state == StateSettingRoutes {
		l.enterConfigured()
	}
}

func (l *Link) enterConfigured() {
	l.log.Info("link configured")
	l.setState(StateConfigured)
}

// enterFailed is terminal for this lifetime. Sub-protocol clients keep
// running so their teardown events drain; further acks are absorbed.
func (l *Link) enterFailed() {
	l.setState(StateFailed)
}

// OnDHCPEvent handles one event from the DHCPv4 client.
func (l *Link) OnDHCPEvent(ev DHCPEvent) {
	if l.destroyed || l.network == nil {
		return
	}
	metricsRegistry().DHCPEvents.WithLabelValues(l.ifname, ev.Kind.String()).Inc()

	switch ev.Kind {
	case DHCPEventNoLease:
		l.log.Debug("DHCP: no lease obtained yet")

	case DHCPEventError:
		l.log.Warn("DHCP client error", "err", ev.Err)

	case DHCPEventExpired, DHCPEventStop, DHCPEventIPChange:
		if l.network.DHCPCritical {
			l.log.Warn("DHCP lease is critical, ignoring request to reconfigure", "event", ev.Kind.String())
			return
		}
		if l.lease != nil {
			l.leaseLost()
		}
		switch {
		case ev.Kind == DHCPEventIPChange:
			l.leaseAcquired()
		case ev.Kind == DHCPEventExpired && l.network.IPv4LL:
			l.ipv4llFallback()
		}

	case DHCPEventIPAcquire:
		l.leaseAcquired()
	}
}

// leaseAcquired stores the client's lease, applies its ancillary data,
// and regresses to address configuration.
func (l *Link) leaseAcquired() {
	if l.dhcp == nil {
		return
	}
	lease := l.dhcp.Lease()
	if lease == nil || lease.Address == nil {
		l.log.Warn("DHCP client reported a lease but holds none")
		return
	}

	l.log.Info("DHCPv4 address acquired",
		"addr", lease.Address.String(), "prefixlen", lease.PrefixLen())
	l.lease = lease
	n := l.network

	if n.DHCPDNS && len(lease.DNS) > 0 {
		l.manager.setLinkDNS(l.ifindex, lease.DNS)
	}
	if n.DHCPMTU && lease.MTU > 0 && l.originalMTU > 0 {
		mtu := lease.MTU
		l.log.Debug("applying DHCP MTU", "mtu", mtu)
		l.manager.kernel.SetLinkMTU(l, mtu, func(err error) {
			if err != nil {
				l.log.Warn("could not set MTU", "mtu", mtu, "err", err)
			}
		})
		l.mtuApplied = true
	}
	if n.DHCPHostname && lease.Hostname != "" {
		if err := l.manager.setHostname(lease.Hostname); err != nil {
			l.log.Warn("could not set transient hostname", "hostname", lease.Hostname, "err", err)
		} else {
			l.hostnameApplied = true
		}
	}

	// A bound link-local address stays installed but loses preference;
	// an unbound client is stopped outright.
	if n.IPv4LL && l.ipv4ll != nil {
		if l.ipv4llAddr != nil {
			l.log.Debug("deprecating IPv4LL address", "addr", l.ipv4llAddr.String())
			addr := LinkLocalAddress(l.ipv4llAddr).Deprecated()
			l.manager.kernel.UpdateAddress(l, addr, func(err error) {
				if err != nil {
					l.log.Warn("could not deprecate IPv4LL address", "err", err)
				}
			})
		} else if l.ipv4ll.Running() {
			if err := l.ipv4ll.Stop(); err != nil {
				l.log.Warn("could not stop IPv4LL client", "err", err)
			}
		}
	}

	l.save()
	if l.state != StateFailed {
		l.enterSetAddresses()
	}
}

// leaseLost withdraws everything the lease installed in one pass.
func (l *Link) leaseLost() {
	lease := l.lease
	l.log.Info("DHCP lease lost", "addr", lease.Address.String())

	l.manager.kernel.DropAddress(l, LeaseAddress(lease), l.dropComplete("lease address"))
	if lease.Router != nil {
		l.manager.kernel.DropRoute(l, GatewayHostRoute(lease.Router), l.dropComplete("gateway host route"))
		l.manager.kernel.DropRoute(l, GatewayDefaultRoute(lease.Router), l.dropComplete("default route"))
	}

	if l.mtuApplied && l.originalMTU > 0 {
		mtu := l.originalMTU
		l.log.Debug("restoring original MTU", "mtu", mtu)
		l.manager.kernel.SetLinkMTU(l, mtu, func(err error) {
			if err != nil {
				l.log.Warn("could not restore MTU", "mtu", mtu, "err", err)
			}
		})
		l.mtuApplied = false
	}
	if l.hostnameApplied {
		if err := l.manager.setHostname(""); err != nil {
			l.log.Warn("could not reset transient hostname", "err", err)
		}
		l.hostnameApplied = false
	}
	if l.network.DHCPDNS && len(lease.DNS) > 0 {
		l.manager.removeLinkDNS(l.ifindex)
	}

	l.lease = nil
	l.save()
}

// ipv4llFallback reinstates link-local addressing after a DHCP lease
// expired: restart the client if it stopped, or re-approve the address
// it still holds.
func (l *Link) ipv4llFallback() {
	if l.ipv4ll == nil || !l.ipv4ll.Running() {
		l.acquireConf()
		return
	}
	if l.ipv4llAddr != nil {
		l.log.Debug("re-approving IPv4LL address", "addr", l.ipv4llAddr.String())
		addr := LinkLocalAddress(l.ipv4llAddr).Approved()
		l.manager.kernel.UpdateAddress(l, addr, func(err error) {
			if err != nil {
				l.log.Warn("could not re-approve IPv4LL address", "err", err)
			}
		})
	}
}

// OnIPv4LLEvent handles one event from the IPv4LL client.
func (l *Link) OnIPv4LLEvent(ev IPv4LLEvent) {
	if l.destroyed || l.network == nil {
		return
	}

	switch ev.Kind {
	case IPv4LLEventBind:
		if l.ipv4ll == nil {
			return
		}
		addr := l.ipv4ll.Address()
		if addr == nil {
			l.log.Warn("IPv4LL client bound but holds no address")
			return
		}
		l.log.Info("IPv4 link-local address claimed", "addr", addr.String())
		l.ipv4llAddr = addr
		// While a lease is held the dynamic address stays DHCP's.
		if l.lease == nil && l.state >= StateSettingAddresses && l.state != StateFailed {
			l.enterSetAddresses()
		}

	case IPv4LLEventStop, IPv4LLEventConflict:
		if ev.Kind == IPv4LLEventConflict {
			l.log.Info("IPv4 link-local address conflict")
		}
		if l.ipv4llAddr != nil {
			l.manager.kernel.DropAddress(l, LinkLocalAddress(l.ipv4llAddr), l.dropComplete("link-local address"))
			l.manager.kernel.DropRoute(l, LinkLocalDefaultRoute(), l.dropComplete("link-local route"))
			l.ipv4llAddr = nil
		}

	case IPv4LLEventError:
		l.log.Warn("IPv4LL client error", "err", ev.Err)
	}
}

// dropComplete tolerates withdrawals of things already gone.
func (l *Link) dropComplete(what string) func(error) {
	return func(err error) {
		if err == nil {
			return
		}
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ESRCH) || errors.Is(err, unix.EADDRNOTAVAIL) {
			l.log.Debug("nothing to drop", "what", what)
			return
		}
		l.log.Warn("could not drop", "what", what, "err", err)
	}
}

func (l *Link) setState(s LinkState) {
	changed := l.state != s
	if changed {
		l.log.Debug("state change", "from", l.state.String(), "to", s.String())
	}
	l.state = s
	updateStateMetric(l.ifname, s, changed)
	l.save()
}

// save rewrites the per-link state file.
func (l *Link) save() {
	leasePath := ""
	if l.lease != nil {
		leasePath = l.leaseFilePath
	}
	if err := writeStateFile(l.stateFilePath, l.state.collapsed(), leasePath); err != nil {
		l.log.Warn("could not write state file", "path", l.stateFilePath, "err", err)
	}
}

// destroy detaches the link from its sub-protocol clients. Completions
// still in flight are absorbed.
func (l *Link) destroy() {
	l.destroyed = true
	if l.dhcp != nil {
		if l.dhcp.Running() {
			_ = l.dhcp.Stop()
		}
		l.dhcp = nil
	}
	if l.ipv4ll != nil {
		if l.ipv4ll.Running() {
			_ = l.ipv4ll.Stop()
		}
		l.ipv4ll = nil
	}
}
