package netconf

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// LifetimeForever marks an address lifetime that never expires.
const LifetimeForever = ^uint32(0)

// ipv4llRouteMetric is the metric of the link-scope default route
// installed alongside a link-local address. High enough that any
// routed default wins.
const ipv4llRouteMetric = 99

// Address is an immutable-after-build address specification submitted
// to the kernel driver.
type Address struct {
	IPNet     net.IPNet
	Broadcast net.IP
	Scope     uint8

	// Lifetimes in seconds. PreferredLifetime zero deprecates the
	// address while ValidLifetime keeps it installed.
	PreferredLifetime uint32
	ValidLifetime     uint32
}

// ParseAddress builds a static address spec from CIDR notation.
func ParseAddress(s string) (*Address, error) {
	ip, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", s, err)
	}
	a := &Address{
		IPNet:             net.IPNet{IP: ip, Mask: ipnet.Mask},
		Scope:             unix.RT_SCOPE_UNIVERSE,
		PreferredLifetime: LifetimeForever,
		ValidLifetime:     LifetimeForever,
	}
	if ip4 := ip.To4(); ip4 != nil {
		a.Broadcast = broadcastOf(ip4, ipnet.Mask)
	}
	return a, nil
}

// LeaseAddress builds the address spec for a DHCPv4 lease:
// addr/prefixlen with broadcast = addr | ^netmask.
func LeaseAddress(lease *Lease) *Address {
	ip := lease.Address.To4()
	return &Address{
		IPNet:             net.IPNet{IP: ip, Mask: lease.Netmask},
		Broadcast:         broadcastOf(ip, lease.Netmask),
		Scope:             unix.RT_SCOPE_UNIVERSE,
		PreferredLifetime: LifetimeForever,
		ValidLifetime:     LifetimeForever,
	}
}

// LinkLocalAddress builds the spec for an IPv4LL claimed address:
// the 169.254/16 address with link scope.
func LinkLocalAddress(ip net.IP) *Address {
	return &Address{
		IPNet:             net.IPNet{IP: ip.To4(), Mask: net.CIDRMask(16, 32)},
		Scope:             unix.RT_SCOPE_LINK,
		PreferredLifetime: LifetimeForever,
		ValidLifetime:     LifetimeForever,
	}
}

// Deprecated returns a copy of the address with preferred lifetime
// zero, keeping it installed but never preferred for new connections.
func (a *Address) Deprecated() *Address {
	c := *a
	c.PreferredLifetime = 0
	return &c
}

// Approved returns a copy of the address with an unbounded preferred
// lifetime.
func (a *Address) Approved() *Address {
	c := *a
	c.PreferredLifetime = LifetimeForever
	return &c
}

// Equal reports whether two specs name the same kernel address.
func (a *Address) Equal(b *Address) bool {
	if b == nil {
		return false
	}
	return a.IPNet.IP.Equal(b.IPNet.IP) && a.IPNet.Mask.String() == b.IPNet.Mask.String()
}

func (a *Address) String() string {
	return a.IPNet.String()
}

func broadcastOf(ip net.IP, mask net.IPMask) net.IP {
	ip4 := ip.To4()
	if ip4 == nil || len(mask) != net.IPv4len {
		return nil
	}
	bc := make(net.IP, net.IPv4len)
	for i := range bc {
		bc[i] = ip4[i] | ^mask[i]
	}
	return bc
}

// Route is an immutable-after-build route specification submitted to
// the kernel driver. A nil Dst is the default route.
type Route struct {
	Dst    *net.IPNet
	Gw     net.IP
	Scope  uint8
	Metric uint32
}

// ParseRoute builds a static route spec from destination CIDR and an
// optional gateway.
func ParseRoute(destination, gateway string) (*Route, error) {
	_, dst, err := net.ParseCIDR(destination)
	if err != nil {
		return nil, fmt.Errorf("invalid route destination %q: %w", destination, err)
	}
	r := &Route{Scope: unix.RT_SCOPE_UNIVERSE}
	if ones, _ := dst.Mask.Size(); ones > 0 || !dst.IP.IsUnspecified() {
		r.Dst = dst
	}
	if gateway != "" {
		gw := net.ParseIP(gateway)
		if gw == nil {
			return nil, fmt.Errorf("invalid route gateway %q", gateway)
		}
		r.Gw = gw
	}
	return r, nil
}

// GatewayHostRoute builds the /32 link-scope route to a DHCP gateway.
// Installed before the default route because the gateway may sit
// outside the leased subnet.
func GatewayHostRoute(gw net.IP) *Route {
	return &Route{
		Dst:   &net.IPNet{IP: gw.To4(), Mask: net.CIDRMask(32, 32)},
		Scope: unix.RT_SCOPE_LINK,
	}
}

// GatewayDefaultRoute builds the default route via a DHCP gateway.
func GatewayDefaultRoute(gw net.IP) *Route {
	return &Route{Gw: gw, Scope: unix.RT_SCOPE_UNIVERSE}
}

// LinkLocalDefaultRoute builds the low-priority link-scope default
// route used with an IPv4LL address.
func LinkLocalDefaultRoute() *Route {
	return &Route{Scope: unix.RT_SCOPE_LINK, Metric: ipv4llRouteMetric}
}

func (r *Route) String() string {
	dst := "default"
	if r.Dst != nil {
		dst = r.Dst.String()
	}
	if r.Gw != nil {
		return fmt.Sprintf("%s via %s", dst, r.Gw)
	}
	return dst
}
