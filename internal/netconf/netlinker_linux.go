//go:build linux
// +build linux

package netconf

import (
	"fmt"
	"strings"

	"github.com/vishvananda/netlink"
)

// RealNetlinker issues the actual rtnetlink calls.
type RealNetlinker struct{}

var _ Netlinker = (*RealNetlinker)(nil)

func (RealNetlinker) addrOf(a *Address) *netlink.Addr {
	ipnet := a.IPNet
	return &netlink.Addr{
		IPNet:       &ipnet,
		Broadcast:   a.Broadcast,
		Scope:       int(a.Scope),
		PreferedLft: int(a.PreferredLifetime),
		ValidLft:    int(a.ValidLifetime),
	}
}

func (RealNetlinker) routeOf(ifindex int, r *Route) *netlink.Route {
	return &netlink.Route{
		LinkIndex: ifindex,
		Dst:       r.Dst,
		Gw:        r.Gw,
		Scope:     netlink.Scope(r.Scope),
		Priority:  int(r.Metric),
	}
}

func (n RealNetlinker) AddrAdd(ifindex int, addr *Address) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return err
	}
	return netlink.AddrAdd(link, n.addrOf(addr))
}

func (n RealNetlinker) AddrReplace(ifindex int, addr *Address) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return err
	}
	return netlink.AddrReplace(link, n.addrOf(addr))
}

func (n RealNetlinker) AddrDel(ifindex int, addr *Address) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return err
	}
	return netlink.AddrDel(link, n.addrOf(addr))
}

func (n RealNetlinker) RouteAdd(ifindex int, route *Route) error {
	return netlink.RouteAdd(n.routeOf(ifindex, route))
}

func (n RealNetlinker) RouteDel(ifindex int, route *Route) error {
	return netlink.RouteDel(n.routeOf(ifindex, route))
}

func (RealNetlinker) LinkSetUp(ifindex int) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}

func (RealNetlinker) LinkSetMTU(ifindex int, mtu uint32) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return err
	}
	return netlink.LinkSetMTU(link, int(mtu))
}

func (RealNetlinker) LinkSetMaster(ifindex int, masterName string) error {
	slave, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return err
	}
	master, err := netlink.LinkByName(masterName)
	if err != nil {
		return fmt.Errorf("master %s not found: %w", masterName, err)
	}
	return netlink.LinkSetMaster(slave, master)
}

func (RealNetlinker) LinkAddVLAN(parentIndex int, name string, id int) error {
	vlan := &netlink.Vlan{
		LinkAttrs: netlink.LinkAttrs{
			Name:        name,
			ParentIndex: parentIndex,
		},
		VlanId: id,
	}
	return netlink.LinkAdd(vlan)
}

func (RealNetlinker) LinkAddMACVLAN(parentIndex int, name string, mode string) error {
	mv := &netlink.Macvlan{
		LinkAttrs: netlink.LinkAttrs{
			Name:        name,
			ParentIndex: parentIndex,
		},
	}
	switch strings.ToLower(mode) {
	case "", "bridge":
		mv.Mode = netlink.MACVLAN_MODE_BRIDGE
	case "vepa":
		mv.Mode = netlink.MACVLAN_MODE_VEPA
	case "private":
		mv.Mode = netlink.MACVLAN_MODE_PRIVATE
	case "passthru":
		mv.Mode = netlink.MACVLAN_MODE_PASSTHRU
	default:
		return fmt.Errorf("unsupported macvlan mode: %s", mode)
	}
	return netlink.LinkAdd(mv)
}
