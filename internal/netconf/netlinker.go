package netconf

// ParentKind enumerates the virtual devices an interface can be
// attached to.
type ParentKind int

const (
	ParentBridge ParentKind = iota
	ParentBond
	ParentVLAN
	ParentMACVLAN
)

func (k ParentKind) String() string {
	switch k {
	case ParentBridge:
		return "bridge"
	case ParentBond:
		return "bond"
	case ParentVLAN:
		return "vlan"
	case ParentMACVLAN:
		return "macvlan"
	}
	return "unknown"
}

// Parent names one virtual device the interface is enslaved to or
// stacked under.
type Parent struct {
	Kind ParentKind
	Name string

	// VLAN only.
	VLANID int

	// MACVLAN only.
	Mode string
}

// Netlinker abstracts the synchronous kernel calls the driver adapter
// issues. The real implementation wraps vishvananda/netlink; tests use
// MockNetlinker.
type Netlinker interface {
	AddrAdd(ifindex int, addr *Address) error
	AddrReplace(ifindex int, addr *Address) error
	AddrDel(ifindex int, addr *Address) error

	RouteAdd(ifindex int, route *Route) error
	RouteDel(ifindex int, route *Route) error

	LinkSetUp(ifindex int) error
	LinkSetMTU(ifindex int, mtu uint32) error
	LinkSetMaster(ifindex int, masterName string) error
	LinkAddVLAN(parentIndex int, name string, id int) error
	LinkAddMACVLAN(parentIndex int, name string, mode string) error
}
