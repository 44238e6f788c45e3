package netconf

import (
	"github.com/stretchr/testify/mock"
)

// MockNetlinker is a mock implementation of the Netlinker interface.
type MockNetlinker struct {
	mock.Mock
}

func (m *MockNetlinker) AddrAdd(ifindex int, addr *Address) error {
	args := m.Called(ifindex, addr)
	return args.Error(0)
}

func (m *MockNetlinker) AddrReplace(ifindex int, addr *Address) error {
	args := m.Called(ifindex, addr)
	return args.Error(0)
}

func (m *MockNetlinker) AddrDel(ifindex int, addr *Address) error {
	args := m.Called(ifindex, addr)
	return args.Error(0)
}

func (m *MockNetlinker) RouteAdd(ifindex int, route *Route) error {
	args := m.Called(ifindex, route)
	return args.Error(0)
}

func (m *MockNetlinker) RouteDel(ifindex int, route *Route) error {
	args := m.Called(ifindex, route)
	return args.Error(0)
}

func (m *MockNetlinker) LinkSetUp(ifindex int) error {
	args := m.Called(ifindex)
	return args.Error(0)
}

func (m *MockNetlinker) LinkSetMTU(ifindex int, mtu uint32) error {
	args := m.Called(ifindex, mtu)
	return args.Error(0)
}

func (m *MockNetlinker) LinkSetMaster(ifindex int, masterName string) error {
	args := m.Called(ifindex, masterName)
	return args.Error(0)
}

func (m *MockNetlinker) LinkAddVLAN(parentIndex int, name string, id int) error {
	args := m.Called(parentIndex, name, id)
	return args.Error(0)
}

func (m *MockNetlinker) LinkAddMACVLAN(parentIndex int, name string, mode string) error {
	args := m.Called(parentIndex, name, mode)
	return args.Error(0)
}
