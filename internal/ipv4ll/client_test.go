package ipv4ll

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netconfd/internal/netconf"
)

func TestPickAddressDeterministic(t *testing.T) {
	seed := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}

	first := pickAddress(seed, 0)
	assert.Equal(t, first, pickAddress(seed, 0), "same seed and attempt yield the same address")
	assert.NotEqual(t, first, pickAddress(seed, 1), "a conflict moves to a new candidate")

	other := pickAddress([8]byte{9, 9, 9, 9, 9, 9, 9, 9}, 0)
	assert.NotEqual(t, first, other, "different devices claim different addresses")
}

func TestPickAddressRange(t *testing.T) {
	seeds := [][8]byte{
		{0, 0, 0, 0, 0, 0, 0, 0},
		{1, 2, 3, 4, 5, 6, 7, 8},
		{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	}
	for _, seed := range seeds {
		for attempt := 0; attempt < 50; attempt++ {
			ip := pickAddress(seed, attempt)
			require.True(t, linkLocalNet.Contains(ip), "%s outside 169.254/16", ip)
			require.NotEqual(t, byte(0), ip[2], "%s in reserved first /24", ip)
			require.NotEqual(t, byte(255), ip[2], "%s in reserved last /24", ip)
		}
	}
}

// fakeARPConn scripts conflict answers per probed address.
type fakeARPConn struct {
	mu        sync.Mutex
	conflicts map[string]bool
	requests  []string
	announces []string
	closed    bool
}

func newFakeARPConn() *fakeARPConn {
	return &fakeARPConn{conflicts: make(map[string]bool)}
}

func (f *fakeARPConn) WriteRequest(sender, target net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, target.String())
	return nil
}

func (f *fakeARPConn) WriteAnnouncement(ip net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announces = append(f.announces, ip.String())
	return nil
}

func (f *fakeARPConn) ReadConflict(ip net.IP, deadline time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts[ip.String()] {
		return true, nil
	}
	// Simulate the quiet wire without burning the deadline.
	time.Sleep(time.Millisecond)
	return false, nil
}

func (f *fakeARPConn) SetMAC(mac net.HardwareAddr) {}

func (f *fakeARPConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeARPConn) setConflict(ip net.IP) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflicts[ip.String()] = true
}

func fastTestClient(t *testing.T, conn *fakeARPConn) (*Client, chan netconf.IPv4LLEvent) {
	t.Helper()
	events := make(chan netconf.IPv4LLEvent, 16)
	c, err := New(netconf.IPv4LLSetup{
		Ifindex: 2,
		Ifname:  "eth0",
		Seed:    [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
	}, func(ev netconf.IPv4LLEvent) { events <- ev })
	require.NoError(t, err)

	c.tm = timing{
		probeWait:    time.Millisecond,
		probeMin:     time.Millisecond,
		probeMax:     2 * time.Millisecond,
		announceWait: time.Millisecond,
		rateLimit:    10 * time.Millisecond,
	}
	c.newConn = func(ifname string, mac net.HardwareAddr) (arpConn, error) {
		return conn, nil
	}
	return c, events
}

func waitEvent(t *testing.T, events chan netconf.IPv4LLEvent, want netconf.IPv4LLEventKind) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestClientBindsAfterProbing(t *testing.T) {
	conn := newFakeARPConn()
	c, events := fastTestClient(t, conn)

	require.NoError(t, c.Start())
	assert.True(t, c.Running())
	waitEvent(t, events, netconf.IPv4LLEventBind)

	addr := c.Address()
	require.NotNil(t, addr)
	assert.True(t, linkLocalNet.Contains(addr))

	conn.mu.Lock()
	assert.GreaterOrEqual(t, len(conn.requests), probeNum, "full probe sequence sent")
	assert.Equal(t, announceNum, len(conn.announces), "address announced")
	conn.mu.Unlock()

	require.NoError(t, c.Stop())
	waitEvent(t, events, netconf.IPv4LLEventStop)
	assert.Nil(t, c.Address())
	assert.False(t, c.Running())
}

func TestClientMovesOnAfterProbeConflict(t *testing.T) {
	conn := newFakeARPConn()
	c, events := fastTestClient(t, conn)

	// The seeded first candidate is taken; the client must claim the
	// next one.
	first := pickAddress(c.setup.Seed, 0)
	conn.setConflict(first)

	require.NoError(t, c.Start())
	waitEvent(t, events, netconf.IPv4LLEventBind)

	addr := c.Address()
	require.NotNil(t, addr)
	assert.False(t, addr.Equal(first))

	require.NoError(t, c.Stop())
}

func TestClientReportsConflictAfterBind(t *testing.T) {
	conn := newFakeARPConn()
	c, events := fastTestClient(t, conn)

	require.NoError(t, c.Start())
	waitEvent(t, events, netconf.IPv4LLEventBind)

	bound := c.Address()
	require.NotNil(t, bound)
	conn.setConflict(bound)

	waitEvent(t, events, netconf.IPv4LLEventConflict)
	// After the conflict the client probes for a fresh candidate and
	// binds again.
	waitEvent(t, events, netconf.IPv4LLEventBind)
	assert.False(t, c.Address().Equal(bound))

	require.NoError(t, c.Stop())
}

func TestStartIsIdempotent(t *testing.T) {
	conn := newFakeARPConn()
	c, events := fastTestClient(t, conn)

	require.NoError(t, c.Start())
	require.NoError(t, c.Start())
	waitEvent(t, events, netconf.IPv4LLEventBind)
	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
}
