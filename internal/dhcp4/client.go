//go:build linux
// +build linux

// Package dhcp4 runs one DHCPv4 client per managed interface and
// reports lease lifecycle events to the link state machine.
package dhcp4

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"

	"grimm.is/netconfd/internal/clock"
	"grimm.is/netconfd/internal/logging"
	"grimm.is/netconfd/internal/netconf"
)

const (
	initialRetryDelay = 2 * time.Second
	maxRetryDelay     = 64 * time.Second
	renewRetryDelay   = 10 * time.Second
)

// Client is the DHCPv4 client handle for one interface.
type Client struct {
	setup netconf.DHCPSetup
	cb    func(netconf.DHCPEvent)
	log   *logging.Logger
	clk   clock.Clock

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	mac     net.HardwareAddr
	lease   *netconf.Lease
	wg      sync.WaitGroup
}

var _ netconf.DHCP4Client = (*Client)(nil)

// New builds a client; it does not transmit until Start.
func New(setup netconf.DHCPSetup, cb func(netconf.DHCPEvent)) (*Client, error) {
	if setup.Ifname == "" {
		return nil, fmt.Errorf("dhcp4: interface name required")
	}
	return &Client{
		setup: setup,
		cb:    cb,
		mac:   setup.MAC,
		clk:   &clock.RealClock{},
		log: logging.WithComponent("dhcp4").WithFields(map[string]any{
			"ifname": setup.Ifname,
		}),
	}, nil
}

// Running reports whether the acquisition loop is active.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// SetMAC updates the hardware address used for the next exchange.
func (c *Client) SetMAC(mac net.HardwareAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mac = mac
}

// Lease returns the currently held lease, or nil.
func (c *Client) Lease() *netconf.Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lease
}

// Start launches the acquire/renew loop. Starting a running client is
// a no-op.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop halts the loop and reports the stop to the state machine.
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	c.emit(netconf.DHCPEvent{Kind: netconf.DHCPEventStop})

	c.mu.Lock()
	c.lease = nil
	c.mu.Unlock()
	return nil
}

func (c *Client) emit(ev netconf.DHCPEvent) {
	if c.cb != nil {
		c.cb(ev)
	}
}

func (c *Client) newConn() (*nclient4.Client, error) {
	c.mu.Lock()
	mac := c.mac
	c.mu.Unlock()

	var opts []nclient4.ClientOpt
	if mac != nil {
		opts = append(opts, nclient4.WithHWAddr(mac))
	}
	return nclient4.New(c.setup.Ifname, opts...)
}

func (c *Client) requestModifiers() []dhcpv4.Modifier {
	var mods []dhcpv4.Modifier
	if c.setup.RequestMTU {
		mods = append(mods, dhcpv4.WithRequestedOptions(dhcpv4.OptionInterfaceMTU))
	}
	return mods
}

// run is the acquisition loop: discover with backoff, then renew at T1
// until the lease expires or the client stops.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	retry := initialRetryDelay
	for ctx.Err() == nil {
		conn, err := c.newConn()
		if err != nil {
			c.log.Warn("could not open DHCP socket", "err", err)
			c.emit(netconf.DHCPEvent{Kind: netconf.DHCPEventError, Err: err})
			if !sleepCtx(ctx, retry) {
				return
			}
			retry = backoff(retry)
			continue
		}

		nl, err := conn.Request(ctx, c.requestModifiers()...)
		if err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return
			}
			c.log.Debug("DHCP discovery got no lease", "err", err)
			c.emit(netconf.DHCPEvent{Kind: netconf.DHCPEventNoLease})
			if !sleepCtx(ctx, retry) {
				return
			}
			retry = backoff(retry)
			continue
		}
		retry = initialRetryDelay

		c.holdLease(ctx, conn, nl)
		conn.Close()
	}
}

// holdLease installs the fresh lease and keeps renewing it until loss.
func (c *Client) holdLease(ctx context.Context, conn *nclient4.Client, nl *nclient4.Lease) {
	lease := leaseFromACK(nl.ACK)
	if lease == nil {
		c.log.Warn("discarding unusable DHCP ACK")
		return
	}

	c.mu.Lock()
	prev := c.lease
	c.lease = lease
	c.mu.Unlock()

	if err := saveLeaseBlob(c.setup.LeasePath, nl, c.clk.Now()); err != nil {
		c.log.Warn("could not persist lease", "err", err)
	}

	if prev == nil {
		c.emit(netconf.DHCPEvent{Kind: netconf.DHCPEventIPAcquire})
	} else if !prev.Address.Equal(lease.Address) {
		c.emit(netconf.DHCPEvent{Kind: netconf.DHCPEventIPChange})
	}

	obtained := c.clk.Now()
	for {
		t1 := renewalTime(nl.ACK)
		wait := t1 - c.clk.Since(obtained)
		if wait <= 0 {
			wait = time.Second
		}
		if !sleepCtx(ctx, wait) {
			return
		}

		expiry := obtained.Add(nl.ACK.IPAddressLeaseTime(2 * t1))
		renewed, err := c.renewUntil(ctx, conn, nl, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Info("DHCP lease expired")
			c.mu.Lock()
			c.lease = nil
			c.mu.Unlock()
			c.emit(netconf.DHCPEvent{Kind: netconf.DHCPEventExpired})
			return
		}

		nl = renewed
		obtained = c.clk.Now()
		lease = leaseFromACK(nl.ACK)
		if lease == nil {
			continue
		}
		c.mu.Lock()
		prev := c.lease
		c.lease = lease
		c.mu.Unlock()
		if err := saveLeaseBlob(c.setup.LeasePath, nl, obtained); err != nil {
			c.log.Warn("could not persist lease", "err", err)
		}
		if prev != nil && !prev.Address.Equal(lease.Address) {
			c.emit(netconf.DHCPEvent{Kind: netconf.DHCPEventIPChange})
		}
	}
}

// renewUntil retries renewal until it succeeds or the lease expires.
func (c *Client) renewUntil(ctx context.Context, conn *nclient4.Client, nl *nclient4.Lease, expiry time.Time) (*nclient4.Lease, error) {
	for {
		renewed, err := conn.Renew(ctx, nl)
		if err == nil {
			return renewed, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Debug("DHCP renewal failed, retrying", "err", err)
		if c.clk.Now().Add(renewRetryDelay).After(expiry) {
			return nil, fmt.Errorf("lease expired during renewal: %w", err)
		}
		if !sleepCtx(ctx, renewRetryDelay) {
			return nil, ctx.Err()
		}
	}
}

// renewalTime returns T1, defaulting to half the lease time.
func renewalTime(ack *dhcpv4.DHCPv4) time.Duration {
	t1 := ack.IPAddressRenewalTime(0)
	if t1 > 0 {
		return t1
	}
	leaseTime := ack.IPAddressLeaseTime(0)
	if leaseTime > 0 {
		return leaseTime / 2
	}
	return time.Hour
}

// leaseFromACK extracts the binding the state machine consumes.
func leaseFromACK(ack *dhcpv4.DHCPv4) *netconf.Lease {
	if ack == nil || ack.YourIPAddr == nil || ack.YourIPAddr.IsUnspecified() {
		return nil
	}
	mask := ack.SubnetMask()
	if mask == nil {
		mask = ack.YourIPAddr.DefaultMask()
	}
	lease := &netconf.Lease{
		Address:  ack.YourIPAddr.To4(),
		Netmask:  mask,
		Hostname: ack.HostName(),
		DNS:      ack.DNS(),
	}
	if routers := ack.Router(); len(routers) > 0 {
		lease.Router = routers[0].To4()
	}
	if v := ack.Options.Get(dhcpv4.OptionInterfaceMTU); len(v) == 2 {
		if mtu := binary.BigEndian.Uint16(v); mtu > 0 {
			lease.MTU = uint32(mtu)
		}
	}
	return lease
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func backoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}
