package ipv4ll

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"grimm.is/netconfd/internal/logging"
	"grimm.is/netconfd/internal/netconf"
)

// Client claims and defends one IPv4 link-local address.
type Client struct {
	setup   netconf.IPv4LLSetup
	cb      func(netconf.IPv4LLEvent)
	log     *logging.Logger
	newConn connFactory

	tm timing

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	mac     net.HardwareAddr
	claimed net.IP
	wg      sync.WaitGroup
}

var _ netconf.IPv4LLClient = (*Client)(nil)

// New builds a client; nothing is transmitted until Start.
func New(setup netconf.IPv4LLSetup, cb func(netconf.IPv4LLEvent)) (*Client, error) {
	if setup.Ifname == "" {
		return nil, fmt.Errorf("ipv4ll: interface name required")
	}
	return &Client{
		setup:   setup,
		cb:      cb,
		mac:     setup.MAC,
		tm:      defaultTiming,
		newConn: openARPConn,
		log: logging.WithComponent("ipv4ll").WithFields(map[string]any{
			"ifname": setup.Ifname,
		}),
	}, nil
}

// Running reports whether the claim loop is active.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Address returns the bound link-local address, or nil.
func (c *Client) Address() net.IP {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimed
}

// SetMAC updates the hardware address the client opens its ARP socket
// with on the next Start. A claim loop that is already running keeps
// the address it started with.
func (c *Client) SetMAC(mac net.HardwareAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mac = mac
}

// Start launches the probe/announce/defend loop. Starting a running
// client is a no-op.
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
	c.emit(netconf.IPv4LLEvent{Kind: netconf.IPv4LLEventStop})

	c.mu.Lock()
	c.claimed = nil
	c.mu.Unlock()
	return nil
}

func (c *Client) emit(ev netconf.IPv4LLEvent) {
	if c.cb != nil {
		c.cb(ev)
	}
}

// run drives the RFC 3927 phases until the context is canceled.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	c.mu.Lock()
	mac := c.mac
	c.mu.Unlock()

	conn, err := c.newConn(c.setup.Ifname, mac)
	if err != nil {
		c.log.Warn("could not open ARP socket", "err", err)
		c.emit(netconf.IPv4LLEvent{Kind: netconf.IPv4LLEventError, Err: err})
		return
	}
	defer conn.Close()

	conflicts := 0
	for ctx.Err() == nil {
		candidate := pickAddress(c.setup.Seed, conflicts)
		c.log.Debug("probing for link-local address", "addr", candidate.String())

		ok, err := c.probe(ctx, conn, candidate)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("probe failed", "err", err)
			c.emit(netconf.IPv4LLEvent{Kind: netconf.IPv4LLEventError, Err: err})
			return
		}
		if !ok {
			conflicts++
			if conflicts >= maxConflicts {
				c.log.Warn("too many link-local conflicts, rate limiting")
				if !sleepCtx(ctx, c.tm.rateLimit) {
					return
				}
			}
			continue
		}

		c.mu.Lock()
		c.claimed = candidate
		c.mu.Unlock()

		if !c.announce(ctx, conn, candidate) {
			return
		}
		c.emit(netconf.IPv4LLEvent{Kind: netconf.IPv4LLEventBind})

		// Bound: watch for a defender using our address.
		if !c.defend(ctx, conn, candidate) {
			return
		}

		// Conflict after binding: give the address up and start over.
		c.mu.Lock()
		c.claimed = nil
		c.mu.Unlock()
		c.emit(netconf.IPv4LLEvent{Kind: netconf.IPv4LLEventConflict})
		conflicts++
	}
}

// probe sends the RFC 3927 probe sequence and reports whether the
// candidate is free.
func (c *Client) probe(ctx context.Context, conn arpConn, candidate net.IP) (bool, error) {
	if !sleepCtx(ctx, jitter(0, c.tm.probeWait)) {
		return false, ctx.Err()
	}
	for i := 0; i < probeNum; i++ {
		if err := conn.WriteRequest(net.IPv4zero.To4(), candidate); err != nil {
			return false, err
		}
		wait := jitter(c.tm.probeMin, c.tm.probeMax)
		taken, err := conn.ReadConflict(candidate, time.Now().Add(wait))
		if err != nil {
			return false, err
		}
		if taken {
			c.log.Debug("candidate in use", "addr", candidate.String())
			return false, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
	}
	return true, nil
}

// announce claims the address with gratuitous ARP. Returns false when
// canceled.
func (c *Client) announce(ctx context.Context, conn arpConn, ip net.IP) bool {
	for i := 0; i < announceNum; i++ {
		if err := conn.WriteAnnouncement(ip); err != nil {
			c.log.Warn("could not announce address", "err", err)
		}
		if i < announceNum-1 && !sleepCtx(ctx, c.tm.announceWait) {
			return false
		}
	}
	return true
}

// defend blocks until a conflict is observed (true) or the context is
// canceled (false).
func (c *Client) defend(ctx context.Context, conn arpConn, ip net.IP) bool {
	for ctx.Err() == nil {
		taken, err := conn.ReadConflict(ip, time.Now().Add(c.tm.probeMax))
		if err != nil {
			if !sleepCtx(ctx, 100*time.Millisecond) {
				return false
			}
			continue
		}
		if taken {
			c.log.Info("link-local address conflict detected", "addr", ip.String())
			return true
		}
	}
	return false
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

// jitter returns a random duration in [min, max).
func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
