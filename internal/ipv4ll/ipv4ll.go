// Package ipv4ll implements IPv4 link-local address autoconfiguration
// (RFC 3927) for one interface.
//
// The claimed address is chosen with a PRNG seeded per device, so the
// same interface claims the same address across restarts. The client
// probes for its candidate with ARP, announces it, and keeps watching
// for conflicts after binding.
package ipv4ll

import (
	"encoding/binary"
	"math/rand"
	"net"
	"time"
)

// RFC 3927 constants.
const (
	probeWait    = 1 * time.Second
	probeNum     = 3
	probeMin     = 1 * time.Second
	probeMax     = 2 * time.Second
	announceWait = 2 * time.Second
	announceNum  = 2
	maxConflicts = 10
	rateLimit    = 60 * time.Second
)

var (
	linkLocalNet = net.IPNet{
		IP:   net.IPv4(169, 254, 0, 0).To4(),
		Mask: net.CIDRMask(16, 32),
	}
	broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

// pickAddress returns the attempt-th candidate for the given seed,
// inside 169.254.1.0 – 169.254.254.255 (the first and last /24 are
// reserved).
func pickAddress(seed [8]byte, attempt int) net.IP {
	src := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(seed[:]))))
	var host uint32
	for i := 0; i <= attempt; i++ {
		// 0x0100 .. 0xFEFF
		host = uint32(src.Intn(0xFE00)) + 0x0100
	}
	ip := make(net.IP, net.IPv4len)
	ip[0] = 169
	ip[1] = 254
	ip[2] = byte(host >> 8)
	ip[3] = byte(host)
	return ip
}

// arpConn abstracts the ARP socket so tests can substitute a pipe.
type arpConn interface {
	WriteRequest(sender net.IP, target net.IP) error
	WriteAnnouncement(ip net.IP) error
	// ReadConflict blocks up to the deadline and reports whether a
	// frame claiming ip was seen from another station.
	ReadConflict(ip net.IP, deadline time.Time) (bool, error)
	SetMAC(mac net.HardwareAddr)
	Close() error
}

// connFactory opens the ARP socket for an interface.
type connFactory func(ifname string, mac net.HardwareAddr) (arpConn, error)

// timing groups the protocol delays so tests can shrink them.
type timing struct {
	probeWait    time.Duration
	probeMin     time.Duration
	probeMax     time.Duration
	announceWait time.Duration
	rateLimit    time.Duration
}

var defaultTiming = timing{
	probeWait:    probeWait,
	probeMin:     probeMin,
	probeMax:     probeMax,
	announceWait: announceWait,
	rateLimit:    rateLimit,
}
