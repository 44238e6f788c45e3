//go:build linux
// +build linux

package ipv4ll

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"
)

// packetARPConn sends and receives ARP frames over an AF_PACKET
// socket bound to the ARP ethertype.
type packetARPConn struct {
	conn *packet.Conn
	ifi  *net.Interface

	mu  sync.RWMutex
	mac net.HardwareAddr
}

var _ arpConn = (*packetARPConn)(nil)

func openARPConn(ifname string, mac net.HardwareAddr) (arpConn, error) {
	ifi, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("interface %s not found: %w", ifname, err)
	}
	conn, err := packet.Listen(ifi, packet.Raw, unix.ETH_P_ARP, nil)
	if err != nil {
		return nil, fmt.Errorf("could not open ARP socket on %s: %w", ifname, err)
	}
	if mac == nil {
		mac = ifi.HardwareAddr
	}
	return &packetARPConn{conn: conn, ifi: ifi, mac: mac}, nil
}

func (c *packetARPConn) SetMAC(mac net.HardwareAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mac = mac
}

func (c *packetARPConn) hwaddr() net.HardwareAddr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mac
}

func (c *packetARPConn) Close() error {
	return c.conn.Close()
}

// WriteRequest broadcasts an ARP request from sender for target. A
// probe uses the zero sender address.
func (c *packetARPConn) WriteRequest(sender, target net.IP) error {
	return c.write(sender, target)
}

// WriteAnnouncement broadcasts a gratuitous ARP claiming ip.
func (c *packetARPConn) WriteAnnouncement(ip net.IP) error {
	return c.write(ip, ip)
}

func (c *packetARPConn) write(sender, target net.IP) error {
	src := c.hwaddr()

	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       broadcastMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   src,
		SourceProtAddress: sender.To4(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    target.To4(),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, arp); err != nil {
		return fmt.Errorf("could not serialize ARP frame: %w", err)
	}

	_, err := c.conn.WriteTo(buf.Bytes(), &packet.Addr{HardwareAddr: broadcastMAC})
	return err
}

// ReadConflict watches for frames from other stations claiming or
// probing for ip until the deadline passes.
func (c *packetARPConn) ReadConflict(ip net.IP, deadline time.Time) (bool, error) {
	buf := make([]byte, c.ifi.MTU+14)
	for {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return false, err
		}
		n, _, err := c.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				return false, nil
			}
			return false, err
		}

		pkt := gopacket.NewPacket(buf[:n], layers.LayerTypeEthernet, gopacket.NoCopy)
		arpLayer := pkt.Layer(layers.LayerTypeARP)
		if arpLayer == nil {
			continue
		}
		arp := arpLayer.(*layers.ARP)

		if bytes.Equal(arp.SourceHwAddress, c.hwaddr()) {
			continue
		}
		// Another station using the address, or probing for it.
		if net.IP(arp.SourceProtAddress).Equal(ip) {
			return true, nil
		}
		if net.IP(arp.SourceProtAddress).Equal(net.IPv4zero.To4()) &&
			net.IP(arp.DstProtAddress).Equal(ip) {
			return true, nil
		}
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return os.IsTimeout(err)
}
