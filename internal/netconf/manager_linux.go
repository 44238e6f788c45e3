//go:build linux
// +build linux

package netconf

import (
	"context"
	"os"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// WatchLinks enumerates existing interfaces and subscribes to kernel
// link updates, feeding everything through the manager loop.
func (m *Manager) WatchLinks(ctx context.Context) error {
	updates := make(chan netlink.LinkUpdate, 64)
	done := make(chan struct{})

	if err := netlink.LinkSubscribe(updates, done); err != nil {
		return err
	}

	links, err := netlink.LinkList()
	if err != nil {
		close(done)
		return err
	}
	for _, link := range links {
		msg := linkMessageFromAttrs(link)
		m.Dispatch(func() { m.HandleLinkMessage(msg) })
	}

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				msg := linkMessageFromUpdate(u)
				m.Dispatch(func() { m.HandleLinkMessage(msg) })
			}
		}
	}()
	return nil
}

func linkMessageFromAttrs(link netlink.Link) LinkMessage {
	attrs := link.Attrs()
	return LinkMessage{
		Index: attrs.Index,
		Name:  attrs.Name,
		MAC:   attrs.HardwareAddr,
		Flags: attrs.RawFlags,
		MTU:   uint32(attrs.MTU),
	}
}

func linkMessageFromUpdate(u netlink.LinkUpdate) LinkMessage {
	msg := linkMessageFromAttrs(u.Link)
	msg.Flags = u.IfInfomsg.Flags
	if u.Header.Type == unix.RTM_DELLINK {
		msg.Gone = true
	}
	return msg
}

// InsideContainer reports whether the process runs inside a container,
// in which case devices never show up in the udev database.
func InsideContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if data, err := os.ReadFile("/run/systemd/container"); err == nil && len(data) > 0 {
		return true
	}
	data, err := os.ReadFile("/proc/1/environ")
	if err != nil {
		return false
	}
	for _, kv := range strings.Split(string(data), "\x00") {
		if strings.HasPrefix(kv, "container=") {
			return true
		}
	}
	return false
}
