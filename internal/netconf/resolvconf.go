package netconf

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/google/renameio/v2"

	"grimm.is/netconfd/internal/logging"
)

const resolvConfHeader = "# Generated by netconfd. Do not edit.\n"

// ResolvConf composes /etc/resolv.conf from the DNS servers all
// managed links learned. Updates are serialized; the file write is
// atomic and idempotent.
type ResolvConf struct {
	path string
	log  *logging.Logger

	mu      sync.Mutex
	servers map[int][]net.IP
}

// NewResolvConf builds an updater writing to path.
func NewResolvConf(path string, log *logging.Logger) *ResolvConf {
	if log == nil {
		log = logging.Default()
	}
	return &ResolvConf{
		path:    path,
		log:     log.WithComponent("resolv"),
		servers: make(map[int][]net.IP),
	}
}

// SetLinkDNS records the servers a link learned and rewrites the file.
func (r *ResolvConf) SetLinkDNS(ifindex int, servers []net.IP) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[ifindex] = servers
	return r.write()
}

// RemoveLink forgets a link's servers and rewrites the file.
func (r *ResolvConf) RemoveLink(ifindex int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[ifindex]; !ok {
		return nil
	}
	delete(r.servers, ifindex)
	return r.write()
}

func (r *ResolvConf) write() error {
	indexes := make([]int, 0, len(r.servers))
	for idx := range r.servers {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	seen := make(map[string]bool)
	var ordered []net.IP
	for _, idx := range indexes {
		for _, ip := range r.servers[idx] {
			key := ip.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			ordered = append(ordered, ip)
		}
	}

	pf, err := renameio.NewPendingFile(r.path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("could not create temp resolv.conf: %w", err)
	}
	defer pf.Cleanup()

	if _, err := fmt.Fprint(pf, resolvConfHeader); err != nil {
		return err
	}
	for _, ip := range ordered {
		if _, err := fmt.Fprintf(pf, "nameserver %s\n", ip.String()); err != nil {
			return err
		}
	}

	if err := pf.CloseAtomicallyReplace(); err != nil {
		return err
	}
	r.log.Debug("updated resolv.conf", "path", r.path, "servers", len(ordered))
	return nil
}
