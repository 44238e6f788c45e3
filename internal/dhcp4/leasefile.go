//go:build linux
// +build linux

package dhcp4

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"
)

// SavedLease is the serialized form of a held lease.
type SavedLease struct {
	ACKPacket  []byte    `json:"ack_packet"`
	ObtainedAt time.Time `json:"obtained_at"`
}

// saveLeaseBlob atomically writes the lease blob the state file points
// at.
func saveLeaseBlob(path string, nl *nclient4.Lease, obtained time.Time) error {
	if path == "" || nl == nil || nl.ACK == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("could not create lease dir: %w", err)
	}

	data, err := json.Marshal(SavedLease{
		ACKPacket:  nl.ACK.ToBytes(),
		ObtainedAt: obtained,
	})
	if err != nil {
		return fmt.Errorf("could not marshal lease: %w", err)
	}

	return renameio.WriteFile(path, data, 0o644)
}

// LoadLeaseBlob reads a previously saved lease, returning nil without
// error when none exists.
func LoadLeaseBlob(path string) (*dhcpv4.DHCPv4, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, err
	}

	var sl SavedLease
	if err := json.Unmarshal(data, &sl); err != nil {
		return nil, time.Time{}, fmt.Errorf("could not decode lease blob: %w", err)
	}
	ack, err := dhcpv4.FromBytes(sl.ACKPacket)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("could not parse saved ACK: %w", err)
	}
	return ack, sl.ObtainedAt, nil
}
