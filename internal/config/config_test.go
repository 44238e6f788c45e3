package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProfile = `
network "uplink" {
  match {
    name = "eth*"
  }

  address = ["10.0.0.5/24"]

  route {
    destination = "0.0.0.0/0"
    gateway     = "10.0.0.1"
  }

  dhcp          = true
  ipv4ll        = true
  dhcp_mtu      = true
  dhcp_critical = false

  bridge = "br0"

  vlan "eth0.100" {
    id = 100
  }
}

network "fallback" {
  ipv4ll = true
}
`

func TestLoadBytes(t *testing.T) {
	nets, err := LoadBytes("uplink.hcl", []byte(sampleProfile))
	require.NoError(t, err)
	require.Len(t, nets, 2)

	n := nets[0]
	assert.Equal(t, "uplink", n.Name)
	assert.Equal(t, []string{"10.0.0.5/24"}, n.Addresses)
	require.Len(t, n.Routes, 1)
	assert.Equal(t, "0.0.0.0/0", n.Routes[0].Destination)
	assert.Equal(t, "10.0.0.1", n.Routes[0].Gateway)
	assert.True(t, n.DHCP)
	assert.True(t, n.IPv4LL)
	assert.True(t, n.DHCPMTU)
	assert.False(t, n.DHCPCritical)
	assert.Equal(t, "br0", n.Bridge)
	require.Len(t, n.VLANs, 1)
	assert.Equal(t, "eth0.100", n.VLANs[0].Name)
	assert.Equal(t, 100, n.VLANs[0].ID)
	assert.True(t, n.HasVirtualParents())

	assert.False(t, nets[1].HasVirtualParents())
}

func TestLoadBytesRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"bad address", `network "x" { address = ["999.0.0.1/24"] }`},
		{"bad route dst", `network "x" { route { destination = "nope" } }`},
		{"bad gateway", `network "x" { route { destination = "0.0.0.0/0" gateway = "nope" } }`},
		{"vlan id range", `network "x" { vlan "v" { id = 5000 } }`},
		{"bad match mac", `network "x" { match { mac = "zz:zz" } }`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadBytes("bad.hcl", []byte(tc.src))
			assert.Error(t, err)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-uplink.network"), []byte(sampleProfile), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.conf"), []byte("junk"), 0o644))

	set, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Len(t, set.Networks, 2)
}

func TestLoadDirMissing(t *testing.T) {
	set, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, set.Networks)
}

func TestProfileMatching(t *testing.T) {
	mac, err := net.ParseMAC("02:00:00:00:00:01")
	require.NoError(t, err)

	set := &ProfileSet{Networks: []*Network{
		{Name: "by-mac", Match: &Match{MAC: "02:00:00:00:00:01"}},
		{Name: "by-glob", Match: &Match{Name: "eth*"}},
		{Name: "by-driver", Match: &Match{Driver: "e1000e"}},
	}}

	// First match wins.
	got := set.Match("eth0", mac, "")
	require.NotNil(t, got)
	assert.Equal(t, "by-mac", got.Name)

	got = set.Match("eth1", nil, "")
	require.NotNil(t, got)
	assert.Equal(t, "by-glob", got.Name)

	got = set.Match("enp3s0", nil, "e1000e")
	require.NotNil(t, got)
	assert.Equal(t, "by-driver", got.Name)

	assert.Nil(t, set.Match("wlan0", nil, "iwlwifi"))
}

func TestMatchIsCaseInsensitiveForMAC(t *testing.T) {
	mac, err := net.ParseMAC("AA:BB:CC:00:11:22")
	require.NoError(t, err)

	n := &Network{Name: "m", Match: &Match{MAC: "aa:bb:cc:00:11:22"}}
	set := &ProfileSet{Networks: []*Network{n}}
	assert.NotNil(t, set.Match("eth0", mac, ""))
}

func TestNilMatchBlockMatchesEverything(t *testing.T) {
	set := &ProfileSet{Networks: []*Network{{Name: "any"}}}
	assert.NotNil(t, set.Match("whatever9", nil, ""))
}
