package netconf

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netconfd/internal/logging"
)

func testResolvConf(t *testing.T) (*ResolvConf, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resolv.conf")
	logger := logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
	return NewResolvConf(path, logger), path
}

func TestResolvConfWrite(t *testing.T) {
	r, path := testResolvConf(t)

	require.NoError(t, r.SetLinkDNS(2, []net.IP{
		net.IPv4(192, 168, 1, 1),
		net.IPv4(8, 8, 8, 8),
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"# Generated by netconfd. Do not edit.\nnameserver 192.168.1.1\nnameserver 8.8.8.8\n",
		string(data))
}

func TestResolvConfDeduplicatesAcrossLinks(t *testing.T) {
	r, path := testResolvConf(t)

	require.NoError(t, r.SetLinkDNS(3, []net.IP{net.IPv4(8, 8, 8, 8)}))
	require.NoError(t, r.SetLinkDNS(2, []net.IP{
		net.IPv4(192, 168, 1, 1),
		net.IPv4(8, 8, 8, 8),
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// Ordered by ifindex, duplicates dropped.
	assert.Equal(t,
		"# Generated by netconfd. Do not edit.\nnameserver 192.168.1.1\nnameserver 8.8.8.8\n",
		string(data))
}

func TestResolvConfRemoveLink(t *testing.T) {
	r, path := testResolvConf(t)

	require.NoError(t, r.SetLinkDNS(2, []net.IP{net.IPv4(192, 168, 1, 1)}))
	require.NoError(t, r.RemoveLink(2))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# Generated by netconfd. Do not edit.\n", string(data))

	// Removing an unknown link does not rewrite anything.
	require.NoError(t, os.Remove(path))
	require.NoError(t, r.RemoveLink(99))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestResolvConfIdempotent(t *testing.T) {
	r, path := testResolvConf(t)
	servers := []net.IP{net.IPv4(192, 168, 1, 1)}

	require.NoError(t, r.SetLinkDNS(2, servers))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, r.SetLinkDNS(2, servers))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
