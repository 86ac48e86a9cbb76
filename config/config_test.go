package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParseIP(s string) net.IP {
	ip := net.ParseIP(s)
	if ip == nil {
		panic("bad test IP literal: " + s)
	}
	return ip
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetlinkd.toml")
	tomlData := `
connect_as = "edge-1"
core_addresses = ["wss://core.example:8120"]
server_enabled = true
bind_ip = "127.0.0.1"
port = 9100
allowed_ips = ["10.0.0.0/8", "192.168.1.0/24"]
disable_container_exec = true
`
	require.NoError(t, os.WriteFile(path, []byte(tomlData), 0o600))

	cfg, err := FromFile(path)
	require.NoError(t, err)
	require.Equal(t, "edge-1", cfg.ConnectAs)
	require.Equal(t, []string{"wss://core.example:8120"}, cfg.CoreAddresses)
	require.True(t, cfg.ServerEnabled)
	require.EqualValues(t, 9100, cfg.Port)
	require.True(t, cfg.DisableContainerExec)
	require.False(t, cfg.DisableTerminals)
}

func TestResolveLiteralOrFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(path, []byte("literal-contents\n"), 0o600))

	resolved, err := resolveLiteralOrFile("file:" + path)
	require.NoError(t, err)
	require.Equal(t, "literal-contents", resolved)

	passthrough, err := resolveLiteralOrFile("base64:AAAA")
	require.NoError(t, err)
	require.Equal(t, "base64:AAAA", passthrough)
}

func TestAllowsAddressEmptyMeansAny(t *testing.T) {
	cfg := &Config{}
	ok, err := cfg.AllowsAddress(mustParseIP("203.0.113.5"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAllowsAddressCIDRFilter(t *testing.T) {
	cfg := &Config{AllowedIPs: []string{"10.0.0.0/8"}}

	ok, err := cfg.AllowsAddress(mustParseIP("10.1.2.3"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = cfg.AllowsAddress(mustParseIP("203.0.113.5"))
	require.NoError(t, err)
	require.False(t, ok)
}
