package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromFileAppliesDefaultsForUnsetFields(t *testing.T) {
	tomlConfigStr := `
data_dir = "/var/lib/mixclient"

[gateway]
gateway_id = "aGF0Y2hlZC1nYXRld2F5"
gateway_listener_url = "wss://gateway.example.net:9000"
gateway_owner = "n1gatewayowner"

[debug.topology]
refresh_rate = "30s"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlConfigStr), 0600))

	cfg, err := FromFile(path)
	require.NoError(t, err)
	require.Equal(t, "wss://gateway.example.net:9000", cfg.Gateway.GatewayListener)
	require.Equal(t, 30*time.Second, cfg.Debug.Topology.RefreshRate)
	// Untouched fields keep the package default.
	require.Equal(t, "directory", cfg.Debug.Topology.Structure.Variant)
	require.Greater(t, cfg.Debug.Retransmission.MaxRetransmissions, 0)
}

func TestSaveRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Gateway.GatewayID = "abc"

	dir := t.TempDir()
	path := filepath.Join(dir, "out.toml")
	require.NoError(t, cfg.Save(path))

	loaded, err := FromFile(path)
	require.NoError(t, err)
	require.Equal(t, "abc", loaded.Gateway.GatewayID)
}
