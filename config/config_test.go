package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, "node.ini", `
[node]
id = alpha
port = 6001

[consensus]
commit_timeout_sec = 9

[staking]
strict_membership = true
min_stake = 250

[store]
type = memory
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "alpha", cfg.NodeID())
	assert.Equal(t, 6001, cfg.Node.Port)
	assert.Equal(t, "127.0.0.1", cfg.Node.Host, "missing keys keep defaults")
	assert.Equal(t, 9*time.Second, cfg.Consensus.CommitTimeout())
	assert.Equal(t, 30*time.Second, cfg.Consensus.ProposeTimeout())
	assert.True(t, cfg.Staking.StrictMembership)
	assert.Equal(t, uint64(250), cfg.Staking.MinStake)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, 45, cfg.Sync.MaxRequestsPerMinute)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		ini  string
	}{
		{"port", "[node]\nport = 70000\n"},
		{"store type", "[store]\ntype = sqlite\n"},
		{"threshold", "[ledger]\nconfirmation_threshold = 0\n"},
		{"tick", "[consensus]\ntick_ms = 0\n"},
		{"sync retry", "[sync]\nretry_sec = 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "node.ini", tt.ini))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.ini"))
	assert.Error(t, err)
}

func TestDefaultNodeID(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5000", cfg.NodeID())
}

func TestLoadGenesisConfig(t *testing.T) {
	path := writeFile(t, "genesis.yml", `
config:
  validators:
    - address: 8fFpS1aWzLJq6yZV6V1nq1XbGAb4vLk6n2d8tZ4r1d5k
      amount: 1000
      deposited_at: 1609459200
  peers:
    - host: 127.0.0.1
      port: 5001
    - host: 127.0.0.1
      port: 5002
`)
	g, err := LoadGenesisConfig(path)
	require.NoError(t, err)
	require.Len(t, g.Validators, 1)
	assert.Equal(t, uint64(1000), g.Validators[0].Amount)
	assert.Equal(t, int64(1609459200), g.Validators[0].DepositedAt)
	assert.Equal(t, []PeerAddress{{"127.0.0.1", 5001}, {"127.0.0.1", 5002}}, g.Peers)
}
