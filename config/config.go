package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/mezonai/posnode/logx"
)

// Default returns the values used for every key missing from node.ini.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Host:    "127.0.0.1",
			Port:    5000,
			KeyFile: "node.key",
		},
		Consensus: ConsensusConfig{
			ProposeTimeoutSec: 30,
			PrepareTimeoutSec: 5,
			CommitTimeoutSec:  5,
			BlockIntervalSec:  10,
			TickMs:            1000,
		},
		Sync: SyncConfig{
			IntervalSec:          60,
			InitialDelaySec:      5,
			RetrySec:             10,
			Fanout:               3,
			MaxRequestsPerMinute: 45,
			ReconnectIntervalSec: 30,
			PeerQueueSize:        256,
			DialTimeoutSec:       5,
		},
		Ledger: LedgerConfig{
			ConfirmationThreshold: 6,
			PendingLimit:          10000,
			BaseReward:            50,
			HalvingInterval:       210000,
		},
		Staking: StakingConfig{
			MinStake:   100,
			MaxAgeDays: 90,
		},
		Store: StoreConfig{
			Type:            "leveldb",
			Directory:       "./data",
			RedisAddr:       "localhost:6379",
			SaveIntervalSec: 300,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8080",
		},
		Log: LogConfig{
			Dir:        "./logs",
			MaxSizeMB:  100,
			MaxAgeDays: 7,
		},
	}
}

// Load reads node.ini on top of the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	file, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	sections := []struct {
		name string
		dst  interface{}
	}{
		{"node", &cfg.Node},
		{"consensus", &cfg.Consensus},
		{"sync", &cfg.Sync},
		{"ledger", &cfg.Ledger},
		{"staking", &cfg.Staking},
		{"store", &cfg.Store},
		{"api", &cfg.API},
		{"log", &cfg.Log},
	}
	for _, s := range sections {
		if err := file.Section(s.name).MapTo(s.dst); err != nil {
			return nil, errors.Wrapf(err, "section [%s]", s.name)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Node.Port <= 0 || c.Node.Port > 65535 {
		return fmt.Errorf("node.port %d out of range", c.Node.Port)
	}
	if c.Ledger.ConfirmationThreshold <= 0 {
		return fmt.Errorf("ledger.confirmation_threshold must be positive")
	}
	if c.Consensus.TickMs <= 0 {
		return fmt.Errorf("consensus.tick_ms must be positive")
	}
	if c.Sync.IntervalSec <= 0 || c.Sync.RetrySec <= 0 || c.Sync.ReconnectIntervalSec <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	if c.Store.SaveIntervalSec <= 0 {
		return fmt.Errorf("store.save_interval_sec must be positive")
	}
	switch c.Store.Type {
	case "leveldb", "redis", "memory":
	default:
		return fmt.Errorf("store.type %q is not one of leveldb, redis, memory", c.Store.Type)
	}
	return nil
}

// NodeID falls back to host:port when no id is configured.
func (c *Config) NodeID() string {
	if c.Node.ID != "" {
		return c.Node.ID
	}
	return fmt.Sprintf("%s:%d", c.Node.Host, c.Node.Port)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c ConsensusConfig) ProposeTimeout() time.Duration { return seconds(c.ProposeTimeoutSec) }
func (c ConsensusConfig) PrepareTimeout() time.Duration { return seconds(c.PrepareTimeoutSec) }
func (c ConsensusConfig) CommitTimeout() time.Duration  { return seconds(c.CommitTimeoutSec) }
func (c ConsensusConfig) BlockInterval() time.Duration  { return seconds(c.BlockIntervalSec) }
func (c ConsensusConfig) Tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

func (c SyncConfig) Interval() time.Duration          { return seconds(c.IntervalSec) }
func (c SyncConfig) InitialDelay() time.Duration      { return seconds(c.InitialDelaySec) }
func (c SyncConfig) Retry() time.Duration             { return seconds(c.RetrySec) }
func (c SyncConfig) ReconnectInterval() time.Duration { return seconds(c.ReconnectIntervalSec) }
func (c SyncConfig) DialTimeout() time.Duration       { return seconds(c.DialTimeoutSec) }

func (c StoreConfig) SaveInterval() time.Duration { return seconds(c.SaveIntervalSec) }

// LoadGenesisConfig reads and parses the genesis.yml file
func LoadGenesisConfig(path string) (*GenesisConfig, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open genesis")
	}
	defer file.Close()

	var cfgFile ConfigFile
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfgFile); err != nil {
		return nil, errors.Wrap(err, "decode genesis")
	}
	logx.Info("CONFIG", fmt.Sprintf("Loaded genesis %s: validators=%d peers=%d", path, len(cfgFile.Config.Validators), len(cfgFile.Config.Peers)))
	return &cfgFile.Config, nil
}
