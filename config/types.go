package config

// PeerAddress is a seed peer from genesis.yml.
type PeerAddress struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// GenesisValidator is a stake record every node starts with.
type GenesisValidator struct {
	Address     string `yaml:"address"`
	Amount      uint64 `yaml:"amount"`
	DepositedAt int64  `yaml:"deposited_at"`
}

// GenesisConfig holds the configuration from genesis.yml
type GenesisConfig struct {
	Validators []GenesisValidator `yaml:"validators"`
	Peers      []PeerAddress      `yaml:"peers"`
}

// ConfigFile is the top-level structure for genesis.yml
type ConfigFile struct {
	Config GenesisConfig `yaml:"config"`
}

type NodeConfig struct {
	ID          string `ini:"id"`
	Host        string `ini:"host"`
	Port        int    `ini:"port"`
	KeyFile     string `ini:"key_file"`
	GenesisFile string `ini:"genesis_file"`
}

type ConsensusConfig struct {
	ProposeTimeoutSec int `ini:"propose_timeout_sec"`
	PrepareTimeoutSec int `ini:"prepare_timeout_sec"`
	CommitTimeoutSec  int `ini:"commit_timeout_sec"`
	BlockIntervalSec  int `ini:"block_interval_sec"`
	TickMs            int `ini:"tick_ms"`
}

type SyncConfig struct {
	IntervalSec          int `ini:"interval_sec"`
	InitialDelaySec      int `ini:"initial_delay_sec"`
	RetrySec             int `ini:"retry_sec"`
	Fanout               int `ini:"fanout"`
	MaxRequestsPerMinute int `ini:"max_requests_per_minute"`
	ReconnectIntervalSec int `ini:"reconnect_interval_sec"`
	PeerQueueSize        int `ini:"peer_queue_size"`
	DialTimeoutSec       int `ini:"dial_timeout_sec"`
}

type LedgerConfig struct {
	ConfirmationThreshold int    `ini:"confirmation_threshold"`
	PendingLimit          int    `ini:"pending_limit"`
	BaseReward            uint64 `ini:"base_reward"`
	HalvingInterval       uint64 `ini:"halving_interval"`
}

type StakingConfig struct {
	MinStake         uint64 `ini:"min_stake"`
	StrictMembership bool   `ini:"strict_membership"`
	MaxAgeDays       uint64 `ini:"max_age_days"`
}

type StoreConfig struct {
	Type            string `ini:"type"`
	Directory       string `ini:"directory"`
	RedisAddr       string `ini:"redis_addr"`
	RedisPassword   string `ini:"redis_password"`
	RedisDB         int    `ini:"redis_db"`
	CacheMB         int    `ini:"cache_mb"`
	SyncWrites      bool   `ini:"sync_writes"`
	SaveIntervalSec int    `ini:"save_interval_sec"`
}

type APIConfig struct {
	Listen string `ini:"listen"`
}

type LogConfig struct {
	Dir        string `ini:"dir"`
	File       string `ini:"file"`
	MaxSizeMB  int    `ini:"max_size_mb"`
	MaxAgeDays int    `ini:"max_age_days"`
	Stdout     bool   `ini:"stdout"`
	Debug      bool   `ini:"debug"`
}

// Config is the whole node.ini file.
type Config struct {
	Node      NodeConfig
	Consensus ConsensusConfig
	Sync      SyncConfig
	Ledger    LedgerConfig
	Staking   StakingConfig
	Store     StoreConfig
	API       APIConfig
	Log       LogConfig
}
