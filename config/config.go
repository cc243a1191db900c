package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	tmcfg "github.com/tendermint/tendermint/config"
)

// Node operating modes. Observer runs scheduling and replay but never emits
// votes; repair-only additionally stops advertising the tx/replay service.
const (
	ModeFull     = "full"
	ModeObserver = "observer"
	ModeRepair   = "repair"
)

const (
	defaultConfigDir = "config"
	defaultDataDir   = "data"

	defaultGenesisJSONName  = "genesis.json"
	defaultPrivValKeyName   = "priv_validator_key.json"
	defaultPrivValStateName = "priv_validator_state.json"
	defaultNodeKeyName      = "node_key.json"
	defaultTowerName        = "tower.json"
)

// Config collects the whole node configuration. Transport and rpc reuse the
// tendermint config sections; the consensus and banking sections carry this
// node's own policy parameters.
type Config struct {
	RootDir string `mapstructure:"home"`

	Moniker string `mapstructure:"moniker"`

	P2P *tmcfg.P2PConfig `mapstructure:"p2p"`
	RPC *tmcfg.RPCConfig `mapstructure:"rpc"`

	Consensus *ConsensusConfig `mapstructure:"consensus"`
	Banking   *BankingConfig   `mapstructure:"banking"`
	Mempool   *MempoolConfig   `mapstructure:"mempool"`
}

func DefaultConfig() *Config {
	return &Config{
		Moniker:   "anonymous",
		P2P:       tmcfg.DefaultP2PConfig(),
		RPC:       tmcfg.DefaultRPCConfig(),
		Consensus: DefaultConsensusConfig(),
		Banking:   DefaultBankingConfig(),
		Mempool:   DefaultMempoolConfig(),
	}
}

// TestConfig keeps everything small and fast for unit tests.
func TestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Consensus = TestConsensusConfig()
	cfg.Banking = TestBankingConfig()
	return cfg
}

func (cfg *Config) SetRoot(root string) *Config {
	cfg.RootDir = root
	return cfg
}

func (cfg *Config) GenesisFile() string {
	return rootify(filepath.Join(defaultConfigDir, defaultGenesisJSONName), cfg.RootDir)
}

func (cfg *Config) PrivValidatorKeyFile() string {
	return rootify(filepath.Join(defaultConfigDir, defaultPrivValKeyName), cfg.RootDir)
}

func (cfg *Config) PrivValidatorStateFile() string {
	return rootify(filepath.Join(defaultDataDir, defaultPrivValStateName), cfg.RootDir)
}

func (cfg *Config) NodeKeyFile() string {
	return rootify(filepath.Join(defaultConfigDir, defaultNodeKeyName), cfg.RootDir)
}

func (cfg *Config) TowerFile() string {
	return rootify(filepath.Join(defaultDataDir, defaultTowerName), cfg.RootDir)
}

func (cfg *Config) DBDir() string {
	return rootify(defaultDataDir, cfg.RootDir)
}

func (cfg *Config) ValidateBasic() error {
	if err := cfg.Consensus.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [consensus] section: %w", err)
	}
	if err := cfg.Banking.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [banking] section: %w", err)
	}
	if err := cfg.Mempool.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [mempool] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------

// ConsensusConfig holds the fork-choice and tower policy. The switching
// threshold and the maximum lockout depth are policy parameters, never
// hardcoded at the call sites.
type ConsensusConfig struct {
	// SlotDuration is the wall-clock length of one slot.
	SlotDuration time.Duration `mapstructure:"slot_duration"`

	// MaxLockoutDepth caps the exponential vote lockout; a vote confirmed
	// to this depth lets the root advance past its slot.
	MaxLockoutDepth uint32 `mapstructure:"max_lockout_depth"`

	// SwitchForkThreshold is the fraction of total stake that must back a
	// different fork before this node may vote off its own locked-out one.
	SwitchForkThreshold float64 `mapstructure:"switch_fork_threshold"`

	// Mode is one of full, observer, repair.
	Mode string `mapstructure:"mode"`
}

func DefaultConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{
		SlotDuration:        400 * time.Millisecond,
		MaxLockoutDepth:     32,
		SwitchForkThreshold: 0.38,
		Mode:                ModeFull,
	}
}

func TestConsensusConfig() *ConsensusConfig {
	cfg := DefaultConsensusConfig()
	cfg.SlotDuration = 50 * time.Millisecond
	cfg.MaxLockoutDepth = 8
	return cfg
}

func (cfg *ConsensusConfig) ValidateBasic() error {
	if cfg.SlotDuration <= 0 {
		return errors.New("slot_duration must be positive")
	}
	if cfg.MaxLockoutDepth == 0 || cfg.MaxLockoutDepth > 62 {
		return errors.New("max_lockout_depth must be in [1,62]")
	}
	if cfg.SwitchForkThreshold <= 0 || cfg.SwitchForkThreshold > 1 {
		return errors.New("switch_fork_threshold must be in (0,1]")
	}
	switch cfg.Mode {
	case ModeFull, ModeObserver, ModeRepair:
	default:
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	return nil
}

//-----------------------------------------------------------------------------

// BankingConfig bounds the execution scheduler.
type BankingConfig struct {
	// Workers is the size of the execution worker pool; it bounds the
	// maximum parallelism against the active bank.
	Workers int `mapstructure:"workers"`

	// BatchSize is how many pending txs one scheduling pass considers.
	BatchSize int `mapstructure:"batch_size"`

	// SlotComputeBudget stops dispatch once the declared compute units
	// scheduled in a slot reach it.
	SlotComputeBudget int64 `mapstructure:"slot_compute_budget"`
}

func DefaultBankingConfig() *BankingConfig {
	return &BankingConfig{
		Workers:           4,
		BatchSize:         64,
		SlotComputeBudget: 48_000_000,
	}
}

func TestBankingConfig() *BankingConfig {
	cfg := DefaultBankingConfig()
	cfg.Workers = 2
	cfg.BatchSize = 8
	return cfg
}

func (cfg *BankingConfig) ValidateBasic() error {
	if cfg.Workers <= 0 {
		return errors.New("workers must be positive")
	}
	if cfg.BatchSize <= 0 {
		return errors.New("batch_size must be positive")
	}
	if cfg.SlotComputeBudget <= 0 {
		return errors.New("slot_compute_budget must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------

// MempoolConfig bounds the pending transaction queue.
type MempoolConfig struct {
	Size      int `mapstructure:"size"`
	CacheSize int `mapstructure:"cache_size"`
}

func DefaultMempoolConfig() *MempoolConfig {
	return &MempoolConfig{
		Size:      5000,
		CacheSize: 10000,
	}
}

func (cfg *MempoolConfig) ValidateBasic() error {
	if cfg.Size <= 0 {
		return errors.New("size must be positive")
	}
	if cfg.CacheSize < 0 {
		return errors.New("cache_size cannot be negative")
	}
	return nil
}

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
