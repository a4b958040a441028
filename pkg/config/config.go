// Package config provides a reusable loader for qnet-node configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"synnergy-network/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a qnet-node process, grouped per
// the option groups in spec §6.
type Config struct {
	Network struct {
		NetworkID          string   `mapstructure:"network_id" json:"network_id"`
		Port               int      `mapstructure:"port" json:"port"`
		APIPort            int      `mapstructure:"api_port" json:"api_port"`
		MaxPeers           int      `mapstructure:"max_peers" json:"max_peers"`
		MinPeers           int      `mapstructure:"min_peers" json:"min_peers"`
		BootstrapNodes     []string `mapstructure:"bootstrap_nodes" json:"bootstrap_nodes"`
		UseUPnP            bool     `mapstructure:"use_upnp" json:"use_upnp"`
		UseBroadcast       bool     `mapstructure:"use_broadcast" json:"use_broadcast"`
		DiscoveryInterval  int      `mapstructure:"discovery_interval" json:"discovery_interval"`
		DNSSeeds           []string `mapstructure:"dns_seeds" json:"dns_seeds"`
	} `mapstructure:"network" json:"network"`

	Consensus struct {
		RoundInterval               int     `mapstructure:"round_interval" json:"round_interval"`
		ReputationInfluence         float64 `mapstructure:"reputation_influence" json:"reputation_influence"`
		SafetyFactor                float64 `mapstructure:"safety_factor" json:"safety_factor"`
		PartitionDetectionInterval  int     `mapstructure:"partition_detection_interval" json:"partition_detection_interval"`
		RecoveryCooldown            int     `mapstructure:"recovery_cooldown" json:"recovery_cooldown"`
		MinCommitTime               int     `mapstructure:"min_commit_time" json:"min_commit_time"`
		MaxCommitTime               int     `mapstructure:"max_commit_time" json:"max_commit_time"`
	} `mapstructure:"consensus" json:"consensus"`

	Node struct {
		NodeType      string `mapstructure:"node_type" json:"node_type"`
		MiningEnabled bool   `mapstructure:"mining_enabled" json:"mining_enabled"`
		MaxTxPerBlock int    `mapstructure:"max_tx_per_block" json:"max_tx_per_block"`
		MaxBlockSizeKB int   `mapstructure:"max_block_size_kb" json:"max_block_size_kb"`
	} `mapstructure:"node" json:"node"`

	Storage struct {
		DataDir       string `mapstructure:"data_dir" json:"data_dir"`
		KeysDir       string `mapstructure:"keys_dir" json:"keys_dir"`
		MaxChainLength uint64 `mapstructure:"max_chain_length" json:"max_chain_length"`
	} `mapstructure:"storage" json:"storage"`

	Activation struct {
		BurnAddress       string            `mapstructure:"burn_address" json:"burn_address"`
		RequiredBurnUnits map[string]uint64 `mapstructure:"required_burn_units" json:"required_burn_units"`
		TokenMint         string            `mapstructure:"token_mint" json:"token_mint"`
		OracleEndpoint    string            `mapstructure:"oracle_endpoint" json:"oracle_endpoint"`
		TransferCooldown  int               `mapstructure:"transfer_cooldown" json:"transfer_cooldown"`
	} `mapstructure:"activation" json:"activation"`

	Regional struct {
		NodeRegion                  string `mapstructure:"node_region" json:"node_region"`
		PreferRegionalPeers         bool   `mapstructure:"prefer_regional_peers" json:"prefer_regional_peers"`
		MaxInterRegionalConnections int    `mapstructure:"max_inter_regional_connections" json:"max_inter_regional_connections"`
		RegionalLatencyThresholdMS  int    `mapstructure:"regional_latency_threshold_ms" json:"regional_latency_threshold_ms"`
	} `mapstructure:"regional" json:"regional"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

func setDefaults() {
	viper.SetDefault("network.max_peers", 50)
	viper.SetDefault("network.min_peers", 3)
	viper.SetDefault("network.use_upnp", true)
	viper.SetDefault("network.use_broadcast", true)
	viper.SetDefault("network.discovery_interval", 300)

	viper.SetDefault("consensus.round_interval", 10)
	viper.SetDefault("consensus.reputation_influence", 0.7)
	viper.SetDefault("consensus.safety_factor", 1.5)
	viper.SetDefault("consensus.partition_detection_interval", 300)
	viper.SetDefault("consensus.recovery_cooldown", 600)
	viper.SetDefault("consensus.min_commit_time", 15)
	viper.SetDefault("consensus.max_commit_time", 45)

	viper.SetDefault("node.node_type", "full")
	viper.SetDefault("node.max_tx_per_block", 1000)
	viper.SetDefault("node.max_block_size_kb", 500)

	viper.SetDefault("activation.transfer_cooldown", 3600)
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, utils.Wrap(err, "load .env")
	}

	setDefaults()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("QNET")
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the QNET_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("QNET_ENV", ""))
}

// RoundIntervalDuration converts the consensus round_interval to a Duration.
func (c *Config) RoundIntervalDuration() time.Duration {
	return time.Duration(c.Consensus.RoundInterval) * time.Second
}

// MinCommitDuration converts min_commit_time to a Duration.
func (c *Config) MinCommitDuration() time.Duration {
	return time.Duration(c.Consensus.MinCommitTime) * time.Second
}

// MaxCommitDuration converts max_commit_time to a Duration.
func (c *Config) MaxCommitDuration() time.Duration {
	return time.Duration(c.Consensus.MaxCommitTime) * time.Second
}

// RecoveryCooldownDuration converts recovery_cooldown to a Duration.
func (c *Config) RecoveryCooldownDuration() time.Duration {
	return time.Duration(c.Consensus.RecoveryCooldown) * time.Second
}
