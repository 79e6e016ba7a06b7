// Package config loads node configuration from file, environment, and
// defaults using viper. Environment variables use the MESHKV_ prefix
// with dots replaced by underscores (MESHKV_SERVER_PORT, ...).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config represents the full node configuration.
type Config struct {
	Node    NodeConfig    `mapstructure:"node"`
	Server  ServerConfig  `mapstructure:"server"`
	Mesh    MeshConfig    `mapstructure:"mesh"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// NodeConfig identifies the local node.
type NodeConfig struct {
	ID           string   `mapstructure:"id"`
	PersonaName  string   `mapstructure:"persona_name"`
	Capabilities []string `mapstructure:"capabilities"`
}

// ServerConfig contains the RPC listener configuration.
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	AdvertiseAddr string `mapstructure:"advertise_addr"`
}

// MeshConfig contains gossip and sync timing, all intervals in seconds.
type MeshConfig struct {
	SeedPeers         []string `mapstructure:"seed_peers"`
	HeartbeatInterval int      `mapstructure:"heartbeat_interval"`
	GossipInterval    int      `mapstructure:"gossip_interval"`
	SyncInterval      int      `mapstructure:"sync_interval"`
	SyncBatchSize     int      `mapstructure:"sync_batch_size"`
	MaxMissed         int      `mapstructure:"max_missed_heartbeats"`
	DeadPeerRetention int      `mapstructure:"dead_peer_retention"`
}

// StorageConfig selects and locates the persistence backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configuration from configPath (or the default search path
// when empty), the environment, and the built-in defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("meshkv")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/meshkv")
	}

	setDefaults(v)

	v.SetEnvPrefix("MESHKV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in default configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	_ = validate(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "")
	v.SetDefault("node.persona_name", "")
	v.SetDefault("node.capabilities", []string{})

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8370)
	v.SetDefault("server.advertise_addr", "")

	v.SetDefault("mesh.seed_peers", []string{})
	v.SetDefault("mesh.heartbeat_interval", 10)
	v.SetDefault("mesh.gossip_interval", 30)
	v.SetDefault("mesh.sync_interval", 60)
	v.SetDefault("mesh.sync_batch_size", 10)
	v.SetDefault("mesh.max_missed_heartbeats", 3)
	v.SetDefault("mesh.dead_peer_retention", 3600)

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.data_dir", "./data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("metrics.enabled", true)
}

func validate(cfg *Config) error {
	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.New().String()
	}
	if cfg.Node.PersonaName == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Node.PersonaName = host
		} else {
			cfg.Node.PersonaName = "node-" + cfg.Node.ID[:8]
		}
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535")
	}

	switch cfg.Storage.Backend {
	case "file", "badger", "memory":
	default:
		return fmt.Errorf("storage.backend must be file, badger, or memory, got %q", cfg.Storage.Backend)
	}
	cfg.Storage.DataDir = filepath.Clean(cfg.Storage.DataDir)

	if cfg.Mesh.SyncBatchSize < 1 {
		return fmt.Errorf("mesh.sync_batch_size must be at least 1")
	}
	if cfg.Mesh.MaxMissed < 1 {
		return fmt.Errorf("mesh.max_missed_heartbeats must be at least 1")
	}

	return nil
}
