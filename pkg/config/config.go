package config

// Package config provides a reusable loader for trustchain configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"trustchain/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a trustchain session. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Storage struct {
		DBPath           string `mapstructure:"db_path" json:"db_path"`
		CacheSizeEntries int    `mapstructure:"cache_size_entries" json:"cache_size_entries"`
	} `mapstructure:"storage" json:"storage"`

	Trustchain struct {
		QueueDepth               int  `mapstructure:"queue_depth" json:"queue_depth"`
		MaxGroupMembers          int  `mapstructure:"max_group_members" json:"max_group_members"`
		IssueLegacyDevicePublish bool `mapstructure:"issue_legacy_device_publish" json:"issue_legacy_device_publish"`
	} `mapstructure:"trustchain" json:"trustchain"`

	Stream struct {
		DefaultChunkSize int `mapstructure:"default_chunk_size" json:"default_chunk_size"`
	} `mapstructure:"stream" json:"stream"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Default returns a Config populated with the engine's built-in defaults,
// used when no configuration file is present.
func Default() Config {
	var c Config
	c.Storage.DBPath = "./trustchain-data"
	c.Storage.CacheSizeEntries = 10_000
	c.Trustchain.QueueDepth = 4096
	c.Trustchain.MaxGroupMembers = 1000
	c.Trustchain.IssueLegacyDevicePublish = false
	c.Stream.DefaultChunkSize = 1 << 20 // 1 MiB
	c.Logging.Level = "info"
	return c
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded. Missing
// config files are not an error — the built-in defaults apply.
func Load(env string) (*Config, error) {
	AppConfig = Default()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
			}
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the TRUSTCHAIN_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("TRUSTCHAIN_ENV", ""))
}
