// Package config loads the server settings from a file, the environment and
// command-line flags, in increasing order of precedence.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "TVAM"

type Config struct {
	DataDir       string  `json:"data_dir" mapstructure:"data_dir"`
	Listen        string  `json:"listen" mapstructure:"listen"`
	LogFile       string  `json:"log_file" mapstructure:"log_file"`
	LogLevel      string  `json:"log_level" mapstructure:"log_level"`
	CompactThresh float64 `json:"compact_threshold" mapstructure:"compact_threshold"`
	HistoryFile   string  `json:"history_file" mapstructure:"history_file"`
}

func DefaultConfig() *Config {
	return &Config{
		DataDir:       "data",
		Listen:        "0.0.0.0:9605",
		LogLevel:      "INFO",
		CompactThresh: 0.2,
	}
}

// Flags declares the settings that can be given on the command line.
func Flags(fs *pflag.FlagSet) {
	def := DefaultConfig()
	fs.String("data_dir", def.DataDir, "Data directory")
	fs.String("listen", def.Listen, "Address to serve clients on")
	fs.String("log_file", def.LogFile, "Log file (default stderr)")
	fs.String("log_level", def.LogLevel, "Log level: DEBUG, INFO, WARN or ERROR")
	fs.Float64("compact_threshold", def.CompactThresh, "Garbage ratio that triggers compaction on open")
	fs.String("history_file", def.HistoryFile, "Shell history file")
}

// Load reads configFile when it is set; flags that were set explicitly
// override it. Unset values fall back to DefaultConfig.
func Load(configFile string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	def := DefaultConfig()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("listen", def.Listen)
	v.SetDefault("log_file", def.LogFile)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("compact_threshold", def.CompactThresh)
	v.SetDefault("history_file", def.HistoryFile)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if cfg.CompactThresh < 0 || cfg.CompactThresh > 1 {
		return nil, errors.Errorf("compact_threshold %v is outside [0, 1]", cfg.CompactThresh)
	}
	return cfg, nil
}
