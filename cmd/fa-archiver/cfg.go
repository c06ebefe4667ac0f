package main

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/diamondlightsource/fa-archiver/internal/logging"
)

// Config is the archiver daemon's full configuration, loaded from a YAML
// file and overridable by FA_ARCHIVER_-prefixed environment variables.
type Config struct {
	// Archive is the path to the archive file fa-prepare initialised.
	Archive string `yaml:"archive" mapstructure:"archive"`
	// Listen is the socket server's bind address.
	Listen string `yaml:"listen" mapstructure:"listen"`
	// Device is the FA sniffer device file path. Empty selects the dummy
	// synthetic source.
	Device string `yaml:"device" mapstructure:"device"`
	// RingCapacity is the number of blocks the ring buffer holds.
	RingCapacity int `yaml:"ring_capacity" mapstructure:"ring_capacity"`
	// FramesPerBlock is the number of frames read per sniffer block.
	FramesPerBlock int `yaml:"frames_per_block" mapstructure:"frames_per_block"`
	// StatusFile, if set, receives a periodic JSON telemetry snapshot.
	StatusFile string `yaml:"status_file" mapstructure:"status_file"`

	Logging logging.Config `yaml:"logging" mapstructure:"logging"`
}

// DefaultConfig returns the archiver's default configuration.
func DefaultConfig() Config {
	return Config{
		Listen:         ":8888",
		RingCapacity:   64,
		FramesPerBlock: 1024,
		Logging:        logging.DefaultConfig(),
	}
}

// LoadConfig reads path via viper, layering it over DefaultConfig and
// FA_ARCHIVER_-prefixed environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FA_ARCHIVER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if cfg.Archive == "" {
		return Config{}, fmt.Errorf("archive path must be set")
	}

	return cfg, nil
}
