package logging

import "go.uber.org/zap/zapcore"

// Config is the configuration for the logging subsystem.
type Config struct {
	// Level is the logging level.
	Level zapcore.Level `yaml:"level" mapstructure:"level"`
	// File, if set, additionally writes logs to this path alongside stderr.
	File string `yaml:"file" mapstructure:"file"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level: zapcore.InfoLevel,
	}
}
