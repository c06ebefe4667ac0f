// Package logging wires up the archiver's structured logger. Every
// long-running role (ring, sniffer, transform engine, socket server,
// telemetry publisher) gets a logger tagged with its role name so a single
// log stream can be grep'd per subsystem; connections log through the
// socket server's logger.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Init initializes the logging subsystem. The returned AtomicLevel allows
// the level to be changed at runtime, e.g. from a future admin endpoint.
func Init(cfg *Config) (*zap.SugaredLogger, zap.AtomicLevel, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()

	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	outputs := []string{"stderr"}
	if cfg.File != "" {
		outputs = append(outputs, cfg.File)
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(cfg.Level),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger.Sugar(), config.Level, nil
}

// Role returns a child logger tagged with the given subsystem role.
func Role(log *zap.SugaredLogger, role string) *zap.SugaredLogger {
	return log.With(zap.String("role", role))
}
