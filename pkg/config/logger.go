package config

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "rebalancer"

// NewLogger builds the process logger. JSON output is meant for log
// collectors; console output is for operators running a rebalance by hand.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var zc zap.Config
	switch cfg.Format {
	case "console":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.DisableStacktrace = true
	default:
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	// A rebalance logs few lines, keep all of them.
	zc.Sampling = nil

	if cfg.OutputPath != "" && cfg.OutputPath != "stdout" {
		zc.OutputPaths = []string{cfg.OutputPath}
		zc.ErrorOutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build(zap.Fields(staticFields(cfg.Fields)...))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func staticFields(extra map[string]string) []zap.Field {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		if k != "service" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(keys)+1)
	fields = append(fields, zap.String("service", serviceName))
	for _, k := range keys {
		fields = append(fields, zap.String(k, extra[k]))
	}
	return fields
}
