package main

import (
	"fmt"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Swind/go-slot-runner/config"
	"github.com/Swind/go-slot-runner/core"
)

// newLogger builds the zap backed core.Logger. The returned level can be
// changed at runtime by a config reload.
func newLogger(cfg config.LoggingConfig) (*core.LogrLogger, zap.AtomicLevel, func(), error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if err := setLevel(level, cfg.Level); err != nil {
		return nil, level, nil, err
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level

	zl, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return nil, level, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	sync := func() { _ = zl.Sync() }
	return core.NewLogrLogger(zapr.NewLogger(zl)), level, sync, nil
}

// setLevel maps a config level name onto the atomic level. Debug is logr
// verbosity 1, which zapr maps to zap level -1. core warnings travel as logr
// Info records, so "warn" and "error" both leave only errors.
func setLevel(level zap.AtomicLevel, name string) error {
	switch name {
	case "debug":
		level.SetLevel(zapcore.Level(-core.LogrVerbosityDebug))
	case "info", "":
		level.SetLevel(zapcore.InfoLevel)
	case "warn":
		level.SetLevel(zapcore.WarnLevel)
	case "error":
		level.SetLevel(zapcore.ErrorLevel)
	default:
		return fmt.Errorf("unknown log level %q", name)
	}
	return nil
}
