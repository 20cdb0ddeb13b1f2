package main

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Swind/go-slot-runner/core"
	"github.com/Swind/go-slot-runner/incident"
)

func observedLogger() (*core.LogrLogger, *observer.ObservedLogs) {
	zc, logs := observer.New(zapcore.DebugLevel)
	return core.NewLogrLogger(zapr.NewLogger(zap.New(zc))), logs
}

// TestFireRunIncident_LogsListenerFailure tests run boundary incidents.
// Given: a rethrowing BeginRun listener that fails
// When: BeginRun and EndRun are fired
// Then: the BeginRun failure is logged with its incident type and EndRun logs nothing
func TestFireRunIncident_LogsListenerFailure(t *testing.T) {
	logger, logs := observedLogger()
	d := incident.NewDispatcher()
	d.AddListener(incident.NewFuncListener("setup", func(context.Context, *incident.Incident) error {
		return errors.New("no output directory")
	}), incident.BeginRun, incident.WithRethrow())

	fireRunIncident(context.Background(), d, logger, incident.BeginRun)
	fireRunIncident(context.Background(), d, logger, incident.EndRun)

	failed := logs.FilterMessage("run incident listener failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, zapcore.ErrorLevel, failed[0].Level)
	assert.Equal(t, incident.BeginRun, failed[0].ContextMap()["incident"])
	assert.Contains(t, failed[0].ContextMap()["error"], "no output directory")
}

func TestSetLevel(t *testing.T) {
	level := zap.NewAtomicLevel()

	require.NoError(t, setLevel(level, "debug"))
	assert.True(t, level.Enabled(zapcore.Level(-core.LogrVerbosityDebug)))

	require.NoError(t, setLevel(level, "warn"))
	assert.Equal(t, zapcore.WarnLevel, level.Level())

	assert.Error(t, setLevel(level, "loud"))
}
