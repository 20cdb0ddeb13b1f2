package core

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/go-logr/logr/funcr"
)

// captureLogr returns a LogrLogger whose output lines are appended to lines.
func captureLogr(verbosity int, lines *[]string) *LogrLogger {
	l := funcr.New(func(prefix, args string) {
		*lines = append(*lines, prefix+" "+args)
	}, funcr.Options{Verbosity: verbosity})
	return NewLogrLogger(l)
}

// TestLogrLogger_Levels verifies the level mapping onto logr
// Given: A logr sink at verbosity 0
// When: Each level is logged once
// Then: Debug is filtered, Warn carries level=warn, Error carries the error value
func TestLogrLogger_Levels(t *testing.T) {
	var lines []string
	l := captureLogr(0, &lines)

	l.Debug("hidden")
	l.Info("hello", F("k", "v"))
	l.Warn("careful")
	l.Error("failed", F("error", errors.New("boom")), F("slot", 2))

	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], `"msg"="hello"`) || !strings.Contains(lines[0], `"k"="v"`) {
		t.Errorf("info line = %s", lines[0])
	}
	if !strings.Contains(lines[1], `"level"="warn"`) {
		t.Errorf("warn line = %s", lines[1])
	}
	if !strings.Contains(lines[2], `"error"="boom"`) || !strings.Contains(lines[2], `"slot"=2`) {
		t.Errorf("error line = %s", lines[2])
	}
}

func TestLogrLogger_DebugVerbosity(t *testing.T) {
	var lines []string
	l := captureLogr(LogrVerbosityDebug, &lines)

	l.Debug("visible")
	if len(lines) != 1 || !strings.Contains(lines[0], `"msg"="visible"`) {
		t.Errorf("lines = %v, want the debug line", lines)
	}
}

func TestLogrLogger_WithName(t *testing.T) {
	var lines []string
	l := captureLogr(0, &lines).WithName("processor")

	l.Info("started")
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "processor") {
		t.Errorf("lines = %v, want a processor prefix", lines)
	}
}

func TestDefaultLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	NewDefaultLogger().Warn("slot reset", F("slot", 1), F("seq", 7))

	if got := buf.String(); !strings.Contains(got, "[WARN] slot reset {slot: 1, seq: 7}") {
		t.Errorf("output = %q", got)
	}
}
