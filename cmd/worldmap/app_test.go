package main

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStartMonitor_LogsStartFailure(t *testing.T) {
	var buf bytes.Buffer
	a := &app{logger: slog.New(slog.NewTextHandler(&buf, nil))}

	svc := a.startMonitor(nil)
	defer svc.Stop()

	assert.False(t, svc.IsRunning())
	assert.Contains(t, buf.String(), "Failed to start status monitor")
	assert.Contains(t, buf.String(), "no status source")
}

func TestClose_WithoutSinks(t *testing.T) {
	a := &app{logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))}
	assert.NotPanics(t, a.close)
}
