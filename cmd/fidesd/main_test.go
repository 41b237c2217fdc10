package main

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fideslabs/fides/pkg/config"
)

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Run([]string{"fidesd", "--help"}, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "Usage: fidesd")
}

func TestRun_Unknown(t *testing.T) {
	var stdout, stderr bytes.Buffer

	exitCode := Run([]string{"fidesd", "no-such-command"}, &stdout, &stderr)

	assert.Equal(t, 2, exitCode)
	assert.Contains(t, stderr.String(), "unknown command")
}

func TestRun_DefaultsToServer(t *testing.T) {
	original := startServer
	defer func() { startServer = original }()

	called := false
	startServer = func(io.Writer) int {
		called = true
		return 0
	}

	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"fidesd"}, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.True(t, called)
}

func TestRun_HealthFail(t *testing.T) {
	t.Setenv("PORT", "1") // nothing listens there

	var stdout, stderr bytes.Buffer
	exitCode := Run([]string{"fidesd", "health"}, &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stdout.String(), "Health check failed")
}

func TestApplyProfile_Strict(t *testing.T) {
	t.Setenv("PROFILE", "strict")

	cfg := &config.Config{}
	err := applyProfile(cfg, slog.Default())

	assert.NoError(t, err)
	assert.True(t, cfg.RequireSignatures)
	assert.True(t, cfg.RequireAttestation)
}

func TestApplyProfile_Missing(t *testing.T) {
	t.Setenv("PROFILE", "no-such-profile")
	t.Setenv("PROFILES_DIR", t.TempDir())

	err := applyProfile(&config.Config{}, slog.Default())
	assert.Error(t, err)
}

func TestOpenStores_UnknownDriver(t *testing.T) {
	cfg := &config.Config{DBDriver: "oracle"}
	_, _, _, _, err := openStores(t.Context(), cfg, slog.Default())
	assert.Error(t, err)
}
