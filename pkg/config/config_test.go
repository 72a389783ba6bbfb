package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "paper", cfg.Broker)
	assert.True(t, cfg.UseMockFeed)
	assert.Equal(t, []string{"R_100"}, cfg.Symbols)
	assert.Equal(t, 10*time.Second, cfg.PlacementTimeout)
	assert.Equal(t, 5*time.Second, cfg.BrokerCallTimeout)
	assert.Equal(t, 15*time.Second, cfg.DeadFeedThreshold)
	assert.Equal(t, 2*time.Second, cfg.SettlementPollInterval)
	assert.Equal(t, 3, cfg.ReconcileMaxAttempts)
	assert.Equal(t, time.Second, cfg.PaperTickInterval)
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BROKER", "Deriv")
	t.Setenv("SYMBOLS", "R_50, R_75 ,")
	t.Setenv("PLACEMENT_TIMEOUT", "20s")
	t.Setenv("DEAD_FEED_THRESHOLD", "7.5")
	t.Setenv("PAPER_LATENCY_MS", "120")
	t.Setenv("TICK_ARCHIVE", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "deriv", cfg.Broker)
	assert.False(t, cfg.UseMockFeed)
	assert.Equal(t, []string{"R_50", "R_75"}, cfg.Symbols)
	assert.Equal(t, 20*time.Second, cfg.PlacementTimeout)
	assert.Equal(t, 7500*time.Millisecond, cfg.DeadFeedThreshold)
	assert.Equal(t, 120*time.Millisecond, cfg.PaperLatency)
	assert.True(t, cfg.TickArchive)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown venue":    {"BROKER": "binance"},
		"no symbols":       {"SYMBOLS": " , "},
		"zero attempts":    {"RECONCILE_MAX_ATTEMPTS": "0"},
		"bad log level":    {"LOG_LEVEL": "loud"},
		"non-numeric port": {"PORT": "http"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestGetEnvDurationFallsBack(t *testing.T) {
	t.Setenv("X_DURATION", "soon")
	assert.Equal(t, time.Minute, getEnvDuration("X_DURATION", time.Minute))
	t.Setenv("X_DURATION", "90")
	assert.Equal(t, 90*time.Second, getEnvDuration("X_DURATION", time.Minute))
}
