package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ServiceConfigDefaults(t *testing.T) {
	cfg, err := New[ServiceConfig]()
	require.NoError(t, err)

	assert.Equal(t, "localhost:4444", cfg.BaresipAddr)
	assert.Equal(t, 8, cfg.IngestPartitions)
	assert.Equal(t, "drop_oldest", cfg.OverflowPolicy)
	assert.Equal(t, 100*time.Millisecond, cfg.PublishTimeout)
	assert.Equal(t, 352, cfg.DefaultVideoWidth)
	assert.Equal(t, 288, cfg.DefaultVideoHeight)
	assert.Equal(t, 720*time.Hour, cfg.HistoryTTL)
	assert.False(t, cfg.TrustEngineMissedCalls)
	assert.NoError(t, cfg.Validate())
}

func TestNew_ServiceConfigFromEnv(t *testing.T) {
	t.Setenv("BARESIP_ADDR", "10.0.0.5:4444")
	t.Setenv("DISPATCH_OVERFLOW", "block_with_timeout")
	t.Setenv("DISPATCH_HANDLER_TIMEOUT", "250ms")
	t.Setenv("TRUST_ENGINE_MISSED_CALLS", "true")
	t.Setenv("DEFAULT_VIDEO_WIDTH", "640")

	cfg, err := New[ServiceConfig]()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:4444", cfg.BaresipAddr)
	assert.Equal(t, "block_with_timeout", cfg.OverflowPolicy)
	assert.Equal(t, 250*time.Millisecond, cfg.HandlerTimeout)
	assert.True(t, cfg.TrustEngineMissedCalls)
	assert.Equal(t, 640, cfg.DefaultVideoWidth)
}

func TestServiceConfig_Validate(t *testing.T) {
	cfg, err := New[ServiceConfig]()
	require.NoError(t, err)

	cfg.OverflowPolicy = "spill"
	cfg.IngestPartitions = 0
	cfg.HistoryEnabled = true
	cfg.RedisAddr = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "DISPATCH_OVERFLOW")
	assert.ErrorContains(t, err, "INGEST_PARTITIONS")
	assert.ErrorContains(t, err, "REDIS_ADDR")

	var nilCfg *ServiceConfig
	assert.Error(t, nilCfg.Validate())
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env.sipservice")
	require.NoError(t, os.WriteFile(path, []byte("SIPVOICE_TEST_LOADED=yes\n"), 0o600))

	t.Setenv("ENV_FILE", path)
	t.Setenv("SIPVOICE_TEST_LOADED", "")
	require.NoError(t, os.Unsetenv("SIPVOICE_TEST_LOADED"))
	require.NoError(t, LoadEnv())
	assert.Equal(t, "yes", os.Getenv("SIPVOICE_TEST_LOADED"))

	t.Setenv("ENV_FILE", filepath.Join(dir, "missing"))
	assert.Error(t, LoadEnv())
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug", "json")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)

	_, err = NewLogger("loud", "text")
	assert.Error(t, err)
	_, err = NewLogger("info", "xml")
	assert.Error(t, err)
}
