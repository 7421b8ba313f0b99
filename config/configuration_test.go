package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	content := `
listenAddress: ":8080"
nodeAddress: "http://10.0.0.5:8080"
storeConnection: "redis://redis:6379"
trustProxy: true
connectionLockTTL: "90s"
pingInterval: "15s"
pingTimeout: "30s"
maxNotificationPayloadBytes: 2048
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddress)
	assert.Equal(t, "http://10.0.0.5:8080", cfg.NodeAddress)
	assert.Equal(t, "redis://redis:6379", cfg.StoreConnection)
	assert.True(t, cfg.TrustProxy)
	assert.Equal(t, 90*time.Second, cfg.ConnectionLockTTL)
	assert.Equal(t, 15*time.Second, cfg.PingInterval)
	assert.Equal(t, 30*time.Second, cfg.PingTimeout)
	assert.Equal(t, 2048, cfg.MaxNotificationPayloadBytes)

	// Fields the file does not set keep their defaults.
	assert.Equal(t, Default().RequestMaxAge, cfg.RequestMaxAge)
	assert.Equal(t, Default().BlockTTL, cfg.BlockTTL)
}

func TestReadFileBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("pingInterval: \"soon\"\n"), 0o600))

	_, err := ReadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pingInterval")
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestValidateLockTTLRatio(t *testing.T) {
	cfg := Default()
	cfg.ConnectionLockTTL = 20 * time.Second
	cfg.PingInterval = 10 * time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connectionLockTTL")
}

func TestValidatePingTimeout(t *testing.T) {
	cfg := Default()
	cfg.PingTimeout = cfg.PingInterval / 2

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pingTimeout")
}

func TestValidateRequiredFields(t *testing.T) {
	cfg := Default()
	cfg.ListenAddress = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.NodeAddress = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxNotificationPayloadBytes = 0
	assert.Error(t, cfg.Validate())
}
