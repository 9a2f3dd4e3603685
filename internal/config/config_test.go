package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, time.Second, cfg.Session.FallbackTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Session.SettleDelay)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, "all", cfg.Scan.FilterMode)
	assert.Equal(t, 247, cfg.BLE.MTU)
	assert.NoError(t, cfg.Validate())
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("NIRS_DOCUMENTS_DIR", "/tmp/override")
	t.Setenv("LOG_LEVEL", "debug")

	path := filepath.Join(t.TempDir(), "nirsd.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  name: nirsd
  version: 1.4.0
session:
  fallback_timeout: 750ms
reconnect:
  max_attempts: 3
  delay: 2s
scan:
  filter_mode: substring
  filter_name: argus
ble:
  simulate: true
  simulated_devices:
    - address: "AA:BB:CC:00:00:01"
      name: Argus-1
      family: argus
      sub_version: 2
storage:
  documents_dir: ./csv
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 750*time.Millisecond, cfg.Session.FallbackTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Session.SettleDelay)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.Delay)
	assert.Equal(t, "/tmp/override", cfg.Storage.DocumentsDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "1.4.0", cfg.Storage.AppVersion)
	require.Len(t, cfg.BLE.SimulatedDevices, 1)
	assert.Equal(t, 100*time.Millisecond, cfg.BLE.SimulatedDevices[0].PreviewInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad filter", "scan:\n  filter_mode: regex\n"},
		{"filter without name", "scan:\n  filter_mode: exact\n"},
		{"api without secret", "api:\n  enabled: true\n"},
		{"simulated device without family", "ble:\n  simulated_devices:\n    - address: AA:BB:CC:DD:EE:FF\n"},
		{"reconnect budget below -1", "reconnect:\n  max_attempts: -2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestReconnectCanBeDisabled(t *testing.T) {
	cfg, err := Parse([]byte("reconnect:\n  max_attempts: -1\n"))
	require.NoError(t, err)
	assert.Equal(t, -1, cfg.Reconnect.MaxAttempts)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
