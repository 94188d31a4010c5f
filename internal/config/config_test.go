package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, filepath.Join(".", "print_restore.json"), cfg.CheckpointPath())
	assert.Equal(t, DefaultSettings(), cfg.Recovery)
	assert.Equal(t, 150.0, cfg.Sequence.SafeToolTemperature)
	assert.Equal(t, 15*time.Minute, cfg.Sequence.SettleTimeout())
	assert.Equal(t, FilesFromHost, cfg.Files.Source)
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	assert.True(t, s.Enabled)
	assert.False(t, s.AutoRestore)
	assert.Equal(t, 1, s.IntervalSeconds)
	assert.Nil(t, s.BabystepEnabled)
	assert.False(t, s.Babystep())
	assert.Equal(t, time.Second, s.Interval())
}

func TestLoad_FileThenFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := `
log_level: debug
checkpoint:
  base_dir: /var/lib/printrestore
recovery:
  auto_restore: true
  interval_seconds: 5
sequence:
  safe_tool_temperature: 170
files:
  source: local
  local_dir: /srv/uploads
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	flags.String("checkpoint-file", "", "")
	require.NoError(t, flags.Parse([]string{"--log-level=warn", "--checkpoint-file=job.json"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "/var/lib/printrestore/job.json", cfg.CheckpointPath())
	assert.True(t, cfg.Recovery.AutoRestore)
	assert.True(t, cfg.Recovery.Enabled, "unset keys keep their defaults")
	assert.Equal(t, 5, cfg.Recovery.IntervalSeconds)
	assert.Equal(t, 170.0, cfg.Sequence.SafeToolTemperature)
	assert.Equal(t, 50.0, cfg.Sequence.SafeBedTemperature)
	assert.Equal(t, "/srv/uploads", cfg.Files.LocalDir)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"zero interval", "recovery:\n  interval_seconds: 0\n"},
		{"unknown files source", "files:\n  source: ftp\n"},
		{"s3 without bucket", "files:\n  source: s3\n  s3:\n    endpoint: localhost:9000\n"},
		{"negative prime", "sequence:\n  prime_length: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.doc), 0o644))

			_, err := Load(path, nil)
			assert.Error(t, err)
		})
	}
}

func TestFileSettingsStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	store := NewFileSettingsStore(path, DefaultSettings())

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), loaded)

	on := true
	want := Settings{Enabled: false, AutoRestore: true, IntervalSeconds: 3, BabystepEnabled: &on}
	require.NoError(t, store.Save(want))

	loaded, err = NewFileSettingsStore(path, DefaultSettings()).Load()
	require.NoError(t, err)
	assert.Equal(t, want, loaded)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileSettingsStore_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	store := NewFileSettingsStore(path, DefaultSettings())

	err := store.Save(Settings{Enabled: true, IntervalSeconds: 0})
	assert.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
