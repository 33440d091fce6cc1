package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleetd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8290", cfg.Server.Listen)
	assert.Equal(t, "bolt", cfg.Storage.Driver)
	assert.Equal(t, 1000, cfg.Limits.Managers)
	assert.Equal(t, Duration(5*time.Minute), cfg.Watchdog.MaxAge)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: ":9000"
storage:
  driver: postgres
  dsn: "postgres://fleet@localhost/fleet"
watchdog:
  interval: 10s
  max_age: 2m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, Duration(10*time.Second), cfg.Watchdog.Interval)
	assert.Equal(t, Duration(2*time.Minute), cfg.Watchdog.MaxAge)

	// Untouched sections keep their defaults.
	assert.Equal(t, 1000, cfg.Limits.Managers)
	assert.Equal(t, []string{"*"}, cfg.Worker.Tags)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
watchdog:
  interval: soon
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Storage.Driver = "etcd" },
			wantErr: true,
		},
		{
			name: "postgres requires dsn",
			mutate: func(c *Config) {
				c.Storage.Driver = "postgres"
				c.Storage.DSN = ""
			},
			wantErr: true,
		},
		{
			name: "bolt requires data dir",
			mutate: func(c *Config) {
				c.Storage.DataDir = ""
			},
			wantErr: true,
		},
		{
			name:    "manager limit must be positive",
			mutate:  func(c *Config) { c.Limits.Managers = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
