package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr error
	}{
		{
			name:    "valid default",
			cfg:     Default(),
			wantErr: nil,
		},
		{
			name:    "negative max servers",
			cfg:     &Config{MaxServers: -1},
			wantErr: ErrInvalidMaxServers,
		},
		{
			name:    "negative max versions to keep",
			cfg:     &Config{MaxVersionsToKeep: -1},
			wantErr: ErrInvalidVersionsToKeep,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxServers: 5\nautoUpdate: true\n"), 0o644))

	cfg, err := LoadConfigYAML(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxServers)
	assert.True(t, cfg.AutoUpdate)
	// defaults not overridden by the YAML remain.
	assert.Equal(t, 3, cfg.MaxVersionsToKeep)

	b, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(b), "maxServers")
}

func TestLoadConfigYAMLMissingFile(t *testing.T) {
	_, err := LoadConfigYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestResolveDataDir(t *testing.T) {
	dir, err := ResolveDataDir("/tmp/explicit")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/explicit", dir)

	dir, err = ResolveDataDir("")
	require.NoError(t, err)
	assert.Contains(t, dir, "nrtd")
}
