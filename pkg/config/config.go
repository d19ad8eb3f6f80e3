// Package config holds the ambient configuration for the runtime lifecycle
// manager: cache layout, update cadence, and server pool limits. It is
// deliberately small — most runtime behavior is parameterised on the
// objects themselves (the fields of pkg/update.Service and pkg/pool.Pool)
// rather than centralised here, but a single Config is convenient for a CLI
// or embedding daemon to load once from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

var (
	ErrInvalidDataDir        = errors.New("invalid data directory")
	ErrInvalidMaxServers     = errors.New("max_servers must not be negative")
	ErrInvalidVersionsToKeep = errors.New("max_versions_to_keep must not be negative")
)

// Config is the top-level configuration for an embedding process. All
// duration fields use metav1.Duration so they round-trip through YAML as
// "30s"/"10m" rather than raw nanosecond integers.
type Config struct {
	// DataDir is the root of the on-disk cache. Empty means "use the
	// platform default app-data root".
	DataDir string `json:"dataDir,omitempty"`

	// VersionCheckTimeout bounds a single remote "latest version" lookup.
	VersionCheckTimeout metav1.Duration `json:"versionCheckTimeout,omitempty"`
	// StartupTimeout bounds how long the supervisor waits for /health.
	StartupTimeout metav1.Duration `json:"startupTimeout,omitempty"`
	// ShutdownTimeout bounds how long the supervisor waits for a clean exit
	// before hard-killing the child.
	ShutdownTimeout metav1.Duration `json:"shutdownTimeout,omitempty"`
	// UpdateCheckInterval is the cadence for Update Service's is_check_due.
	UpdateCheckInterval metav1.Duration `json:"updateCheckInterval,omitempty"`

	// MaxVersionsToKeep bounds pkg/versionstate's previous_versions stack.
	MaxVersionsToKeep int `json:"maxVersionsToKeep,omitempty"`
	// MaxCacheSize is accepted for forward compatibility but is not enforced;
	// a non-zero value is recorded but has no effect on pkg/update.Cleanup
	// today.
	MaxCacheSize int64 `json:"maxCacheSize,omitempty"`

	// MaxServers bounds pkg/pool's concurrent child-process count.
	MaxServers int `json:"maxServers,omitempty"`
	// IdleTimeout is how long a pooled server may sit unleased before the
	// cleanup timer evicts it.
	IdleTimeout metav1.Duration `json:"idleTimeout,omitempty"`
	// PoolCleanupInterval is how often the pool's eviction timer runs.
	PoolCleanupInterval metav1.Duration `json:"poolCleanupInterval,omitempty"`

	// AutoUpdate enables background_check being spawned from get_runtime_path.
	AutoUpdate bool `json:"autoUpdate,omitempty"`
	// UpdateOnWarmup gates check_and_apply; disabled by default so a caller
	// must opt into synchronous upgrade-on-warmup.
	UpdateOnWarmup bool `json:"updateOnWarmup,omitempty"`
}

// Default returns a Config populated with sensible production defaults
// for every timeout.
func Default() *Config {
	return &Config{
		VersionCheckTimeout: metav1.Duration{Duration: 30 * time.Second},
		StartupTimeout:      metav1.Duration{Duration: 90 * time.Second},
		ShutdownTimeout:     metav1.Duration{Duration: 10 * time.Second},
		UpdateCheckInterval: metav1.Duration{Duration: 6 * time.Hour},
		MaxVersionsToKeep:   3,
		MaxServers:          3,
		IdleTimeout:         metav1.Duration{Duration: 10 * time.Minute},
		PoolCleanupInterval: metav1.Duration{Duration: 1 * time.Minute},
		AutoUpdate:          true,
		UpdateOnWarmup:      false,
	}
}

// Validate checks the configuration for internally-inconsistent values.
func (c *Config) Validate() error {
	if c.MaxServers < 0 {
		return ErrInvalidMaxServers
	}
	if c.MaxVersionsToKeep < 0 {
		return ErrInvalidVersionsToKeep
	}
	return nil
}

// YAML marshals the Config to YAML using the same json-tag-driven codec the
// rest of the ecosystem (sigs.k8s.io/yaml) uses, so the file round-trips
// through both JSON and YAML tooling.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// LoadConfigYAML reads and parses a YAML config file, applying Default()
// first so unset fields keep their documented defaults.
func LoadConfigYAML(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveDataDir returns dataDir unchanged if non-empty, else the
// platform-default app-data cache root for the product.
func ResolveDataDir(dataDir string) (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}

	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve default cache dir: %w", err)
	}
	return filepath.Join(base, "nrtd"), nil
}
