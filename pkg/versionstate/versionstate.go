// Package versionstate implements Runtime Artifact Lifecycle component H:
// a persistent, atomically-written JSON document tracking the installed,
// pending, and historical versions of each artifact key. Follows a
// file-backed, rename-on-write state idiom for the on-disk record.
package versionstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/leptonai/nrtd/pkg/errdefs"
	"github.com/leptonai/nrtd/pkg/log"
)

// PreviousVersion is one entry in a VersionState's rollback history.
type PreviousVersion struct {
	Version     string    `json:"version"`
	Path        string    `json:"path"`
	InstalledAt time.Time `json:"installedAt"`
}

// VersionState is the per-ArtifactKey persisted record.
type VersionState struct {
	InstalledVersion  string            `json:"installedVersion"`
	InstalledPath     string            `json:"installedPath"`
	LatestKnownVersion string           `json:"latestKnownVersion,omitempty"`
	LastVersionCheck  time.Time         `json:"lastVersionCheck"`
	PendingVersion    string            `json:"pendingVersion,omitempty"`
	PendingPath       string            `json:"pendingPath,omitempty"`
	UpdateReady       bool              `json:"updateReady"`
	PreviousVersions  []PreviousVersion `json:"previousVersions"`
	FailedVersions    []string          `json:"failedVersions"`
}

// stateFile is the on-disk document shape.
type stateFile struct {
	SchemaVersion int                     `json:"schemaVersion"`
	Packages      map[string]VersionState `json:"packages"`
}

const currentSchemaVersion = 1

// KeyFunc produces the on-disk map key for an artifact key's components,
// left parameterised per product: "<backend>|<rid>" for a single-product
// store, "<product>|<backend>|<rid>" for a multi-product one. Both key
// shapes are valid; a Store picks one at construction.
type KeyFunc func(product, backend, runtimeIdentifier string) string

// SingleProductKey formats "<backend>|<rid>", used when a Store is
// dedicated to one product (its own state file).
func SingleProductKey(_, backend, rid string) string {
	return backend + "|" + rid
}

// MultiProductKey formats "<product>|<backend>|<rid>", used when a Store
// is shared across products.
func MultiProductKey(product, backend, rid string) string {
	return product + "|" + backend + "|" + rid
}

// Store is a singleton per state-file path: every mutating call serialises
// on its lock, and every write is published via write-tmp-then-rename so a
// crash mid-write never corrupts the file a reader sees.
type Store struct {
	path string
	key  KeyFunc

	mu    sync.Mutex
	cache *stateFile // replaced with the written document after every successful write; lazily loaded.
}

func NewStore(path string, key KeyFunc) *Store {
	if key == nil {
		key = SingleProductKey
	}
	return &Store{path: path, key: key}
}

// Key builds the on-disk key for (product, backend, rid) using the
// store's configured KeyFunc.
func (s *Store) Key(product, backend, rid string) string {
	return s.key(product, backend, rid)
}

func (s *Store) load() (*stateFile, error) {
	if s.cache != nil {
		return s.cache, nil
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		sf := &stateFile{SchemaVersion: currentSchemaVersion, Packages: map[string]VersionState{}}
		s.cache = sf
		return sf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		// Corrupt JSON is treated as empty state, never surfaced as an
		// error: a reader must never throw on a damaged file.
		log.Logger.Warnw("state file corrupt, starting from empty state", "path", s.path, "error", err)
		sf = stateFile{SchemaVersion: currentSchemaVersion, Packages: map[string]VersionState{}}
	}
	if sf.Packages == nil {
		sf.Packages = map[string]VersionState{}
	}
	if sf.SchemaVersion == 0 {
		sf.SchemaVersion = currentSchemaVersion
	}

	s.cache = &sf
	return &sf, nil
}

// persist writes sf to disk atomically and, on success, makes sf the
// in-memory cache, so the next read reflects what landed on disk.
func (s *Store) persist(sf *stateFile) error {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state file: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".versionstate-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publish state file: %w", err)
	}

	s.cache = sf
	return nil
}

// GetOrCreate returns key's existing entry, or creates one with
// installedVersion=initialVersion and lastVersionCheck at the Unix epoch.
func (s *Store) GetOrCreate(key, initialVersion string) (VersionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.load()
	if err != nil {
		return VersionState{}, err
	}

	if vs, ok := sf.Packages[key]; ok {
		return vs, nil
	}

	vs := VersionState{
		InstalledVersion: initialVersion,
		LastVersionCheck: time.Unix(0, 0).UTC(),
		PreviousVersions: []PreviousVersion{},
		FailedVersions:   []string{},
	}
	sf.Packages[key] = vs
	if err := s.persist(sf); err != nil {
		return VersionState{}, err
	}
	return vs, nil
}

// Update fully replaces key's entry.
func (s *Store) Update(key string, vs VersionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.load()
	if err != nil {
		return err
	}
	sf.Packages[key] = vs
	return s.persist(sf)
}

// RecordVersionCheck stamps lastVersionCheck=now and, if latest is
// non-empty, updates latestKnownVersion.
func (s *Store) RecordVersionCheck(key string, latest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.load()
	if err != nil {
		return err
	}

	vs := sf.Packages[key]
	if latest != "" {
		vs.LatestKnownVersion = latest
	}
	vs.LastVersionCheck = nowUTC()
	sf.Packages[key] = vs
	return s.persist(sf)
}

// MarkPending sets pendingVersion and clears readiness.
func (s *Store) MarkPending(key, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.load()
	if err != nil {
		return err
	}

	vs := sf.Packages[key]
	vs.PendingVersion = version
	vs.UpdateReady = false
	sf.Packages[key] = vs
	return s.persist(sf)
}

// ClearPending clears pendingVersion without touching readiness.
func (s *Store) ClearPending(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.load()
	if err != nil {
		return err
	}

	vs := sf.Packages[key]
	vs.PendingVersion = ""
	sf.Packages[key] = vs
	return s.persist(sf)
}

// MarkReady publishes a completed download: pending clears, readiness
// flips on, pendingPath records where the artifact lives, and
// latestKnownVersion is stamped to version.
func (s *Store) MarkReady(key, version, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.load()
	if err != nil {
		return err
	}

	vs := sf.Packages[key]
	vs.PendingVersion = ""
	vs.UpdateReady = true
	vs.PendingPath = path
	vs.LatestKnownVersion = version
	sf.Packages[key] = vs
	return s.persist(sf)
}

// Activate requires updateReady; it prepends the current installed
// version to previousVersions (trimmed to maxKeep), then promotes the
// pending version to installed, clearing pending/readiness.
func (s *Store) Activate(key string, maxKeep int) (VersionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.load()
	if err != nil {
		return VersionState{}, err
	}

	vs, ok := sf.Packages[key]
	if !ok || !vs.UpdateReady {
		return VersionState{}, fmt.Errorf("%w: activate called without update_ready", errdefs.ErrActivationPathMissing)
	}

	if vs.InstalledVersion != "" {
		vs.PreviousVersions = append([]PreviousVersion{{
			Version:     vs.InstalledVersion,
			Path:        vs.InstalledPath,
			InstalledAt: nowUTC(),
		}}, vs.PreviousVersions...)
	}
	if maxKeep >= 0 && len(vs.PreviousVersions) > maxKeep {
		vs.PreviousVersions = vs.PreviousVersions[:maxKeep]
	}

	pendingVersion := vs.PendingVersion
	if pendingVersion == "" {
		pendingVersion = vs.LatestKnownVersion
	}
	vs.InstalledVersion = pendingVersion
	vs.InstalledPath = vs.PendingPath
	vs.PendingVersion = ""
	vs.PendingPath = ""
	vs.UpdateReady = false

	sf.Packages[key] = vs
	if err := s.persist(sf); err != nil {
		return VersionState{}, err
	}
	return vs, nil
}

// Rollback adds failedVersion to failedVersions and, if a previous
// version exists, demotes it to installed (popping it off the history).
// With no previous version it is a no-op beyond recording the failure.
func (s *Store) Rollback(key, failedVersion string) (VersionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.load()
	if err != nil {
		return VersionState{}, err
	}

	vs := sf.Packages[key]
	vs.FailedVersions = appendUnique(vs.FailedVersions, failedVersion)
	vs.PendingVersion = ""
	vs.PendingPath = ""
	vs.UpdateReady = false

	if len(vs.PreviousVersions) > 0 {
		head := vs.PreviousVersions[0]
		vs.PreviousVersions = vs.PreviousVersions[1:]
		vs.InstalledVersion = head.Version
		vs.InstalledPath = head.Path
	}

	sf.Packages[key] = vs
	if err := s.persist(sf); err != nil {
		return VersionState{}, err
	}
	return vs, nil
}

// IsCheckDue reports whether enough time has elapsed since the last
// version check (or there is no state at all) to justify another one.
func (s *Store) IsCheckDue(key string, interval time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.load()
	if err != nil {
		return false, err
	}

	vs, ok := sf.Packages[key]
	if !ok {
		return true, nil
	}
	return nowUTC().Sub(vs.LastVersionCheck) >= interval, nil
}

// UpdateAvailable reports whether an update is available: true iff a
// distinct, non-failed latest version is known.
func UpdateAvailable(vs VersionState) bool {
	if vs.LatestKnownVersion == "" {
		return false
	}
	if equalFoldVersion(vs.LatestKnownVersion, vs.InstalledVersion) {
		return false
	}
	for _, f := range vs.FailedVersions {
		if equalFoldVersion(f, vs.LatestKnownVersion) {
			return false
		}
	}
	return true
}

func equalFoldVersion(a, b string) bool {
	return len(a) == len(b) && asciiEqualFold(a, b)
}

func asciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func appendUnique(s []string, v string) []string {
	for _, existing := range s {
		if existing == v {
			return s
		}
	}
	return append(s, v)
}

// Keys returns the store's entry keys, for diagnostics/CLI listing.
func (s *Store) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(sf.Packages))
	for k := range sf.Packages {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

var nowUTC = func() time.Time { return time.Now().UTC() }
