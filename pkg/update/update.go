// Package update implements Runtime Artifact Lifecycle component I: a
// per-product singleton orchestrating version checks, background
// downloads, activation, and rollback atop pkg/versionstate (H) and a
// caller-supplied download function (which in turn drives E+F+G). Asset
// naming itself is owned by pkg/assets; this package only sequences the
// check-download-activate-rollback state machine around it.
package update

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/leptonai/nrtd/pkg/errdefs"
	"github.com/leptonai/nrtd/pkg/log"
	"github.com/leptonai/nrtd/pkg/versionstate"
)

// DefaultLlamaServerVersion is the inference-server fallback pin: used when
// a live "latest" lookup fails for an unpinned request, and as the assumed
// current version when a forced update is given none. It is a placeholder.
const DefaultLlamaServerVersion = "b4000"

// DownloadFunc materialises a specific version, returning the directory
// that now holds it. It is supplied by the caller (internal/ambient) since only
// the caller knows how to drive E (resolve) + F (download) + G (extract)
// for its product.
type DownloadFunc func(ctx context.Context, version string, progress func(string)) (string, error)

// LatestVersionFunc resolves "latest" against the product's release
// index. Supplied by the caller for the same reason as DownloadFunc.
type LatestVersionFunc func(ctx context.Context) (string, error)

// Result is the outcome of a warmup check-and-apply call.
type Result struct {
	Kind            ResultKind
	CurrentVersion  string
	NewVersion      string
	Path            string
	Message         string
}

type ResultKind string

const (
	ResultNoUpdateNeeded ResultKind = "no_update_needed"
	ResultUpdateApplied  ResultKind = "update_applied"
	ResultFailed         ResultKind = "failed"
	ResultRollback       ResultKind = "rollback"
)

// Service is the per-artifact-key update orchestrator. Construct one per
// key via NewService; the versionstate.Store is supplied by the caller and
// may be shared between services. Each Service has its own download mutex
// serialising transfers, and a background-task registry.
type Service struct {
	Key               string // ArtifactKey this service manages.
	Store             *versionstate.Store
	VersionCheckTimeout time.Duration
	MaxVersionsToKeep int
	AutoUpdate        bool
	UpdateOnWarmup    bool

	downloadMu sync.Mutex

	tasksMu sync.Mutex
	tasks   map[string]bool
}

func NewService(key string, store *versionstate.Store) *Service {
	return &Service{
		Key:                 key,
		Store:               store,
		VersionCheckTimeout: 30 * time.Second,
		MaxVersionsToKeep:   5,
	}
}

// GetRuntimePath is the foreground entry point. It returns a
// usable path as fast as possible: an already-ready pending version wins
// immediately; otherwise the current version is downloaded cold, and an
// auto-update background check is fired off only after a path is secured.
func (s *Service) GetRuntimePath(ctx context.Context, currentVersion string, download DownloadFunc, progress func(string)) (string, error) {
	vs, err := s.Store.GetOrCreate(s.Key, currentVersion)
	if err != nil {
		return "", err
	}

	if vs.UpdateReady && vs.PendingPath != "" {
		if pathExists(vs.PendingPath) {
			activated, err := s.Store.Activate(s.Key, s.MaxVersionsToKeep)
			if err != nil {
				return "", err
			}
			return activated.InstalledPath, nil
		}
		// The pending path vanished from disk; clear readiness and fall
		// through to a fresh download below. MarkPending with an empty
		// version clears both the pending version and readiness.
		if err := s.Store.MarkPending(s.Key, ""); err != nil {
			return "", err
		}
	}

	path, err := download(ctx, currentVersion, progress)
	if err != nil {
		return "", fmt.Errorf("download current version %s: %w", currentVersion, err)
	}

	if s.AutoUpdate {
		go s.BackgroundCheck(context.Background(), currentVersion, download)
	}

	return path, nil
}

// CheckAndApply is the foreground, blocking entry point: the
// warmup entry point that resolves latest, downloads it if different, and
// activates it before returning.
func (s *Service) CheckAndApply(ctx context.Context, currentVersion string, latestFn LatestVersionFunc, download DownloadFunc, progress func(string)) Result {
	if !s.UpdateOnWarmup {
		return Result{Kind: ResultNoUpdateNeeded, CurrentVersion: currentVersion}
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.VersionCheckTimeout)
	latest, err := latestFn(checkCtx)
	cancel()
	if err != nil {
		log.Logger.Debugw("version check failed, skipping warmup update", "key", s.Key, "error", err)
		return Result{Kind: ResultNoUpdateNeeded, CurrentVersion: currentVersion}
	}

	if err := s.Store.RecordVersionCheck(s.Key, latest); err != nil {
		return Result{Kind: ResultFailed, Message: err.Error()}
	}

	vs, err := s.Store.GetOrCreate(s.Key, currentVersion)
	if err != nil {
		return Result{Kind: ResultFailed, Message: err.Error()}
	}

	if strings.EqualFold(latest, currentVersion) || containsFold(vs.FailedVersions, latest) {
		return Result{Kind: ResultNoUpdateNeeded, CurrentVersion: currentVersion}
	}

	s.downloadMu.Lock()
	newPath, err := download(ctx, latest, progress)
	s.downloadMu.Unlock()
	if err != nil {
		return Result{Kind: ResultFailed, Message: err.Error()}
	}

	if err := s.Store.MarkReady(s.Key, latest, newPath); err != nil {
		return Result{Kind: ResultFailed, Message: err.Error()}
	}
	activated, err := s.Store.Activate(s.Key, s.MaxVersionsToKeep)
	if err != nil {
		return Result{Kind: ResultFailed, Message: err.Error()}
	}

	return Result{
		Kind:           ResultUpdateApplied,
		CurrentVersion: currentVersion,
		NewVersion:     latest,
		Path:           activated.InstalledPath,
	}
}

// backgroundCheckStartupDelay staggers a background check slightly after
// it's spawned so it never competes with the foreground path's own
// just-finished transfer for bandwidth.
const backgroundCheckStartupDelay = time.Second

// BackgroundCheck is the non-blocking entry point: same shape as
// CheckAndApply but never activates (only marks ready for the next
// foreground call to pick up) and swallows errors.
func (s *Service) BackgroundCheck(ctx context.Context, currentVersion string, download DownloadFunc) {
	if !s.claimTask(s.Key) {
		return
	}
	defer s.releaseTask(s.Key)

	select {
	case <-time.After(backgroundCheckStartupDelay):
	case <-ctx.Done():
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.VersionCheckTimeout)
	latest, err := s.resolveLatestForBackground(checkCtx, currentVersion)
	cancel()
	if err != nil {
		log.Logger.Debugw("background version check failed", "key", s.Key, "error", err)
		return
	}
	if latest == "" {
		return
	}
	if vs, err := s.Store.GetOrCreate(s.Key, currentVersion); err == nil && containsFold(vs.FailedVersions, latest) {
		return
	}

	s.downloadMu.Lock()
	newPath, err := download(ctx, latest, nil)
	s.downloadMu.Unlock()
	if err != nil {
		log.Logger.Debugw("background download failed", "key", s.Key, "version", latest, "error", err)
		_ = s.Store.ClearPending(s.Key)
		return
	}

	if err := s.Store.MarkReady(s.Key, latest, newPath); err != nil {
		log.Logger.Warnw("failed to mark background download ready", "key", s.Key, "error", err)
	}
}

// resolveLatestForBackground is a seam so tests can stub latest-version
// resolution without threading a LatestVersionFunc through
// BackgroundCheck's signature (it's spawned with go, so it must not
// require the caller to keep extra state alive).
var latestResolvers sync.Map // key -> LatestVersionFunc

// RegisterLatestResolver associates a LatestVersionFunc with a service key
// so BackgroundCheck can call it.
func RegisterLatestResolver(key string, fn LatestVersionFunc) {
	latestResolvers.Store(key, fn)
}

func (s *Service) resolveLatestForBackground(ctx context.Context, currentVersion string) (string, error) {
	v, ok := latestResolvers.Load(s.Key)
	if !ok {
		return "", fmt.Errorf("%w: no latest-version resolver registered for %s", errdefs.ErrNotImplemented, s.Key)
	}
	fn := v.(LatestVersionFunc)
	latest, err := fn(ctx)
	if err != nil {
		return "", err
	}
	if strings.EqualFold(latest, currentVersion) {
		return "", nil
	}
	return latest, nil
}

func (s *Service) claimTask(key string) bool {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	if s.tasks == nil {
		s.tasks = map[string]bool{}
	}
	if s.tasks[key] {
		return false
	}
	s.tasks[key] = true
	return true
}

func (s *Service) releaseTask(key string) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	delete(s.tasks, key)
}

// StatusReport is a read-only snapshot of a Service's version state, for a
// caller-facing status command.
type StatusReport struct {
	Key               string
	InstalledVersion  string
	LatestKnownVersion string
	LastVersionCheck  time.Time
	PendingVersion    string
	UpdateReady       bool
	UpdateAvailable   bool
	FailedVersions    []string
}

// Status returns the current VersionState for this service without
// mutating it beyond the implicit GetOrCreate seed a never-before-seen key
// gets.
func (s *Service) Status() (StatusReport, error) {
	vs, err := s.Store.GetOrCreate(s.Key, "")
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{
		Key:                s.Key,
		InstalledVersion:   vs.InstalledVersion,
		LatestKnownVersion: vs.LatestKnownVersion,
		LastVersionCheck:   vs.LastVersionCheck,
		PendingVersion:     vs.PendingVersion,
		UpdateReady:        vs.UpdateReady,
		UpdateAvailable:    versionstate.UpdateAvailable(vs),
		FailedVersions:     vs.FailedVersions,
	}, nil
}

// RollbackOnLoadFailure lets the caller report that
// a just-activated version failed to load, so it must never be offered as
// an update again, and the previous version (if any) is re-materialised.
func (s *Service) RollbackOnLoadFailure(ctx context.Context, failedVersion string, download DownloadFunc) Result {
	vs, err := s.Store.Rollback(s.Key, failedVersion)
	if err != nil {
		return Result{Kind: ResultFailed, Message: err.Error()}
	}

	if vs.InstalledVersion == "" || vs.InstalledVersion == failedVersion {
		return Result{Kind: ResultFailed, Message: "no previous version available to roll back to"}
	}

	path, err := download(ctx, vs.InstalledVersion, nil)
	if err != nil {
		return Result{Kind: ResultFailed, Message: err.Error()}
	}

	return Result{
		Kind:           ResultRollback,
		CurrentVersion: failedVersion,
		NewVersion:     vs.InstalledVersion,
		Path:           path,
	}
}

// Cleanup deletes cached version directories
// that are neither the installed version nor within the retained history.
func (s *Service) Cleanup(cacheBase, product, backend string) error {
	vs, err := s.Store.GetOrCreate(s.Key, "")
	if err != nil {
		return err
	}

	keep := map[string]bool{vs.InstalledVersion: true}
	for _, pv := range vs.PreviousVersions {
		keep[pv.Version] = true
	}

	backendDir := filepath.Join(cacheBase, product, backend)
	entries, err := os.ReadDir(backendDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list %s: %w", backendDir, err)
	}

	for _, e := range entries {
		if !e.IsDir() || keep[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(backendDir, e.Name())); err != nil {
			log.Logger.Debugw("cleanup failed to remove stale version directory", "dir", e.Name(), "error", err)
		}
	}
	return nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

