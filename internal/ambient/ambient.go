// Package ambient centralises the process-wide singletons — RuntimeManager,
// NativeLoader, CudaEnvironment, ServerPool, and per-backend UpdateService
// instances — into one typed context object threaded through public entry
// points, instead of package-level globals. The singleton view some
// callers still reach for is kept only as a convenience façade over this
// object.
package ambient

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/leptonai/nrtd/pkg/archive"
	"github.com/leptonai/nrtd/pkg/assets"
	"github.com/leptonai/nrtd/pkg/config"
	"github.com/leptonai/nrtd/pkg/cuda"
	"github.com/leptonai/nrtd/pkg/download"
	"github.com/leptonai/nrtd/pkg/gpu"
	"github.com/leptonai/nrtd/pkg/log"
	"github.com/leptonai/nrtd/pkg/nativeloader"
	"github.com/leptonai/nrtd/pkg/platform"
	"github.com/leptonai/nrtd/pkg/pool"
	"github.com/leptonai/nrtd/pkg/runtime"
	"github.com/leptonai/nrtd/pkg/supervisor"
	"github.com/leptonai/nrtd/pkg/update"
	"github.com/leptonai/nrtd/pkg/versionstate"
)

// llamaServerProductName is the one product this build wires end to end;
// additional products register the same way via RegisterProduct.
const llamaServerProductName = "llama-server"

// State is the ambient context a CLI or embedding process constructs once
// at startup and threads through every subsequent call.
type State struct {
	Config   *config.Config
	Platform platform.Platform
	GPUs     gpu.Summary
	CudaEnv  cuda.Environment

	Loader         *nativeloader.Loader
	RuntimeManager *runtime.Manager
	Pool           *pool.Pool
	VersionStore   *versionstate.Store
	Resolver       *assets.Resolver
	Downloader     *download.Client

	dataDir  string
	products map[string]productBinding

	pendingConfigsMu sync.Mutex
	pendingConfigs   map[string]supervisor.Config
}

type productBinding struct {
	spec     assets.ProductSpec
	services map[assets.Backend]*update.Service
	runtimeProduct runtime.Product
}

// New builds the ambient State: it detects platform/GPU/CUDA once,
// constructs the shared resolver/downloader/loader/pool, and registers the
// built-in llama-server product. cfg may be nil, in which case
// config.Default() is used.
func New(cfg *config.Config) (*State, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dataDir, err := config.ResolveDataDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	plat, err := platform.Detect()
	if err != nil {
		return nil, fmt.Errorf("ambient: detect platform: %w", err)
	}

	loader := nativeloader.Default()
	rm := runtime.New(loader)
	if err := rm.Initialize(); err != nil {
		return nil, fmt.Errorf("ambient: initialize runtime manager: %w", err)
	}

	st := &State{
		Config:         cfg,
		Platform:       plat,
		GPUs:           gpu.GetSummary(),
		CudaEnv:        cuda.Detect(),
		Loader:         loader,
		RuntimeManager: rm,
		Resolver:       assets.NewResolver(http.DefaultClient),
		Downloader:     download.NewClient(http.DefaultClient, "nrtd/1.0"),
		dataDir:        dataDir,
		products:       map[string]productBinding{},
		pendingConfigs: map[string]supervisor.Config{},
	}

	st.Pool = pool.New(st.startPooledServer)
	st.Pool.MaxServers = cfg.MaxServers
	st.Pool.IdleTimeout = cfg.IdleTimeout.Duration
	st.Pool.ShutdownTimeout = cfg.ShutdownTimeout.Duration
	st.Pool.StartCleanupTimer(cfg.PoolCleanupInterval.Duration)

	store := versionstate.NewStore(filepath.Join(dataDir, "versions.json"), versionstate.MultiProductKey)
	st.VersionStore = store

	st.RegisterProduct(assets.ProductSpec{
		Name: llamaServerProductName,
		SupportedBackends: map[assets.Backend]bool{
			assets.BackendCPU: true, assets.BackendCuda12: true, assets.BackendCuda13: true,
			assets.BackendVulkan: true, assets.BackendHip: true, assets.BackendSycl: true,
			assets.BackendMetal: true,
		},
		ReleaseIndexURL: "https://api.github.com/repos/ggml-org/llama.cpp/releases",
	})

	log.Logger.Infow("ambient state ready",
		"dataDir", dataDir,
		"platform", plat.RuntimeIdentifier,
		"gpuCount", len(st.GPUs.GPUs),
	)
	return st, nil
}

// RegisterProduct wires a new ProductSpec into the ambient state: one
// update.Service per supported backend (the on-disk state key already
// encodes product+backend+platform, see pkg/versionstate), all sharing one
// EnsureFunc that drives resolve→download→extract for whichever backend
// the Runtime Manager picks.
func (st *State) RegisterProduct(spec assets.ProductSpec) {
	services := map[assets.Backend]*update.Service{}
	supported := map[runtime.Provider]bool{}

	for backend := range spec.SupportedBackends {
		key := st.VersionStore.Key(spec.Name, string(backend), st.Platform.RuntimeIdentifier)
		svc := update.NewService(key, st.VersionStore)
		svc.MaxVersionsToKeep = st.Config.MaxVersionsToKeep
		svc.VersionCheckTimeout = st.Config.VersionCheckTimeout.Duration
		svc.AutoUpdate = st.Config.AutoUpdate
		svc.UpdateOnWarmup = st.Config.UpdateOnWarmup
		services[backend] = svc
		supported[runtime.Provider(backend)] = true

		update.RegisterLatestResolver(key, func(ctx context.Context) (string, error) {
			art, err := st.Resolver.Resolve(ctx, spec, backend, st.Platform, assets.LatestVersion)
			if err != nil {
				return "", err
			}
			return art.Version, nil
		})
	}

	rp := runtime.Product{
		Name:               spec.Name,
		SupportedProviders: supported,
		PrimaryLibraryName: spec.Name,
		UpdateService:      nil, // per-backend services live in productBinding, not the single-field façade.
		Ensure:             st.buildEnsureFunc(spec, services),
	}

	st.products[spec.Name] = productBinding{spec: spec, services: services, runtimeProduct: rp}
}

// buildEnsureFunc returns the runtime.EnsureFunc that drives E
// (pkg/assets) + F (pkg/download) + G (pkg/archive) behind the per-backend
// pkg/update.Service for a single ProductSpec.
func (st *State) buildEnsureFunc(spec assets.ProductSpec, services map[assets.Backend]*update.Service) runtime.EnsureFunc {
	return func(ctx context.Context, productName string, provider runtime.Provider, version string) (string, error) {
		backend := assets.Backend(provider)
		svc, ok := services[backend]
		if !ok {
			return "", fmt.Errorf("ambient: %s has no update service for backend %s", productName, backend)
		}

		currentVersion := version
		if currentVersion == "" || currentVersion == assets.LatestVersion {
			currentVersion = update.DefaultLlamaServerVersion
			if art, err := st.Resolver.Resolve(ctx, spec, backend, st.Platform, assets.LatestVersion); err == nil {
				currentVersion = art.Version
			} else {
				log.Logger.Debugw("latest version lookup failed, using fallback pin", "product", productName, "backend", backend, "error", err)
			}
		}

		downloadFn := func(ctx context.Context, ver string, progress func(string)) (string, error) {
			return st.acquire(ctx, spec, backend, ver, progress)
		}

		return svc.GetRuntimePath(ctx, currentVersion, downloadFn, nil)
	}
}

// acquire is the concrete E→F→G pipeline: resolve an Artifact, download its
// archive, extract it, and locate the binary root within the extracted
// tree.
func (st *State) acquire(ctx context.Context, spec assets.ProductSpec, backend assets.Backend, version string, progress func(string)) (string, error) {
	art, err := st.Resolver.Resolve(ctx, spec, backend, st.Platform, version)
	if err != nil {
		return "", err
	}

	backendDir := filepath.Join(st.dataDir, spec.Name, string(backend), art.Version)
	archivePath := filepath.Join(backendDir, "download", art.Name)

	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return "", fmt.Errorf("create download dir for %s: %w", art.Name, err)
	}

	progressFn := func(p download.Progress) {
		if progress != nil {
			progress(fmt.Sprintf("%s: %s (%d/%d bytes)", p.Phase, p.Filename, p.BytesDownloaded, p.TotalBytes))
		}
	}
	if err := st.Downloader.Download(ctx, art.URL, archivePath, art.SizeBytes, progressFn); err != nil {
		return "", fmt.Errorf("download %s: %w", art.Name, err)
	}

	extractDir := filepath.Join(backendDir, "extracted")
	if err := archive.Extract(archivePath, extractDir); err != nil {
		return "", fmt.Errorf("extract %s: %w", art.Name, err)
	}

	binaryName := binaryNameFor(st.Platform)
	root, err := archive.FindBinaryRoot(extractDir, binaryName)
	if err != nil {
		return "", fmt.Errorf("locate %s in %s: %w", binaryName, extractDir, err)
	}
	return root, nil
}

func binaryNameFor(p platform.Platform) string {
	if p.OS == platform.OSWindows {
		return "llama-server.exe"
	}
	return "llama-server"
}

// EnsureServer resolves a ready runtime directory for one product/provider
// and leases a pooled server instance from it, composing J (pkg/runtime)
// with M (pkg/pool).
func (st *State) EnsureServer(ctx context.Context, productName string, provider runtime.Provider, version string, cfg supervisor.Config) (*pool.Lease, error) {
	binding, ok := st.products[productName]
	if !ok {
		return nil, fmt.Errorf("ambient: unknown product %s", productName)
	}

	runtimeDir, err := st.RuntimeManager.EnsureRuntime(ctx, binding.runtimeProduct, version, provider)
	if err != nil {
		return nil, err
	}

	cfg.ExePath = filepath.Join(runtimeDir, binaryNameFor(st.Platform))
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = st.Config.StartupTimeout.Duration
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = st.Config.ShutdownTimeout.Duration
	}

	actual, _ := st.RuntimeManager.ActiveProvider(productName)
	fp := pool.Fingerprint{ModelPath: cfg.ModelPath, Backend: string(actual), ContextSize: cfg.ContextSize}

	// pool.StartFunc only receives the Fingerprint on a lease miss, which
	// can't reconstruct the full supervisor.Config (lora, rope scaling,
	// pooling mode, ...). Stash it keyed by the same Fingerprint.Key() the
	// pool computes internally; startPooledServer consumes it synchronously
	// from inside Lease, so the entry never outlives this call.
	st.pendingConfigsMu.Lock()
	st.pendingConfigs[fp.Key()] = cfg
	st.pendingConfigsMu.Unlock()

	lease, err := st.Pool.Lease(ctx, fp)

	st.pendingConfigsMu.Lock()
	delete(st.pendingConfigs, fp.Key())
	st.pendingConfigsMu.Unlock()

	return lease, err
}

// startPooledServer is pool.StartFunc: it composes K (pkg/supervisor)'s
// process launch with the Config EnsureServer stashed for this
// fingerprint. The pool calls this only on a lease miss.
func (st *State) startPooledServer(ctx context.Context, fp pool.Fingerprint) (*supervisor.Server, error) {
	st.pendingConfigsMu.Lock()
	cfg, ok := st.pendingConfigs[fp.Key()]
	st.pendingConfigsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ambient: no pending supervisor.Config for fingerprint %s (start a server only via EnsureServer)", fp.Key())
	}
	return supervisor.Start(ctx, cfg)
}

// TriggerUpdate forces a foreground check-and-apply for one product/backend
// regardless of the configured UpdateOnWarmup gate, for an explicit CLI
// "update" invocation, invoked on demand rather than on warmup.
func (st *State) TriggerUpdate(ctx context.Context, productName string, backend assets.Backend, currentVersion string) (update.Result, error) {
	binding, ok := st.products[productName]
	if !ok {
		return update.Result{}, fmt.Errorf("ambient: unknown product %s", productName)
	}
	svc, ok := binding.services[backend]
	if !ok {
		return update.Result{}, fmt.Errorf("ambient: %s has no update service for backend %s", productName, backend)
	}

	if currentVersion == "" {
		currentVersion = update.DefaultLlamaServerVersion
	}

	latestFn := func(ctx context.Context) (string, error) {
		art, err := st.Resolver.Resolve(ctx, binding.spec, backend, st.Platform, assets.LatestVersion)
		if err != nil {
			return "", err
		}
		return art.Version, nil
	}
	downloadFn := func(ctx context.Context, ver string, progress func(string)) (string, error) {
		return st.acquire(ctx, binding.spec, backend, ver, progress)
	}

	gate := svc.UpdateOnWarmup
	svc.UpdateOnWarmup = true
	result := svc.CheckAndApply(ctx, currentVersion, latestFn, downloadFn, nil)
	svc.UpdateOnWarmup = gate

	return result, nil
}

// ProductStatuses returns a StatusReport per backend the named product
// supports, sorted by backend name, for a caller-facing status command
// for a caller-facing status command.
func (st *State) ProductStatuses(productName string) ([]update.StatusReport, error) {
	binding, ok := st.products[productName]
	if !ok {
		return nil, fmt.Errorf("ambient: unknown product %s", productName)
	}

	backends := make([]string, 0, len(binding.services))
	for b := range binding.services {
		backends = append(backends, string(b))
	}
	sort.Strings(backends)

	reports := make([]update.StatusReport, 0, len(backends))
	for _, b := range backends {
		report, err := binding.services[assets.Backend(b)].Status()
		if err != nil {
			return nil, fmt.Errorf("status for backend %s: %w", b, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Dispose flushes the pool synchronously and disposes the Runtime Manager.
// Safe to call from a SIGINT handler as a process-exit flush.
func (st *State) Dispose(ctx context.Context) {
	st.Pool.Dispose(ctx)
	st.RuntimeManager.Dispose()
}

// WaitForShutdown blocks until ctx is cancelled, then disposes the pool
// with a bounded grace period, the synchronous-flush-before-exit a
// Ctrl-C handler needs.
func (st *State) WaitForShutdown(ctx context.Context) {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	st.Dispose(shutdownCtx)
}
