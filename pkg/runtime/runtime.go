// Package runtime implements Runtime Artifact Lifecycle component J: the
// top-level façade consumers call to get a ready, on-disk native runtime
// for a product. It detects platform/GPU, walks the provider fallback
// chain, drives acquisition through pkg/update, and registers the result
// with pkg/nativeloader. Follows a single-memoised-detect idiom,
// generalised from "detect this GPU" to "detect, then produce a ready
// runtime directory."
package runtime

import (
	"context"
	"fmt"
	"os"
	goruntime "runtime"
	"strings"
	"sync"

	"github.com/leptonai/nrtd/pkg/assets"
	"github.com/leptonai/nrtd/pkg/cuda"
	"github.com/leptonai/nrtd/pkg/errdefs"
	"github.com/leptonai/nrtd/pkg/gpu"
	"github.com/leptonai/nrtd/pkg/log"
	"github.com/leptonai/nrtd/pkg/nativeloader"
	"github.com/leptonai/nrtd/pkg/platform"
	"github.com/leptonai/nrtd/pkg/update"
)

// Provider is a backend selection for a given acquisition attempt. It is
// the same vocabulary as assets.Backend but kept as its own type since not
// every provider maps 1:1 onto an archive backend tag (Auto is resolved
// before ever reaching E).
type Provider string

const (
	ProviderAuto     Provider = "auto"
	ProviderCPU      Provider = "cpu"
	ProviderCuda12   Provider = "cuda12"
	ProviderCuda13   Provider = "cuda13"
	ProviderVulkan   Provider = "vulkan"
	ProviderHip      Provider = "hip"
	ProviderSycl     Provider = "sycl"
	ProviderMetal    Provider = "metal"
	ProviderDirectML Provider = "directml"
	ProviderCoreML   Provider = "coreml"
)

// EnsureFunc produces a ready runtime directory for (product, provider,
// version) — the caller-supplied glue over E (resolve) + F (download) +
// G (extract) + H (state), generalised so Manager stays product-agnostic.
type EnsureFunc func(ctx context.Context, product string, provider Provider, version string) (string, error)

// Product declares what a consumer needs resolved: its supported provider
// set and its primary library name. A ready runtime directory is
// registered with pkg/nativeloader only when PrimaryLibraryName is set.
type Product struct {
	Name               string
	SupportedProviders map[Provider]bool
	PrimaryLibraryName string
	Ensure             EnsureFunc
	UpdateService      *update.Service
}

func (p Product) supports(provider Provider) bool {
	return p.SupportedProviders[provider]
}

// Manager is the process-wide Runtime Manager singleton. initialize() is
// idempotent and guarded by initLock; after init all fields are read-only.
type Manager struct {
	initLock sync.Mutex
	ready    bool

	plat platform.Platform
	gpus gpu.Summary

	loader *nativeloader.Loader

	activeMu sync.Mutex
	active   map[string]Provider // product name -> provider last used successfully.
}

func New(loader *nativeloader.Loader) *Manager {
	if loader == nil {
		loader = nativeloader.Default()
	}
	return &Manager{loader: loader, active: map[string]Provider{}}
}

// Initialize detects platform and GPU state once; subsequent calls are
// no-ops. It never errors on an unaccelerated host — CPU-only is always a
// valid outcome.
func (m *Manager) Initialize() error {
	m.initLock.Lock()
	defer m.initLock.Unlock()

	if m.ready {
		return nil
	}

	p, err := platform.Detect()
	if err != nil {
		return fmt.Errorf("runtime manager initialize: %w", err)
	}
	m.plat = p
	m.gpus = gpu.GetSummary()
	m.ready = true

	m.setupCudaDLLSearch()

	log.Logger.Infow("runtime manager initialized",
		"platform", m.plat.RuntimeIdentifier,
		"gpuCount", len(m.gpus.GPUs),
	)
	return nil
}

// setupCudaDLLSearch, on Windows only, registers the detected CUDA
// installation's library directories with the native loader and prepends
// them to the process PATH — the only OS where a just-discovered directory isn't
// already covered by a loader environment variable set before the
// process started. A host without an NVIDIA GPU, or one whose driver
// major has no matching CUDA install, leaves PATH untouched.
func (m *Manager) setupCudaDLLSearch() {
	if m.plat.OS != platform.OSWindows {
		return
	}
	if m.gpus.Primary == nil || m.gpus.Primary.Vendor != gpu.VendorNVIDIA || m.gpus.Primary.CudaDriverVersion == nil {
		return
	}

	major := m.gpus.Primary.CudaDriverVersion.Major
	paths := cuda.DLLSearchPaths(major)
	if len(paths) == 0 {
		log.Logger.Debugw("no cuda install found for detected driver major", "major", major)
		return
	}

	for _, p := range paths {
		if err := m.loader.RegisterDirectory(p, false, false); err != nil {
			log.Logger.Warnw("register cuda dll search directory failed", "dir", p, "error", err)
		}
	}

	existing := os.Getenv("PATH")
	newPath := strings.Join(paths, string(os.PathListSeparator))
	if existing != "" {
		newPath = newPath + string(os.PathListSeparator) + existing
	}
	if err := os.Setenv("PATH", newPath); err != nil {
		log.Logger.Warnw("prepend cuda dll search directories to PATH failed", "error", err)
		return
	}
	log.Logger.Infow("cuda dll search directories registered", "major", major, "paths", paths)
}

func (m *Manager) requireReady() error {
	m.initLock.Lock()
	ready := m.ready
	m.initLock.Unlock()
	if !ready {
		return fmt.Errorf("%w: call Initialize before EnsureRuntime", errdefs.ErrNotInitialized)
	}
	return nil
}

// EnsureRuntime normalises the product request, resolves a provider (auto
// or explicit), and returns the ready runtime directory, registering it
// with pkg/nativeloader as the primary search directory when the product
// declares a primary library name.
func (m *Manager) EnsureRuntime(ctx context.Context, product Product, version string, provider Provider) (string, error) {
	if err := m.requireReady(); err != nil {
		return "", err
	}

	if provider != ProviderAuto {
		if !product.supports(provider) {
			return "", fmt.Errorf("%w: %s does not support provider %s", errdefs.ErrAssetNotAvailable, product.Name, provider)
		}
		path, err := product.Ensure(ctx, product.Name, provider, version)
		if err != nil {
			return "", err
		}
		m.activeMu.Lock()
		m.active[product.Name] = provider
		m.activeMu.Unlock()
		return path, m.register(product, path)
	}

	chain := m.fallbackChain(product)
	var lastErr error
	for _, candidate := range chain {
		path, err := product.Ensure(ctx, product.Name, candidate, version)
		if err != nil {
			if candidate == ProviderCPU {
				// CPU must never be failed past; surface whatever it
				// returned, there is nothing left to fall back to.
				return "", fmt.Errorf("cpu provider failed, no further fallback available: %w", err)
			}
			log.Logger.Warnw("provider failed, falling back", "product", product.Name, "provider", candidate, "error", err)
			lastErr = err
			continue
		}

		m.activeMu.Lock()
		m.active[product.Name] = candidate
		m.activeMu.Unlock()

		return path, m.register(product, path)
	}

	if lastErr != nil {
		return "", fmt.Errorf("all providers exhausted for %s: %w", product.Name, lastErr)
	}
	return "", fmt.Errorf("%w: no provider chain produced a candidate for %s", errdefs.ErrAssetNotAvailable, product.Name)
}

func (m *Manager) register(product Product, runtimeDir string) error {
	if product.PrimaryLibraryName == "" {
		return nil
	}
	// primary: a product's own runtime directory must win over any
	// previously registered directory (e.g. a CUDA toolkit directory from
	// dll_search_paths) when the two happen to carry same-named libraries.
	// preload: surface a missing transitive dependency at EnsureRuntime
	// time rather than at first inference-server launch.
	return m.loader.RegisterDirectory(runtimeDir, true, true)
}

// fallbackChain builds the Auto chain: BackendForGPU's pick for the primary
// GPU first (the inference-server-specific mapping), then the rest of the
// NVIDIA CUDA generation ladder, DirectML, vendor-neutral Vulkan, and
// CoreML as further candidates the product declares support for, always
// ending in cpu. Each candidate is added at most once. A 32-bit platform
// gets cpu only.
func (m *Manager) fallbackChain(product Product) []Provider {
	var chain []Provider
	seen := map[Provider]bool{}
	add := func(p Provider) {
		if !seen[p] {
			chain = append(chain, p)
			seen[p] = true
		}
	}

	primary := m.gpus.Primary
	if primary != nil && m.plat.SupportsAcceleration() {
		if product.supports(Provider(BackendForGPU(primary))) {
			add(Provider(BackendForGPU(primary)))
		}

		if primary.Vendor == gpu.VendorNVIDIA && primary.CudaDriverVersion != nil {
			major := primary.CudaDriverVersion.Major
			if major >= 13 && product.supports(ProviderCuda13) {
				add(ProviderCuda13)
			}
			if major >= 12 && product.supports(ProviderCuda12) {
				add(ProviderCuda12)
			}
		}

		if primary.DirectMLSupported && product.supports(ProviderDirectML) {
			add(ProviderDirectML)
		}

		// Vulkan is the vendor-neutral GPU fallback any accelerated host can
		// attempt once the vendor-specific pick above is exhausted or
		// unsupported by the product.
		if product.supports(ProviderVulkan) {
			add(ProviderVulkan)
		}

		if primary.CoreMLSupported && product.supports(ProviderCoreML) {
			add(ProviderCoreML)
		}
	}

	add(ProviderCPU)
	return chain
}

// BackendForGPU implements the inference-server-specific
// GPU-descriptor-to-backend mapping: it picks one backend from the detected
// GPU, which fallbackChain above uses as its first candidate.
func BackendForGPU(g *gpu.Descriptor) assets.Backend {
	if g == nil {
		return assets.BackendCPU
	}

	switch g.Vendor {
	case gpu.VendorNVIDIA:
		if g.CudaDriverVersion != nil && g.CudaDriverVersion.Major >= 13 {
			return assets.BackendCuda13
		}
		return assets.BackendCuda12
	case gpu.VendorAMD:
		// Linux ships HIP/ROCm builds; elsewhere AMD falls back to Vulkan.
		if goruntime.GOOS == "linux" {
			return assets.BackendHip
		}
		return assets.BackendVulkan
	case gpu.VendorIntel:
		if containsAny(g.DeviceName, "IRIS", "ARC", "UHD", "XE") {
			return assets.BackendVulkan
		}
		return assets.BackendCPU
	case gpu.VendorApple:
		return assets.BackendMetal
	default:
		if g.DirectMLSupported {
			return assets.BackendVulkan
		}
		return assets.BackendCPU
	}
}

func containsAny(s string, substrs ...string) bool {
	upper := strings.ToUpper(s)
	for _, sub := range substrs {
		if strings.Contains(upper, sub) {
			return true
		}
	}
	return false
}

// RecommendedProvider returns the head of the Auto fallback chain without
// actually acquiring anything — a diagnostics-only read.
func (m *Manager) RecommendedProvider(product Product) Provider {
	chain := m.fallbackChain(product)
	if len(chain) == 0 {
		return ProviderCPU
	}
	return chain[0]
}

// ActiveProvider returns the provider last used successfully to satisfy
// an EnsureRuntime call for product, if any.
func (m *Manager) ActiveProvider(productName string) (Provider, bool) {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	p, ok := m.active[productName]
	return p, ok
}

// EnvironmentSummary is the diagnostics payload returned by
// environment_summary().
type EnvironmentSummary struct {
	Platform platform.Platform
	GPUs     gpu.Summary
}

func (m *Manager) EnvironmentSummary() EnvironmentSummary {
	return EnvironmentSummary{Platform: m.plat, GPUs: m.gpus}
}

// Dispose releases the manager's acquired state so a fresh Initialize can
// run again. It does not touch on-disk artifacts or the native loader's
// registered directories — only runtime manager bookkeeping.
func (m *Manager) Dispose() {
	m.initLock.Lock()
	defer m.initLock.Unlock()
	m.ready = false
	m.activeMu.Lock()
	m.active = map[string]Provider{}
	m.activeMu.Unlock()
}
