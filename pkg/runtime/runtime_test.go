package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leptonai/nrtd/pkg/assets"
	"github.com/leptonai/nrtd/pkg/errdefs"
	"github.com/leptonai/nrtd/pkg/gpu"
	"github.com/leptonai/nrtd/pkg/nativeloader"
	"github.com/leptonai/nrtd/pkg/platform"
)

func readyManager(t *testing.T, summary gpu.Summary) *Manager {
	t.Helper()
	m := New(nativeloader.New())
	m.ready = true
	m.plat = platform.Platform{OS: platform.OSLinux, Arch: platform.ArchX64, RuntimeIdentifier: "linux-x64", Is64Bit: true}
	m.gpus = summary
	return m
}

func TestEnsureRuntimeRequiresInitialize(t *testing.T) {
	m := New(nativeloader.New())
	product := Product{Name: "onnxruntime", SupportedProviders: map[Provider]bool{ProviderCPU: true}}

	_, err := m.EnsureRuntime(context.Background(), product, "", ProviderCPU)
	assert.ErrorIs(t, err, errdefs.ErrNotInitialized)
}

func TestFallbackChainAlwaysEndsInCPU(t *testing.T) {
	m := readyManager(t, gpu.Summary{})
	product := Product{SupportedProviders: map[Provider]bool{ProviderCPU: true}}

	chain := m.fallbackChain(product)
	require.NotEmpty(t, chain)
	assert.Equal(t, ProviderCPU, chain[len(chain)-1])
}

func TestFallbackChainCuda12BeforeDirectML(t *testing.T) {
	primary := gpu.Descriptor{
		Vendor:             gpu.VendorNVIDIA,
		CudaDriverVersion:  &gpu.DriverVersion{Major: 12, Minor: 4},
		DirectMLSupported:  true,
	}
	m := readyManager(t, gpu.Summary{GPUs: []gpu.Descriptor{primary}, Primary: &primary})

	product := Product{SupportedProviders: map[Provider]bool{
		ProviderCuda12:   true,
		ProviderDirectML: true,
		ProviderCPU:      true,
	}}

	chain := m.fallbackChain(product)
	cudaIdx := indexOf(chain, ProviderCuda12)
	dmlIdx := indexOf(chain, ProviderDirectML)
	require.GreaterOrEqual(t, cudaIdx, 0)
	require.GreaterOrEqual(t, dmlIdx, 0)
	assert.Less(t, cudaIdx, dmlIdx)
	assert.Equal(t, ProviderCPU, chain[len(chain)-1])
}

// TestFallbackChainInferenceServerUsesVulkanFallback covers a host with an
// NVIDIA GPU that also exposes DirectML (common on Windows), paired with a
// product that declares vulkan support but not directml support (the
// inference-server product's actual declared set). The chain must reach
// vulkan through the vendor-neutral Vulkan candidate that follows
// BackendForGPU's cuda12 pick, not silently skip straight to cpu.
func TestFallbackChainInferenceServerUsesVulkanFallback(t *testing.T) {
	primary := gpu.Descriptor{
		Vendor:            gpu.VendorNVIDIA,
		CudaDriverVersion: &gpu.DriverVersion{Major: 12, Minor: 4},
		DirectMLSupported: true,
	}
	m := readyManager(t, gpu.Summary{GPUs: []gpu.Descriptor{primary}, Primary: &primary})

	product := Product{SupportedProviders: map[Provider]bool{
		ProviderCPU:    true,
		ProviderCuda12: true,
		ProviderVulkan: true,
	}}

	chain := m.fallbackChain(product)
	assert.Equal(t, []Provider{ProviderCuda12, ProviderVulkan, ProviderCPU}, chain)
}

func indexOf(chain []Provider, p Provider) int {
	for i, v := range chain {
		if v == p {
			return i
		}
	}
	return -1
}

func TestEnsureRuntimeAutoFallsBackToCPU(t *testing.T) {
	m := readyManager(t, gpu.Summary{})

	var attempted []Provider
	product := Product{
		Name:               "onnxruntime",
		SupportedProviders: map[Provider]bool{ProviderCuda12: true, ProviderCPU: true},
		Ensure: func(ctx context.Context, name string, provider Provider, version string) (string, error) {
			attempted = append(attempted, provider)
			if provider == ProviderCPU {
				return "/runtime/cpu", nil
			}
			return "", errors.New("not available")
		},
	}

	path, err := m.EnsureRuntime(context.Background(), product, "", ProviderAuto)
	require.NoError(t, err)
	assert.Equal(t, "/runtime/cpu", path)
	assert.Equal(t, []Provider{ProviderCPU}, attempted)
}

func TestEnsureRuntimeExplicitProviderUnsupported(t *testing.T) {
	m := readyManager(t, gpu.Summary{})
	product := Product{Name: "onnxruntime", SupportedProviders: map[Provider]bool{ProviderCPU: true}}

	_, err := m.EnsureRuntime(context.Background(), product, "", ProviderVulkan)
	assert.ErrorIs(t, err, errdefs.ErrAssetNotAvailable)
}

func TestEnsureRuntimeCPUFailureIsTerminal(t *testing.T) {
	m := readyManager(t, gpu.Summary{})
	product := Product{
		Name:               "onnxruntime",
		SupportedProviders: map[Provider]bool{ProviderCPU: true},
		Ensure: func(ctx context.Context, name string, provider Provider, version string) (string, error) {
			return "", errors.New("disk full")
		},
	}

	_, err := m.EnsureRuntime(context.Background(), product, "", ProviderAuto)
	assert.Error(t, err)
}

func TestBackendForGPUMapping(t *testing.T) {
	assert.Equal(t, assets.BackendCPU, BackendForGPU(nil))

	assert.Equal(t, assets.BackendCuda12, BackendForGPU(&gpu.Descriptor{
		Vendor: gpu.VendorNVIDIA, CudaDriverVersion: &gpu.DriverVersion{Major: 12},
	}))
	assert.Equal(t, assets.BackendCuda13, BackendForGPU(&gpu.Descriptor{
		Vendor: gpu.VendorNVIDIA, CudaDriverVersion: &gpu.DriverVersion{Major: 13},
	}))
	assert.Equal(t, assets.BackendMetal, BackendForGPU(&gpu.Descriptor{Vendor: gpu.VendorApple}))
	assert.Equal(t, assets.BackendVulkan, BackendForGPU(&gpu.Descriptor{
		Vendor: gpu.VendorIntel, DeviceName: "Intel Iris Xe Graphics",
	}))
	assert.Equal(t, assets.BackendCPU, BackendForGPU(&gpu.Descriptor{
		Vendor: gpu.VendorIntel, DeviceName: "Intel HD Graphics 4000",
	}))
	assert.Equal(t, assets.BackendVulkan, BackendForGPU(&gpu.Descriptor{Vendor: gpu.VendorUnknown, DirectMLSupported: true}))
	assert.Equal(t, assets.BackendCPU, BackendForGPU(&gpu.Descriptor{Vendor: gpu.VendorUnknown}))
}

func TestActiveProviderRecordedAfterSuccess(t *testing.T) {
	m := readyManager(t, gpu.Summary{})
	product := Product{
		Name:               "onnxruntime",
		SupportedProviders: map[Provider]bool{ProviderCPU: true},
		Ensure: func(ctx context.Context, name string, provider Provider, version string) (string, error) {
			return "/runtime/cpu", nil
		},
	}

	_, err := m.EnsureRuntime(context.Background(), product, "", ProviderAuto)
	require.NoError(t, err)

	active, ok := m.ActiveProvider("onnxruntime")
	require.True(t, ok)
	assert.Equal(t, ProviderCPU, active)
}

func TestDisposeResetsReadyState(t *testing.T) {
	m := readyManager(t, gpu.Summary{})
	m.Dispose()

	product := Product{SupportedProviders: map[Provider]bool{ProviderCPU: true}}
	_, err := m.EnsureRuntime(context.Background(), product, "", ProviderCPU)
	assert.ErrorIs(t, err, errdefs.ErrNotInitialized)
}
