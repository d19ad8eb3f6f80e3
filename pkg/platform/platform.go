// Package platform implements Hardware & Capability Detection component A:
// OS, CPU architecture, and process bitness detection without any vendor
// SDK. Detection is memoised once per process, following the single
// memoised Detect() idiom used across accelerator/os detection probes.
package platform

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/leptonai/nrtd/pkg/errdefs"
)

// OS enumerates the operating systems the runtime lifecycle manager
// supports serving native artifacts for.
type OS string

const (
	OSWindows OS = "windows"
	OSLinux   OS = "linux"
	OSMacOS   OS = "macos"
)

// Arch enumerates the supported CPU architectures.
type Arch string

const (
	ArchX64   Arch = "x64"
	ArchArm64 Arch = "arm64"
)

// Platform is the immutable-per-process detection result.
type Platform struct {
	OS               OS
	Arch             Arch
	RuntimeIdentifier string
	Is64Bit          bool
}

var (
	once   sync.Once
	cached Platform
	cachedErr error
)

// Detect returns the memoised Platform for this process. A 32-bit host is
// not an error here — it is only rejected later, by the GPU provider
// fallback chain, for accelerated backends; CPU-only remains valid.
func Detect() (Platform, error) {
	once.Do(func() {
		cached, cachedErr = detect()
	})
	return cached, cachedErr
}

// MustDetect panics if detection fails. It exists for call sites (CLI
// commands) that can't meaningfully continue without a platform.
func MustDetect() Platform {
	p, err := Detect()
	if err != nil {
		panic(err)
	}
	return p
}

func detect() (Platform, error) {
	var goos OS
	switch runtime.GOOS {
	case "windows":
		goos = OSWindows
	case "linux":
		goos = OSLinux
	case "darwin":
		goos = OSMacOS
	default:
		return Platform{}, fmt.Errorf("%w: unsupported GOOS %q", errdefs.ErrUnsupportedPlatform, runtime.GOOS)
	}

	var arch Arch
	switch runtime.GOARCH {
	case "amd64":
		arch = ArchX64
	case "arm64":
		arch = ArchArm64
	default:
		// 32-bit or otherwise unrecognised architectures are not rejected
		// outright: the caller still gets a Platform value (Is64Bit=false)
		// and can choose to permit CPU-only use.
		arch = Arch(runtime.GOARCH)
	}

	is64 := arch == ArchX64 || arch == ArchArm64

	return Platform{
		OS:                goos,
		Arch:              arch,
		RuntimeIdentifier: fmt.Sprintf("%s-%s", goos, arch),
		Is64Bit:           is64,
	}, nil
}

// SupportsAcceleration reports whether the platform may use any GPU-backed
// backend. 32-bit hosts are rejected for acceleration but remain valid for
// cpu-only serving.
func (p Platform) SupportsAcceleration() bool {
	return p.Is64Bit
}
