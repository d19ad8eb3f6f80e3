// Package gpu implements Hardware & Capability Detection component B: GPU
// vendor/device/VRAM/compute-capability/driver detection without any vendor
// SDK installed. Detection is memoised once per process.
//
// Each vendor backend is a small interface wrapping its dynamic-library
// binding, created through a NewXXX() factory so it can be swapped for a
// mock in tests, with every probing step logged at debug level and any
// failure swallowed rather than propagated: a failed probe degrades
// toward CPU-only without aborting.
package gpu

import (
	"fmt"
	"sync"

	"github.com/leptonai/nrtd/pkg/log"
)

// prober is the capability interface each vendor-specific backend
// implements. Probers are registered per-OS at init time, with backing
// implementations selected per OS.
type prober interface {
	// name identifies the prober for logging.
	name() string
	// probe returns the GPUs this prober can see. An empty slice and nil
	// error both mean "nothing found"; probers must never panic.
	probe() ([]Descriptor, error)
}

var registeredProbers []prober

// registerProber is called from platform-specific init() functions
// (prober_nvml.go, prober_dxgi_windows.go, prober_apple_darwin.go).
func registerProber(p prober) {
	registeredProbers = append(registeredProbers, p)
}

var (
	once    sync.Once
	cached  []Descriptor
)

// Detect returns every GPU the registered probers can see, memoised for the
// life of the process. It never returns an error: a failed probe simply
// contributes no devices rather than aborting detection.
func Detect() []Descriptor {
	once.Do(func() {
		cached = detectAll()
	})
	return cached
}

func detectAll() []Descriptor {
	var out []Descriptor
	for _, p := range registeredProbers {
		devices, err := safeProbe(p)
		if err != nil {
			log.Logger.Warnw("gpu probe failed, degrading to next probe", "prober", p.name(), "error", err)
			continue
		}
		out = append(out, devices...)
	}

	directML := directMLAvailable()
	coreML := coreMLAvailable()
	for i := range out {
		out[i].DirectMLSupported = out[i].DirectMLSupported || directML
		out[i].CoreMLSupported = out[i].CoreMLSupported || coreML
	}

	return out
}

// safeProbe recovers from a panicking prober so one vendor's misbehaving
// binding can never take down detection for the others.
func safeProbe(p prober) (devices []Descriptor, err error) {
	defer func() {
		if r := recover(); r != nil {
			devices, err = nil, recoverToError(r)
		}
	}()
	return p.probe()
}

func recoverToError(r interface{}) error {
	if e, ok := r.(error); ok {
		return e
	}
	return fmt.Errorf("gpu prober panicked: %v", r)
}

// Primary returns the first detected GPU, preferring any non-unknown
// vendor. It returns nil when no GPU was found (CPU-only host).
func Primary() *Descriptor {
	gpus := Detect()
	if len(gpus) == 0 {
		return nil
	}
	for i := range gpus {
		if gpus[i].Vendor != VendorUnknown {
			d := gpus[i]
			return &d
		}
	}
	d := gpus[0]
	return &d
}

// GetSummary returns the full diagnostic snapshot: every GPU plus the
// chosen primary, in one call.
func GetSummary() Summary {
	gpus := Detect()
	return Summary{
		GPUs:    gpus,
		Primary: Primary(),
	}
}

// Reset clears the memoised detection result. It exists for tests; callers
// should never need it in production.
func Reset() {
	once = sync.Once{}
	cached = nil
}
