//go:build darwin

// Apple Silicon / Intel Mac GPU classification. There is no vendor SDK to
// query here: Apple Silicon Macs expose a single unified-memory GPU that is
// always present, so on arm64 we synthesize one Descriptor from the host's
// physical memory (the GPU shares it) rather than walking IOKit: classify
// rather than enumerate, for this platform. Intel Macs are reported as a
// generic Apple GPU with no memory claim;
// CoreML availability is what actually gates acceleration there.
package gpu

import (
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/leptonai/nrtd/pkg/log"
)

func init() {
	registerProber(&appleProber{})
}

type appleProber struct{}

func (p *appleProber) name() string { return "apple" }

func (p *appleProber) probe() ([]Descriptor, error) {
	if runtime.GOARCH != "arm64" {
		// Intel Macs: no unified GPU to measure; CoreML (if available)
		// gets OR-ed onto this descriptor by detectAll.
		return []Descriptor{{Vendor: VendorApple, DeviceName: "Apple GPU"}}, nil
	}

	name := appleChipName()
	mem := appleUnifiedMemoryBytes()

	return []Descriptor{{
		Vendor:           VendorApple,
		DeviceName:       name,
		TotalMemoryBytes: mem,
		CoreMLSupported:  true,
	}}, nil
}

func appleChipName() string {
	out, err := exec.Command("sysctl", "-n", "machdep.cpu.brand_string").Output()
	if err != nil {
		log.Logger.Debugw("sysctl brand_string failed", "error", err)
		return "Apple Silicon"
	}
	return strings.TrimSpace(string(out))
}

func appleUnifiedMemoryBytes() uint64 {
	out, err := exec.Command("sysctl", "-n", "hw.memsize").Output()
	if err != nil {
		log.Logger.Debugw("sysctl hw.memsize failed", "error", err)
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
