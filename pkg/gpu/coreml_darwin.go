//go:build darwin

package gpu

import (
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/leptonai/nrtd/pkg/log"
)

// coreMLAvailable is the CoreML availability gate: Apple Silicon
// always qualifies (CoreML has shipped since the first arm64 Mac), Intel
// Macs need macOS 10.13 (the first release with the Neural Engine
// compiler toolchain) or later.
func coreMLAvailable() bool {
	if runtime.GOARCH == "arm64" {
		return true
	}

	major, minor, err := macOSVersion()
	if err != nil {
		log.Logger.Debugw("sw_vers lookup failed, assuming no CoreML", "error", err)
		return false
	}
	if major > 10 {
		return true
	}
	return major == 10 && minor >= 13
}

func macOSVersion() (int, int, error) {
	out, err := exec.Command("sw_vers", "-productVersion").Output()
	if err != nil {
		return 0, 0, err
	}
	parts := strings.Split(strings.TrimSpace(string(out)), ".")
	if len(parts) < 2 {
		return 0, 0, nil
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return major, minor, nil
}
