//go:build windows

package gpu

import (
	"golang.org/x/sys/windows"
)

// directMLAvailable reports whether the DirectML redistributable is
// loadable on this host: Windows 10 1903 (build 18362) or later ships
// d3d12.dll, and the DirectML.dll the runtime ships alongside its binaries
// only loads on top of it.
func directMLAvailable() bool {
	major, _, build := windows.RtlGetNtVersionNumbers()
	if major > 10 {
		return true
	}
	return major == 10 && build >= 18362
}
