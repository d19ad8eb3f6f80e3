//go:build !windows

package gpu

// directMLAvailable is always false off Windows: DirectML is a DirectX 12
// component.
func directMLAvailable() bool { return false }
