//go:build !darwin

package gpu

// coreMLAvailable is always false off macOS: CoreML is an Apple framework.
func coreMLAvailable() bool { return false }
