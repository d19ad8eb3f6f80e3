//go:build !windows

package nativeloader

// registerDirectoryOS is a no-op off Windows: POSIX dynamic loaders only
// consult LD_LIBRARY_PATH/DYLD_LIBRARY_PATH at process start, so
// ResolvePath is the only mechanism available for directories registered
// after launch.
func (l *Loader) registerDirectoryOS(dir string) error { return nil }

func (l *Loader) unregisterDirectoryOS(dir string) {}

// preloadFileOS is a no-op off Windows: eagerly dlopen-ing a shared
// library from pure Go needs cgo, which this module avoids elsewhere;
// POSIX loaders resolve lazily via ResolvePath instead.
func (l *Loader) preloadFileOS(path string) error { return nil }
