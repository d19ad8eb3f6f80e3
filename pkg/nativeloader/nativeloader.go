// Package nativeloader implements Runtime Artifact Lifecycle component D:
// a process-wide registry of directories to search for native shared
// libraries, so a just-downloaded runtime's bundled .so/.dll/.dylib files
// resolve without the caller having to mutate LD_LIBRARY_PATH/PATH for the
// whole process before it started. Follows a singleton-manager idiom: one
// instance, guarded by a mutex, reused across calls.
package nativeloader

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/leptonai/nrtd/pkg/errdefs"
	"github.com/leptonai/nrtd/pkg/log"
)

// Loader is the process-wide native library search registry. The zero
// value is not usable; use New or the package-level Default.
type Loader struct {
	mu          sync.Mutex
	directories []string
	// cookies tracks platform-specific handles returned when a directory
	// was registered with the OS loader (Windows AddDllDirectory), so
	// Unregister can release them.
	cookies map[string]uintptr
}

func New() *Loader {
	return &Loader{cookies: make(map[string]uintptr)}
}

var (
	defaultOnce sync.Once
	defaultLoader *Loader
)

// Default returns the process-wide Loader singleton every runtime
// instance shares, mirroring how a single NVML instance is reused across
// callers in an accelerator detection package.
func Default() *Loader {
	defaultOnce.Do(func() {
		defaultLoader = New()
	})
	return defaultLoader
}

// RegisterDirectory adds dir to the native library search path. On
// Windows this calls AddDllDirectory so DLLs with further transitive
// dependencies inside dir resolve too; elsewhere the directory is simply
// recorded and consulted by ResolvePath, since POSIX dynamic
// loaders honor LD_LIBRARY_PATH/DYLD_LIBRARY_PATH only at process start.
//
// primary marks dir as the runtime directory a product's main shared
// library lives in: it is inserted ahead of every previously-registered
// directory so ResolvePath prefers it over, say, a side-by-side CUDA
// toolkit directory registered earlier. preload eagerly loads every
// shared library found directly in dir at registration time rather than
// waiting for the first ResolvePath call, surfacing a missing
// transitive dependency immediately instead of at first use.
func (l *Loader) RegisterDirectory(dir string, preload bool, primary bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("%w: %s", errdefs.ErrInvalidArgument, err)
	}

	for i, existing := range l.directories {
		if existing == abs {
			if primary && i != 0 {
				l.directories = append(l.directories[:i], l.directories[i+1:]...)
				l.directories = append([]string{abs}, l.directories...)
			}
			return nil
		}
	}

	if err := l.registerDirectoryOS(abs); err != nil {
		return err
	}

	if primary {
		l.directories = append([]string{abs}, l.directories...)
	} else {
		l.directories = append(l.directories, abs)
	}
	log.Logger.Debugw("registered native library search directory", "dir", abs, "primary", primary)

	if preload {
		l.preloadDirectory(abs)
	}
	return nil
}

// preloadDirectory eagerly loads every platform-conventional shared
// library found directly in dir, logging but not failing on a load
// error: ResolvePath remains the authoritative path for callers
// that need to know whether a specific library is actually usable.
func (l *Loader) preloadDirectory(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isNativeLibraryFilename(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := l.preloadFileOS(path); err != nil {
			log.Logger.Debugw("preload native library failed", "path", path, "error", err)
		}
	}
}

func isNativeLibraryFilename(name string) bool {
	switch runtime.GOOS {
	case "windows":
		return strings.HasSuffix(strings.ToLower(name), ".dll")
	case "darwin":
		return strings.Contains(name, ".dylib")
	default:
		return strings.Contains(name, ".so")
	}
}

// UnregisterDirectory releases any OS-level handle for dir and stops
// considering it in ResolvePath.
func (l *Loader) UnregisterDirectory(dir string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("%w: %s", errdefs.ErrInvalidArgument, err)
	}

	for i, existing := range l.directories {
		if existing == abs {
			l.directories = append(l.directories[:i], l.directories[i+1:]...)
			l.unregisterDirectoryOS(abs)
			return nil
		}
	}
	return nil
}

// Directories returns a snapshot of the currently registered search
// directories, in search order (primary directories first).
func (l *Loader) Directories() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.directories))
	copy(out, l.directories)
	return out
}

// ResolvePath finds name (with or without the platform's conventional
// prefix/suffix) among the registered directories and returns the first
// match's absolute path. name is normalised before comparison so callers
// can pass a bare module name ("cudnn") or a platform-specific filename
// ("libcudnn.so.9") interchangeably.
func (l *Loader) ResolvePath(name string) (string, error) {
	normalised := normaliseName(name)
	candidates := platformFilenames(normalised)

	l.mu.Lock()
	dirs := make([]string, len(l.directories))
	copy(dirs, l.directories)
	l.mu.Unlock()

	for _, dir := range dirs {
		for _, candidate := range candidates {
			path := filepath.Join(dir, candidate)
			if fileExists(path) {
				return path, nil
			}
		}
	}

	return "", fmt.Errorf("%w: %s not found in any registered directory", errdefs.ErrNotFound, name)
}

// normaliseName strips the platform's conventional prefix ("lib") and
// versioned suffixes (".so", ".so.1", ".so.1.2", ".dll", ".dylib",
// ".1.dylib") so names can be compared regardless of how they were
// spelled by the caller or the artifact's release metadata.
func normaliseName(name string) string {
	base := filepath.Base(name)
	base = strings.TrimPrefix(base, "lib")

	for {
		ext := filepath.Ext(base)
		switch {
		case ext == ".so", ext == ".dll", ext == ".dylib":
			base = strings.TrimSuffix(base, ext)
			continue
		case isNumericVersionSuffix(ext):
			base = strings.TrimSuffix(base, ext)
			continue
		}
		return base
	}
}

func isNumericVersionSuffix(ext string) bool {
	trimmed := strings.TrimPrefix(ext, ".")
	if trimmed == "" {
		return false
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func platformFilenames(normalised string) []string {
	switch runtime.GOOS {
	case "windows":
		return []string{normalised + ".dll"}
	case "darwin":
		return []string{"lib" + normalised + ".dylib"}
	default:
		return []string{"lib" + normalised + ".so"}
	}
}
