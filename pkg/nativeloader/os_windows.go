//go:build windows

package nativeloader

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// registerDirectoryOS calls AddDllDirectory so the directory participates
// in DLL search the same way the process's own directory does, letting a
// downloaded runtime's bundled DLLs resolve their own transitive
// dependencies without a PATH mutation.
func (l *Loader) registerDirectoryOS(dir string) error {
	ptr, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return fmt.Errorf("convert directory to UTF-16: %w", err)
	}

	cookie, err := windows.AddDllDirectory(ptr)
	if err != nil {
		return fmt.Errorf("AddDllDirectory(%s): %w", dir, err)
	}

	l.cookies[dir] = uintptr(cookie)
	return nil
}

func (l *Loader) unregisterDirectoryOS(dir string) {
	cookie, ok := l.cookies[dir]
	if !ok {
		return
	}
	delete(l.cookies, dir)
	_ = windows.RemoveDllDirectory(windows.DLL_DIRECTORY_COOKIE(cookie))
}

// preloadFileOS loads path with LOAD_WITH_ALTERED_SEARCH_PATH so the DLL's
// own transitive dependencies resolve from its containing directory first,
// the same resolution order AddDllDirectory establishes for later lookups.
func (l *Loader) preloadFileOS(path string) error {
	_, err := windows.LoadLibraryEx(path, 0, windows.LOAD_WITH_ALTERED_SEARCH_PATH)
	if err != nil {
		return fmt.Errorf("LoadLibraryEx(%s): %w", path, err)
	}
	return nil
}
