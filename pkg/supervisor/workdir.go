package supervisor

import "path/filepath"

// workingDirFor returns exePath's containing directory so the OS loader
// finds colocated shared libraries the same way it would if the binary
// were launched from a shell inside that directory.
func workingDirFor(exePath string) string {
	return filepath.Dir(exePath)
}
