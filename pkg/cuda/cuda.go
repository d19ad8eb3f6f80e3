// Package cuda implements Hardware & Capability Detection component C:
// locating every usable CUDA toolkit and cuDNN installation on the host
// without requiring either to be on PATH, via an env-var-then-standard-
// path-then-subprocess-probe cascade, shelling out with a bounded timeout
// and regex-parsing version output the way a driver version probe would.
// Multiple toolkit generations commonly coexist side by side (the NVIDIA
// Windows installer keeps every version it has ever installed under its
// own v{M}.{N} directory and a matching CUDA_PATH_V{M}_{N} variable), so
// detection enumerates every install rather than assuming exactly one.
package cuda

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/leptonai/nrtd/pkg/log"
)

// Version is a parsed CUDA or cuDNN toolkit version.
type Version struct {
	Major int
	Minor int
	Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Environment is the outcome of locating a CUDA/cuDNN installation on
// this host: the newest install found, kept for backward-compatible
// single-install callers. Installs carries every install detected,
// newest first; callers that need a specific major (backend selection,
// DLL search path construction) should use CheckCuda/DLLSearchPaths
// instead of assuming CudaVersion is the right one.
type Environment struct {
	CudaHome      string
	CudaVersion   *Version
	CudnnPresent  bool
	CudnnVersion  *Version
	LibrarySearchPaths []string

	Installs []CudaInstall
}

// CudaInstall describes one discovered CUDA toolkit installation.
type CudaInstall struct {
	Version      Version
	Root         string
	LibraryPaths []string
}

// CuDnnInstall describes one discovered cuDNN installation, which may
// live inside a CudaInstall's own root or be installed separately.
type CuDnnInstall struct {
	Version Version
	Root    string
}

// nvccTimeout bounds the `nvcc --version` subprocess probe so a hung or
// misbehaving toolchain install can never stall startup.
const nvccTimeout = 5 * time.Second

var (
	once   sync.Once
	cached Environment
)

// Detect locates the CUDA toolkit and cuDNN, memoised for the process
// lifetime. It never errors: an unfound toolkit simply yields a zero-value
// Environment, and callers (pkg/runtime's provider fallback chain) treat
// that as "CUDA backend unavailable" rather than a fatal condition.
func Detect() Environment {
	once.Do(func() {
		cached = detect()
	})
	return cached
}

// Reset clears the memoised result. Tests only.
func Reset() {
	once = sync.Once{}
	cached = Environment{}
}

func detect() Environment {
	installs := detectAllCudaInstalls()
	if len(installs) == 0 {
		log.Logger.Debugw("cuda home not found")
		return Environment{}
	}

	newest := installs[0]
	env := Environment{
		CudaHome:           newest.Root,
		CudaVersion:        &newest.Version,
		LibrarySearchPaths: newest.LibraryPaths,
		Installs:           installs,
	}

	if v, ok := cudnnVersion(newest.Root); ok {
		env.CudnnPresent = true
		env.CudnnVersion = &v
	}

	return env
}

// detectAllCudaInstalls finds every CUDA toolkit root reachable through
// the env-var cascade or the OS-conventional install locations, resolves
// each root's version, and returns them newest-first.
func detectAllCudaInstalls() []CudaInstall {
	var roots []string
	seen := map[string]bool{}
	addRoot := func(p string) {
		if p == "" {
			return
		}
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			return
		}
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			return
		}
		seen[abs] = true
		roots = append(roots, abs)
	}

	for _, name := range cudaHomeEnvVars {
		addRoot(os.Getenv(name))
	}
	for _, v := range versionedCudaPathEnvVars() {
		addRoot(v)
	}
	for _, p := range standardCudaPaths() {
		addRoot(p)
	}

	var installs []CudaInstall
	for _, root := range roots {
		v, err := cudaVersionFromHeader(root)
		if err != nil {
			if v, err2 := cudaVersionFromNvcc(root); err2 == nil {
				installs = append(installs, CudaInstall{Version: v, Root: root, LibraryPaths: librarySearchPaths(root)})
			} else {
				log.Logger.Debugw("cuda version unresolved", "root", root, "error", err)
			}
			continue
		}
		installs = append(installs, CudaInstall{Version: v, Root: root, LibraryPaths: librarySearchPaths(root)})
	}

	sort.Slice(installs, func(i, j int) bool {
		a, b := installs[i].Version, installs[j].Version
		if a.Major != b.Major {
			return a.Major > b.Major
		}
		if a.Minor != b.Minor {
			return a.Minor > b.Minor
		}
		return a.Patch > b.Patch
	})
	return installs
}

// cudaPathVersionedRe matches the NVIDIA Windows installer's per-version
// environment variables, e.g. CUDA_PATH_V12_4 for CUDA 12.4.
var cudaPathVersionedRe = regexp.MustCompile(`^CUDA_PATH_V(\d+)_(\d+)$`)

// versionedCudaPathEnvVars scans the process environment for
// CUDA_PATH_V{M}_{N} variables, which the NVIDIA Windows installer sets
// once per installed toolkit generation (unlike CUDA_PATH, which always
// points at whichever generation installed most recently) and
// CUDAToolkit_ROOT, which CMake's FindCUDAToolkit module reads.
func versionedCudaPathEnvVars() []string {
	var out []string
	if v := os.Getenv("CUDAToolkit_ROOT"); v != "" {
		out = append(out, v)
	}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if cudaPathVersionedRe.MatchString(name) {
			out = append(out, value)
		}
	}
	return out
}

// CheckCuda reports the newest detected CUDA installation whose major
// version matches, analogous to a toolchain's check_cuda(major) probe.
func CheckCuda(major int) (CudaInstall, bool) {
	for _, install := range Detect().Installs {
		if install.Version.Major == major {
			return install, true
		}
	}
	return CudaInstall{}, false
}

// CheckCudnn reports the cuDNN installation associated with the CUDA
// major version requested, analogous to check_cudnn(major).
func CheckCudnn(major int) (CuDnnInstall, bool) {
	install, ok := CheckCuda(major)
	if !ok {
		return CuDnnInstall{}, false
	}
	if v, ok := cudnnVersion(install.Root); ok {
		return CuDnnInstall{Version: v, Root: install.Root}, true
	}
	return CuDnnInstall{}, false
}

// DLLSearchPaths returns every directory that should be registered with
// the native loader (and, on Windows, prepended to PATH) to run a major
// build of the CUDA-accelerated inference server: the matching toolkit's
// own library directories. CheckCudnn only looks for cuDNN inside the
// toolkit root, so a cuDNN installed outside it is not added.
func DLLSearchPaths(major int) []string {
	install, ok := CheckCuda(major)
	if !ok {
		return nil
	}

	paths := append([]string(nil), install.LibraryPaths...)
	if cudnn, ok := CheckCudnn(major); ok && cudnn.Root != install.Root {
		paths = append(paths, librarySearchPaths(cudnn.Root)...)
	}
	return paths
}

// SidecarLibraryNames returns the cuBLAS/cuDNN/zlib dynamic library
// filenames a CUDA-accelerated inference-server build links against for
// the given CUDA major, in the platform's naming convention. zlib ships
// as zlibwapi.dll alongside the CUDA bin directory on Windows only; POSIX
// builds link the system zlib.
func SidecarLibraryNames(major int) []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			fmt.Sprintf("cublas64_%d.dll", major),
			cudnnLibraryName(),
			"zlibwapi.dll",
		}
	default:
		return []string{
			fmt.Sprintf("libcublas.so.%d", major),
			cudnnLibraryName(),
		}
	}
}

// cudaHomeEnvVars are checked in order; every one naming an existing
// directory contributes a root.
var cudaHomeEnvVars = []string{"CUDA_HOME", "CUDA_PATH", "CUDA_ROOT"}

// standardCudaPaths are OS-conventional install locations, checked in
// addition to the environment variables.
func standardCudaPaths() []string {
	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("ProgramFiles")
		if base == "" {
			base = `C:\Program Files`
		}
		root := filepath.Join(base, "NVIDIA GPU Computing Toolkit", "CUDA")
		entries, err := os.ReadDir(root)
		if err != nil {
			return nil
		}
		var out []string
		for _, e := range entries {
			if e.IsDir() {
				out = append(out, filepath.Join(root, e.Name()))
			}
		}
		return out
	case "linux":
		return []string{"/usr/local/cuda", "/opt/cuda", "/usr/lib/cuda"}
	default:
		return nil
	}
}

func librarySearchPaths(cudaHome string) []string {
	switch runtime.GOOS {
	case "windows":
		return []string{filepath.Join(cudaHome, "bin")}
	default:
		return []string{
			filepath.Join(cudaHome, "lib64"),
			filepath.Join(cudaHome, "lib"),
			filepath.Join(cudaHome, "targets", runtime.GOARCH+"-linux", "lib"),
		}
	}
}

var cudaDefineRe = regexp.MustCompile(`#define\s+CUDA_VERSION\s+(\d+)`)

// cudaVersionFromHeader parses the CUDA_VERSION #define out of
// include/cuda.h, which is faster and more reliable than shelling out when
// the header is present; version.json is not consulted.
func cudaVersionFromHeader(cudaHome string) (Version, error) {
	headerPath := filepath.Join(cudaHome, "include", "cuda.h")
	data, err := os.ReadFile(headerPath)
	if err != nil {
		return Version{}, err
	}

	m := cudaDefineRe.FindSubmatch(data)
	if m == nil {
		return Version{}, fmt.Errorf("CUDA_VERSION #define not found in %s", headerPath)
	}

	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return Version{}, err
	}

	// CUDA_VERSION encodes major*1000 + minor*10 (+ patch in newer headers).
	return Version{Major: n / 1000, Minor: (n % 1000) / 10}, nil
}

var nvccVersionRe = regexp.MustCompile(`release (\d+)\.(\d+)(?:, V[\d.]+\.(\d+))?`)

// cudaVersionFromNvcc shells out to `nvcc --version` with a bounded
// timeout and regex-parses the release line, following the
// subprocess-probe-with-timeout convention used elsewhere for version
// discovery.
func cudaVersionFromNvcc(cudaHome string) (Version, error) {
	nvccPath := filepath.Join(cudaHome, "bin", "nvcc")
	if runtime.GOOS == "windows" {
		nvccPath += ".exe"
	}
	if _, err := os.Stat(nvccPath); err != nil {
		return Version{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), nvccTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, nvccPath, "--version").Output()
	if err != nil {
		return Version{}, fmt.Errorf("nvcc --version: %w", err)
	}

	m := nvccVersionRe.FindSubmatch(out)
	if m == nil {
		return Version{}, fmt.Errorf("could not parse nvcc --version output")
	}

	major, _ := strconv.Atoi(string(m[1]))
	minor, _ := strconv.Atoi(string(m[2]))
	patch := 0
	if len(m) > 3 && len(m[3]) > 0 {
		patch, _ = strconv.Atoi(string(m[3]))
	}

	return Version{Major: major, Minor: minor, Patch: patch}, nil
}

var cudnnDefineRe = map[string]*regexp.Regexp{
	"major": regexp.MustCompile(`#define\s+CUDNN_MAJOR\s+(\d+)`),
	"minor": regexp.MustCompile(`#define\s+CUDNN_MINOR\s+(\d+)`),
	"patch": regexp.MustCompile(`#define\s+CUDNN_PATCHLEVEL\s+(\d+)`),
}

// cudnnVersion looks for cudnn_version.h (modern layout) or cudnn.h (older
// layout) under the CUDA home's include directory, and also under a
// CUDNN_HOME/CUDNN_PATH override, since cuDNN is frequently installed
// separately from the rest of the toolkit.
func cudnnVersion(cudaHome string) (Version, bool) {
	candidates := []string{
		filepath.Join(cudaHome, "include", "cudnn_version.h"),
		filepath.Join(cudaHome, "include", "cudnn.h"),
	}
	for _, envVar := range []string{"CUDNN_HOME", "CUDNN_PATH"} {
		if v := os.Getenv(envVar); v != "" {
			candidates = append(candidates,
				filepath.Join(v, "include", "cudnn_version.h"),
				filepath.Join(v, "include", "cudnn.h"),
			)
		}
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		major, okMajor := extractDefine(data, cudnnDefineRe["major"])
		minor, okMinor := extractDefine(data, cudnnDefineRe["minor"])
		if !okMajor || !okMinor {
			continue
		}
		patch, _ := extractDefine(data, cudnnDefineRe["patch"])

		return Version{Major: major, Minor: minor, Patch: patch}, true
	}

	return Version{}, false
}

func extractDefine(data []byte, re *regexp.Regexp) (int, bool) {
	m := re.FindSubmatch(data)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, false
	}
	return n, true
}

// cudnnLibraryName returns the dynamic library filename the native loader
// should search for, matching the platform's naming convention.
func cudnnLibraryName() string {
	switch runtime.GOOS {
	case "windows":
		return "cudnn64_9.dll"
	case "darwin":
		return "libcudnn.dylib"
	default:
		return "libcudnn.so.9"
	}
}

// TrimmedEnv strips surrounding whitespace from an env-var lookup; path
// separators are left in place.
func TrimmedEnv(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}
