package cuda

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCudaInstall(t *testing.T, major, minor int) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "include"), 0o755))
	header := fmt.Sprintf("#define CUDA_VERSION %d\n", major*1000+minor*10)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "include", "cuda.h"), []byte(header), 0o644))
	return dir
}

func clearCudaEnv(t *testing.T) {
	t.Helper()
	for _, name := range cudaHomeEnvVars {
		t.Setenv(name, "")
	}
	t.Setenv("CUDAToolkit_ROOT", "")
}

func TestDetectAllCudaInstallsFromEnv(t *testing.T) {
	clearCudaEnv(t)
	dir := setupCudaInstall(t, 12, 4)
	t.Setenv("CUDA_HOME", dir)
	Reset()
	t.Cleanup(Reset)

	installs := detectAllCudaInstalls()
	require.Len(t, installs, 1)
	assert.Equal(t, dir, installs[0].Root)
	assert.Equal(t, 12, installs[0].Version.Major)
}

func TestDetectAllCudaInstallsNotFound(t *testing.T) {
	clearCudaEnv(t)
	if len(standardCudaPaths()) > 0 {
		t.Skip("standard CUDA paths exist on this host, cannot assert not-found")
	}

	assert.Empty(t, detectAllCudaInstalls())
}

func TestCheckCudaPicksNewestMatchingMajor(t *testing.T) {
	clearCudaEnv(t)
	older := setupCudaInstall(t, 11, 8)
	newer := setupCudaInstall(t, 12, 4)
	t.Setenv("CUDA_HOME", older)
	t.Setenv("CUDA_PATH", newer)
	Reset()
	t.Cleanup(Reset)

	install, ok := CheckCuda(12)
	require.True(t, ok)
	assert.Equal(t, newer, install.Root)

	install, ok = CheckCuda(11)
	require.True(t, ok)
	assert.Equal(t, older, install.Root)

	_, ok = CheckCuda(13)
	assert.False(t, ok)
}

func TestVersionedCudaPathEnvVars(t *testing.T) {
	clearCudaEnv(t)
	dir := setupCudaInstall(t, 12, 4)
	t.Setenv("CUDA_PATH_V12_4", dir)
	Reset()
	t.Cleanup(Reset)

	install, ok := CheckCuda(12)
	require.True(t, ok)
	assert.Equal(t, dir, install.Root)
}

func TestDLLSearchPathsUnknownMajor(t *testing.T) {
	clearCudaEnv(t)
	Reset()
	t.Cleanup(Reset)

	assert.Nil(t, DLLSearchPaths(12))
}

func TestCudaVersionFromHeader(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "include"), 0o755))
	header := "#define CUDA_VERSION 12040\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "include", "cuda.h"), []byte(header), 0o644))

	v, err := cudaVersionFromHeader(dir)
	require.NoError(t, err)
	assert.Equal(t, 12, v.Major)
	assert.Equal(t, 4, v.Minor)
}

func TestCudaVersionFromHeaderMissing(t *testing.T) {
	_, err := cudaVersionFromHeader(t.TempDir())
	assert.Error(t, err)
}

func TestCudnnVersionFromHeader(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "include"), 0o755))
	header := "#define CUDNN_MAJOR 9\n#define CUDNN_MINOR 1\n#define CUDNN_PATCHLEVEL 0\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "include", "cudnn_version.h"), []byte(header), 0o644))

	v, ok := cudnnVersion(dir)
	require.True(t, ok)
	assert.Equal(t, Version{Major: 9, Minor: 1, Patch: 0}, v)
}

func TestCudnnVersionAbsent(t *testing.T) {
	_, ok := cudnnVersion(t.TempDir())
	assert.False(t, ok)
}

func TestLibrarySearchPaths(t *testing.T) {
	paths := librarySearchPaths("/opt/cuda")
	assert.NotEmpty(t, paths)
	if runtime.GOOS == "windows" {
		assert.Contains(t, paths[0], "bin")
	} else {
		assert.Contains(t, paths[0], "lib")
	}
}

func TestVersionString(t *testing.T) {
	v := Version{Major: 12, Minor: 4, Patch: 1}
	assert.Equal(t, "12.4.1", v.String())
}

func TestDetectMemoisedAndNeverErrors(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	env1 := Detect()
	env2 := Detect()
	assert.Equal(t, env1, env2)
}

func TestCudnnLibraryNameMatchesOS(t *testing.T) {
	name := cudnnLibraryName()
	switch runtime.GOOS {
	case "windows":
		assert.Contains(t, name, ".dll")
	case "darwin":
		assert.Contains(t, name, ".dylib")
	default:
		assert.Contains(t, name, ".so")
	}
}
