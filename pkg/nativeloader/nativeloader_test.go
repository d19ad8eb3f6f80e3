package nativeloader

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormaliseName(t *testing.T) {
	cases := map[string]string{
		"libcudnn.so.9":   "cudnn",
		"libcudnn.so":     "cudnn",
		"cudnn64_9.dll":   "cudnn64_9",
		"libllama.dylib":  "llama",
		"libggml.so.1.2":  "ggml",
	}
	for in, want := range cases {
		assert.Equal(t, want, normaliseName(in), "normaliseName(%q)", in)
	}
}

func TestRegisterDirectoryDeduplicates(t *testing.T) {
	l := New()
	dir := t.TempDir()

	require.NoError(t, l.RegisterDirectory(dir, false, false))
	require.NoError(t, l.RegisterDirectory(dir, false, false))

	assert.Len(t, l.Directories(), 1)
}

func TestUnregisterDirectory(t *testing.T) {
	l := New()
	dir := t.TempDir()
	require.NoError(t, l.RegisterDirectory(dir, false, false))

	require.NoError(t, l.UnregisterDirectory(dir))
	assert.Empty(t, l.Directories())
}

func TestResolvePathFindsRegisteredLibrary(t *testing.T) {
	l := New()
	dir := t.TempDir()
	require.NoError(t, l.RegisterDirectory(dir, false, false))

	var filename string
	switch runtime.GOOS {
	case "windows":
		filename = "myruntime.dll"
	case "darwin":
		filename = "libmyruntime.dylib"
	default:
		filename = "libmyruntime.so"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte("stub"), 0o644))

	path, err := l.ResolvePath("myruntime")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, filename), path)
}

func TestResolvePathNotFound(t *testing.T) {
	l := New()
	require.NoError(t, l.RegisterDirectory(t.TempDir(), false, false))

	_, err := l.ResolvePath("nonexistent")
	assert.Error(t, err)
}

func TestDefaultIsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}

func TestRegisterDirectoryPrimaryFirst(t *testing.T) {
	l := New()
	toolkitDir := t.TempDir()
	runtimeDir := t.TempDir()

	require.NoError(t, l.RegisterDirectory(toolkitDir, false, false))
	require.NoError(t, l.RegisterDirectory(runtimeDir, false, true))

	assert.Equal(t, []string{runtimeDir, toolkitDir}, l.Directories())
}

func TestRegisterDirectoryPreloadIsBestEffort(t *testing.T) {
	l := New()
	dir := t.TempDir()

	var filename string
	switch runtime.GOOS {
	case "windows":
		filename = "mydep.dll"
	case "darwin":
		filename = "libmydep.dylib"
	default:
		filename = "libmydep.so"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte("stub"), 0o644))

	require.NoError(t, l.RegisterDirectory(dir, true, false))
	assert.Len(t, l.Directories(), 1)
}
