package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leptonai/nrtd/pkg/errdefs"
)

func rangeServingHandler(content []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			_, _ = w.Write(content)
			return
		}

		var start int
		_, err := parseRangeStart(rangeHeader, &start)
		if err != nil || start >= len(content) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content[start:])
	}
}

func parseRangeStart(header string, out *int) (int, error) {
	trimmed := strings.TrimPrefix(header, "bytes=")
	trimmed = strings.TrimSuffix(trimmed, "-")
	n, err := strconv.Atoi(trimmed)
	*out = n
	return n, err
}

func TestDownloadFullFile(t *testing.T) {
	content := []byte(strings.Repeat("A", 5000))
	srv := httptest.NewServer(rangeServingHandler(content))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "artifact.bin")
	c := NewClient(srv.Client(), "nrtd-test")

	err := c.Download(context.Background(), srv.URL, dest, int64(len(content)), nil)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadResumesFromPartialFile(t *testing.T) {
	content := []byte(strings.Repeat("B", 10000))
	srv := httptest.NewServer(rangeServingHandler(content))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "artifact.bin")
	require.NoError(t, os.WriteFile(dest+".part", content[:4000], 0o644))

	c := NewClient(srv.Client(), "nrtd-test")
	err := c.Download(context.Background(), srv.URL, dest, int64(len(content)), nil)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got, "resumed download must be byte-identical to a full download")
}

func TestDownloadRejectsLFSPointer(t *testing.T) {
	pointer := []byte("version https://git-lfs.github.com/spec/v1\noid sha256:abc\nsize 123\n")
	srv := httptest.NewServer(rangeServingHandler(pointer))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.onnx")
	c := NewClient(srv.Client(), "nrtd-test")

	err := c.Download(context.Background(), srv.URL, dest, int64(len(pointer)), nil)
	assert.ErrorIs(t, err, errdefs.ErrLfsPointer)
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "lfs pointer payload must not be published as the final artifact")
}

func TestDownloadProgressReachesComplete(t *testing.T) {
	content := []byte(strings.Repeat("C", 2048))
	srv := httptest.NewServer(rangeServingHandler(content))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "artifact.bin")
	c := NewClient(srv.Client(), "nrtd-test")

	var phases []Phase
	err := c.Download(context.Background(), srv.URL, dest, int64(len(content)), func(p Progress) {
		phases = append(phases, p.Phase)
	})
	require.NoError(t, err)
	assert.Contains(t, phases, PhasePreparing)
	assert.Contains(t, phases, PhaseDownloading)
	assert.Contains(t, phases, PhaseComplete)
}

func TestDownloadRangeNotSatisfiableWithCompletePart(t *testing.T) {
	content := []byte(strings.Repeat("D", 100))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "artifact.bin")
	require.NoError(t, os.WriteFile(dest+".part", content, 0o644))

	c := NewClient(srv.Client(), "nrtd-test")
	err := c.Download(context.Background(), srv.URL, dest, int64(len(content)), nil)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
