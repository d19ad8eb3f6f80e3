// Package download implements Runtime Artifact Lifecycle component F: a
// resumable HTTP GET with best-effort progress reporting and an atomic
// publish step, following a tarball-download-then-rename idiom and using
// github.com/dustin/go-humanize for human-readable transfer logging
// during package installs.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/leptonai/nrtd/pkg/errdefs"
	"github.com/leptonai/nrtd/pkg/log"
)

// Phase is a coarse progress stage, reported best-effort to callers.
type Phase string

const (
	PhasePreparing   Phase = "preparing"
	PhaseDownloading Phase = "downloading"
	PhaseExtracting  Phase = "extracting"
	PhaseVerifying   Phase = "verifying"
	PhaseFinalizing  Phase = "finalizing"
	PhaseComplete    Phase = "complete"
)

// Progress is one best-effort progress report. Progress callbacks never
// synchronise with the caller: a slow or blocking callback must not stall
// the transfer, so implementations should make it non-blocking (e.g. a
// buffered channel send or direct log line) themselves.
type Progress struct {
	Filename        string
	BytesDownloaded int64
	TotalBytes      int64
	Phase           Phase
}

// ProgressFunc receives best-effort Progress reports.
type ProgressFunc func(Progress)

// lfsPointerSignature is the leading text of a Git LFS pointer file; any
// payload matching this under 1 KiB is a placeholder, not a real asset.
const lfsPointerSignature = "version https://git-lfs.github.com/spec/v1"

const lfsPointerMaxSize = 1024

// Client performs artifact downloads over a single shared *http.Client,
// tagging every request with a product-specific User-Agent.
type Client struct {
	HTTPClient *http.Client
	UserAgent  string
}

func NewClient(httpClient *http.Client, userAgent string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{HTTPClient: httpClient, UserAgent: userAgent}
}

// Download streams url into destPath, resuming from a partial
// "<destPath>.part" file if one exists, and atomically renaming into place
// on success. The caller owns destPath's parent directory (it must already
// exist).
func (c *Client) Download(ctx context.Context, url, destPath string, totalHint int64, progress ProgressFunc) error {
	report(progress, Progress{Filename: filepath.Base(destPath), Phase: PhasePreparing, TotalBytes: totalHint})

	partPath := destPath + ".part"
	var resumeFrom int64
	if info, err := os.Stat(partPath); err == nil {
		resumeFrom = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		resumeFrom = 0 // server ignored the Range header; restart from scratch.
	case http.StatusPartialContent:
		// resuming, keep resumeFrom as-is.
	case http.StatusRequestedRangeNotSatisfiable:
		// The server has nothing beyond what we already have: if our
		// .part is already the full file, treat this as success.
		if resumeFrom > 0 {
			log.Logger.Debugw("range not satisfiable, treating existing part as complete", "path", partPath)
			return finalize(partPath, destPath, progress)
		}
		return fmt.Errorf("%w: server rejected range request with no local data", errdefs.ErrUnavailable)
	default:
		return fmt.Errorf("download request: unexpected status %d", resp.StatusCode)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open part file: %w", err)
	}

	total := resumeFrom + resp.ContentLength
	if resp.ContentLength < 0 {
		total = totalHint
	}

	written, copyErr := copyWithProgress(ctx, f, resp.Body, resumeFrom, total, filepath.Base(destPath), progress)
	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("download body: %w", copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close part file: %w", closeErr)
	}

	if err := rejectLFSPointer(partPath, written); err != nil {
		return err
	}

	return finalize(partPath, destPath, progress)
}

func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, already, total int64, filename string, progress ProgressFunc) (int64, error) {
	buf := make([]byte, 256*1024)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return written, writeErr
			}
			written += int64(n)
			report(progress, Progress{
				Filename:        filename,
				BytesDownloaded: already + written,
				TotalBytes:      total,
				Phase:           PhaseDownloading,
			})
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// rejectLFSPointer is an LFS-pointer guard: a tiny
// payload whose leading bytes are a Git LFS pointer signature is not a
// real model/archive, regardless of what the server claimed.
func rejectLFSPointer(partPath string, size int64) error {
	if size >= lfsPointerMaxSize {
		return nil
	}

	f, err := os.Open(partPath)
	if err != nil {
		return nil // best-effort guard; a stat/open failure isn't this check's problem.
	}
	defer f.Close()

	head := make([]byte, len(lfsPointerSignature))
	n, _ := io.ReadFull(f, head)
	if n >= len(lfsPointerSignature) && string(head) == lfsPointerSignature {
		return fmt.Errorf("%w: payload is a git-lfs pointer, not the real asset", errdefs.ErrLfsPointer)
	}
	return nil
}

func finalize(partPath, destPath string, progress ProgressFunc) error {
	report(progress, Progress{Filename: filepath.Base(destPath), Phase: PhaseFinalizing})

	if err := os.Rename(partPath, destPath); err != nil {
		return fmt.Errorf("publish downloaded file: %w", err)
	}

	if info, err := os.Stat(destPath); err == nil {
		log.Logger.Infow("download complete", "path", destPath, "size", humanize.Bytes(uint64(info.Size())))
	}

	report(progress, Progress{Filename: filepath.Base(destPath), Phase: PhaseComplete})
	return nil
}

func report(progress ProgressFunc, p Progress) {
	if progress == nil {
		return
	}
	progress(p)
}
