// Package supervisor implements Inference Server Pool & Process
// Supervision component K: launching the native inference server as a
// child process, polling its /health endpoint until ready, capturing its
// stderr for diagnostics, and killing its process tree on explicit stop
// (and, on Linux, on parent exit). The API is Start(ctx, cfg), returning a
// running *Server with CheckHealth, Stop and StderrLog methods.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/leptonai/nrtd/pkg/errdefs"
	"github.com/leptonai/nrtd/pkg/log"
)

const (
	healthPollInterval  = 100 * time.Millisecond
	healthRequestBudget = 5 * time.Second
	defaultStartupTimeout  = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	stderrBufferCap        = 4096
)

// Config describes how to launch a server instance.
type Config struct {
	ExePath        string
	ModelPath      string
	Port           int // 0 selects a free ephemeral loopback port.
	ContextSize    int
	NGPULayers     int
	BatchSize      int
	UBatchSize     int
	Parallel       int
	FlashAttention bool
	CacheTypeK     string
	CacheTypeV     string
	NoMmap         bool
	MLock          bool
	MainGPU        *int
	RopeFreqBase   float64
	RopeFreqScale  float64
	MMProj         string
	LoraPath       string
	LoraScale      *float64
	Embedding      bool
	Reranking      bool
	Pooling        string
	ExtraArgs      []string

	NVIDIABackend   bool
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Server is a running, supervised child process.
type Server struct {
	PID       int
	Port      int
	BaseURL   string
	StartTime time.Time

	cmd             *exec.Cmd
	stderr          *ringBuffer
	shutdownTimeout time.Duration

	mu       sync.Mutex
	disposed bool
	exited   chan error
}

// Start launches the child process and blocks until it reports healthy.
func Start(ctx context.Context, cfg Config) (*Server, error) {
	port := cfg.Port
	if port == 0 {
		p, err := freeLoopbackPort()
		if err != nil {
			return nil, fmt.Errorf("select loopback port: %w", err)
		}
		port = p
	}

	args := composeArgs(cfg, port)
	cmd := exec.Command(cfg.ExePath, args...)
	cmd.Dir = workingDirFor(cfg.ExePath)
	if cfg.NVIDIABackend {
		cmd.Env = append(cmd.Environ(), "GGML_CUDA_GRAPH_OPT=1")
	}

	configureProcessGroup(cmd)

	stderr := newRingBuffer(stderrBufferCap)
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attach stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start server process: %w", err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	go captureStderr(stderrPipe, stderr)

	s := &Server{
		PID:             cmd.Process.Pid,
		Port:            port,
		BaseURL:         fmt.Sprintf("http://127.0.0.1:%d", port),
		StartTime:       time.Now(),
		cmd:             cmd,
		stderr:          stderr,
		shutdownTimeout: orDefault(cfg.ShutdownTimeout, defaultShutdownTimeout),
		exited:          exited,
	}

	startupTimeout := orDefault(cfg.StartupTimeout, defaultStartupTimeout)
	if err := s.awaitHealthy(ctx, startupTimeout); err != nil {
		_ = s.Stop(context.Background())
		return nil, err
	}

	return s, nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func (s *Server) awaitHealthy(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-s.exited:
			return fmt.Errorf("%w: server exited during startup: %v; stderr: %s",
				errdefs.ErrStartupTimeout, err, s.stderr.String())
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.CheckHealth(ctx) {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("%w: server did not become healthy within %s; stderr: %s",
					errdefs.ErrStartupTimeout, timeout, s.stderr.String())
			}
		}
	}
}

// CheckHealth issues a single GET against /health with a bounded timeout.
func (s *Server) CheckHealth(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, healthRequestBudget)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Stop kills the entire process tree and waits for exit. Double-dispose
// is safe.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	s.mu.Unlock()

	killProcessTree(s.cmd)

	select {
	case <-s.exited:
	case <-time.After(s.shutdownTimeout):
		log.Logger.Warnw("server did not exit within shutdown timeout, handles may leak", "pid", s.PID)
	case <-ctx.Done():
	}
	return nil
}

// StderrLog returns the captured stderr tail, for diagnostics.
func (s *Server) StderrLog() string {
	return s.stderr.String()
}

func captureStderr(pipe io.Reader, buf *ringBuffer) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		buf.WriteLine(scanner.Text())
	}
}

func freeLoopbackPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func composeArgs(cfg Config, port int) []string {
	args := []string{
		"--model", cfg.ModelPath,
		"--port", strconv.Itoa(port),
		"--ctx-size", strconv.Itoa(cfg.ContextSize),
		"--n-gpu-layers", strconv.Itoa(cfg.NGPULayers),
		"--batch-size", strconv.Itoa(cfg.BatchSize),
		"--parallel", strconv.Itoa(cfg.Parallel),
		"--host", "127.0.0.1",
		"--cont-batching",
	}

	if cfg.UBatchSize > 0 {
		args = append(args, "--ubatch-size", strconv.Itoa(cfg.UBatchSize))
	}
	if cfg.FlashAttention {
		args = append(args, "--flash-attn")
	}
	if cfg.CacheTypeK != "" {
		args = append(args, "--cache-type-k", cfg.CacheTypeK)
	}
	if cfg.CacheTypeV != "" {
		args = append(args, "--cache-type-v", cfg.CacheTypeV)
	}
	if cfg.NoMmap {
		args = append(args, "--no-mmap")
	} else {
		args = append(args, "--mmap")
	}
	if cfg.MLock {
		args = append(args, "--mlock")
	}
	if cfg.MainGPU != nil {
		args = append(args, "--main-gpu", strconv.Itoa(*cfg.MainGPU))
	}
	if cfg.RopeFreqBase != 0 {
		args = append(args, "--rope-freq-base", strconv.FormatFloat(cfg.RopeFreqBase, 'g', -1, 64))
	}
	if cfg.RopeFreqScale != 0 {
		args = append(args, "--rope-freq-scale", strconv.FormatFloat(cfg.RopeFreqScale, 'g', -1, 64))
	}
	if cfg.MMProj != "" {
		args = append(args, "--mmproj", cfg.MMProj)
	}
	if cfg.LoraPath != "" {
		if cfg.LoraScale != nil {
			args = append(args, "--lora-scaled", cfg.LoraPath, strconv.FormatFloat(*cfg.LoraScale, 'g', -1, 64))
		} else {
			args = append(args, "--lora", cfg.LoraPath)
		}
	}

	pooling := cfg.Pooling
	if cfg.Embedding || cfg.Reranking {
		args = append(args, "--embedding")
		if cfg.Reranking && pooling == "" {
			pooling = "rank"
		}
	}
	if pooling != "" {
		args = append(args, "--pooling", pooling)
	}

	args = append(args, cfg.ExtraArgs...)
	return args
}
