// Package pool implements Inference Server Pool & Process Supervision
// component M: a fingerprint-keyed multiplexer over pkg/supervisor (K) +
// pkg/serverclient (L), with lease/release accounting, idle eviction, and
// a capacity cap. Follows a singleton-manager idiom (New(start) /
// StartCleanupTimer / Dispose), generalised from "package install manager" to "server
// instance pool manager", and exposes github.com/prometheus/client_golang
// gauges for pool occupancy.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/leptonai/nrtd/pkg/errdefs"
	"github.com/leptonai/nrtd/pkg/log"
	"github.com/leptonai/nrtd/pkg/serverclient"
	"github.com/leptonai/nrtd/pkg/supervisor"
)

// Fingerprint is the subset of server configuration the pool uses to
// decide reuse.
type Fingerprint struct {
	ModelPath   string
	Backend     string
	ContextSize int
}

func (f Fingerprint) Key() string {
	return fmt.Sprintf("%s|%s|%d", f.ModelPath, f.Backend, f.ContextSize)
}

// StartFunc launches a new server for a lease miss; injected so the pool
// doesn't need to know how to build a supervisor.Config itself.
type StartFunc func(ctx context.Context, fp Fingerprint) (*supervisor.Server, error)

// pooledServer is a live child process + HTTP client pair owned by the
// pool, distinguished from a Lease held by a caller.
type pooledServer struct {
	fingerprint Fingerprint
	server      *supervisor.Server
	client      *serverclient.Client

	mu        sync.Mutex
	leaseCount int
	lastUsed   time.Time
	disposed   bool
}

func (p *pooledServer) tryLease() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return false
	}
	p.leaseCount++
	p.lastUsed = time.Now()
	return true
}

func (p *pooledServer) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.leaseCount > 0 {
		p.leaseCount--
	}
	p.lastUsed = time.Now()
}

func (p *pooledServer) inUse() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leaseCount > 0
}

// Lease is a caller's handle on a PooledServer. Release must be called
// exactly once; a dropped Lease that never releases is a library bug
// detectable only by a leaseCount imbalance.
type Lease struct {
	Client *serverclient.Client
	pooled *pooledServer
}

func (l *Lease) Release() {
	l.pooled.release()
}

var poolSizeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "nrtd_pool_servers",
	Help: "Number of pooled inference server instances, by state.",
}, []string{"state"})

func init() {
	prometheus.MustRegister(poolSizeGauge)
}

// Pool is the process-wide server multiplexer singleton.
type Pool struct {
	MaxServers  int
	IdleTimeout time.Duration
	ShutdownTimeout time.Duration
	Start       StartFunc

	mu       sync.Mutex
	createMu sync.Mutex
	servers  map[string]*pooledServer

	cleanupStop chan struct{}
	cleanupOnce sync.Once
	disposeOnce sync.Once
}

func New(start StartFunc) *Pool {
	return &Pool{
		MaxServers:      3,
		IdleTimeout:     10 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
		Start:           start,
		servers:         map[string]*pooledServer{},
	}
}

// StartCleanupTimer begins the periodic idle-eviction sweep (evictIdle);
// Dispose halts it. Safe to call at most once per Pool.
func (p *Pool) StartCleanupTimer(interval time.Duration) {
	p.cleanupOnce.Do(func() {
		p.cleanupStop = make(chan struct{})
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					p.evictIdle(context.Background())
				case <-p.cleanupStop:
					return
				}
			}
		}()
	})
}

// Lease implements the pool's lease protocol.
func (p *Pool) Lease(ctx context.Context, fp Fingerprint) (*Lease, error) {
	key := fp.Key()

	if l, ok := p.tryExistingLease(key); ok {
		return l, nil
	}

	p.createMu.Lock()
	defer p.createMu.Unlock()

	if l, ok := p.tryExistingLease(key); ok {
		return l, nil
	}

	if p.aliveCount() >= p.MaxServers {
		if err := p.evictOneIdle(ctx); err != nil {
			return nil, err
		}
	}

	srv, err := p.Start(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("start pooled server: %w", err)
	}

	ps := &pooledServer{
		fingerprint: fp,
		server:      srv,
		client:      serverclient.New(srv.BaseURL, nil),
		lastUsed:    time.Now(),
	}
	if !ps.tryLease() {
		return nil, fmt.Errorf("%w: newly started server rejected lease", errdefs.ErrPoolExhausted)
	}

	p.mu.Lock()
	p.servers[key] = ps
	p.mu.Unlock()

	p.updateMetrics()
	return &Lease{Client: ps.client, pooled: ps}, nil
}

func (p *Pool) tryExistingLease(key string) (*Lease, bool) {
	p.mu.Lock()
	ps, ok := p.servers[key]
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	if !ps.tryLease() {
		return nil, false
	}
	return &Lease{Client: ps.client, pooled: ps}, true
}

func (p *Pool) aliveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.servers)
}

// evictOneIdle evicts the oldest idle (!in_use && alive) server, under
// create_lock, before a new one is started over capacity.
func (p *Pool) evictOneIdle(ctx context.Context) error {
	p.mu.Lock()
	var oldestKey string
	var oldest time.Time
	for key, ps := range p.servers {
		if ps.inUse() {
			continue
		}
		ps.mu.Lock()
		lastUsed := ps.lastUsed
		ps.mu.Unlock()
		if oldestKey == "" || lastUsed.Before(oldest) {
			oldestKey, oldest = key, lastUsed
		}
	}
	var victim *pooledServer
	if oldestKey != "" {
		victim = p.servers[oldestKey]
		delete(p.servers, oldestKey)
	}
	p.mu.Unlock()

	if victim == nil {
		return fmt.Errorf("%w: capacity reached and no idle server to evict", errdefs.ErrPoolExhausted)
	}
	p.disposeServer(ctx, victim)
	return nil
}

// evictIdle is the cleanup timer sweep: evicts every server idle longer
// than IdleTimeout, plus any idle server that fails its health check. A
// leased server is not evicted, even when it no longer answers.
func (p *Pool) evictIdle(ctx context.Context) {
	p.mu.Lock()
	var victims []*pooledServer
	for key, ps := range p.servers {
		ps.mu.Lock()
		idleFor := time.Since(ps.lastUsed)
		idle := ps.leaseCount == 0
		ps.mu.Unlock()

		exited := !ps.server.CheckHealth(ctx)
		if (idle && idleFor > p.IdleTimeout) || (idle && exited) {
			victims = append(victims, ps)
			delete(p.servers, key)
		}
	}
	p.mu.Unlock()

	for _, v := range victims {
		p.disposeServer(ctx, v)
	}
	p.updateMetrics()
}

func (p *Pool) disposeServer(ctx context.Context, ps *pooledServer) {
	ps.mu.Lock()
	ps.disposed = true
	ps.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, p.ShutdownTimeout)
	defer cancel()
	if err := ps.server.Stop(shutdownCtx); err != nil {
		log.Logger.Warnw("error stopping pooled server", "error", err)
	}
}

// Status is the snapshot-only introspection payload.
type Status struct {
	Total  int
	Active int
	Idle   int
	Entries []StatusEntry
}

type StatusEntry struct {
	Key       string
	ModelPath string
	Backend   string
	InUse     bool
	LastUsed  time.Time
	PID       int
}

func (p *Pool) StatusSnapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{Total: len(p.servers)}
	keys := make([]string, 0, len(p.servers))
	for k := range p.servers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		ps := p.servers[k]
		inUse := ps.inUse()
		if inUse {
			st.Active++
		} else {
			st.Idle++
		}
		ps.mu.Lock()
		st.Entries = append(st.Entries, StatusEntry{
			Key:       k,
			ModelPath: ps.fingerprint.ModelPath,
			Backend:   ps.fingerprint.Backend,
			InUse:     inUse,
			LastUsed:  ps.lastUsed,
			PID:       ps.server.PID,
		})
		ps.mu.Unlock()
	}
	return st
}

// Dispose flushes every pooled server synchronously. Safe to call from a
// process-exit or Ctrl-C handler: the flush must happen
// complete before the handler itself returns. Safe to call more than once
// (a process-exit handler and a Ctrl-C handler may both call it) — only
// the first call stops the cleanup timer and flushes servers.
func (p *Pool) Dispose(ctx context.Context) {
	p.disposeOnce.Do(func() {
		p.disposeOnceBody(ctx)
	})
}

func (p *Pool) disposeOnceBody(ctx context.Context) {
	if p.cleanupStop != nil {
		close(p.cleanupStop)
	}

	p.mu.Lock()
	servers := make([]*pooledServer, 0, len(p.servers))
	for _, ps := range p.servers {
		servers = append(servers, ps)
	}
	p.servers = map[string]*pooledServer{}
	p.mu.Unlock()

	for _, ps := range servers {
		p.disposeServer(ctx, ps)
	}
	p.updateMetrics()
}

func (p *Pool) updateMetrics() {
	p.mu.Lock()
	total := len(p.servers)
	active := 0
	for _, ps := range p.servers {
		if ps.inUse() {
			active++
		}
	}
	p.mu.Unlock()

	poolSizeGauge.WithLabelValues("active").Set(float64(active))
	poolSizeGauge.WithLabelValues("idle").Set(float64(total - active))
}
