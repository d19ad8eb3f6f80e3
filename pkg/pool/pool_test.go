package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leptonai/nrtd/pkg/supervisor"
)

// fakeBackend runs a real httptest health endpoint behind each
// "started" server so supervisor.Server's CheckHealth/Stop calls have
// something real to talk to, without spawning an actual child process.
type fakeBackend struct {
	mu      sync.Mutex
	starts  int32
	servers map[string]*httptest.Server
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{servers: map[string]*httptest.Server{}}
}

func (b *fakeBackend) start(ctx context.Context, fp Fingerprint) (*supervisor.Server, error) {
	atomic.AddInt32(&b.starts, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	b.mu.Lock()
	b.servers[fp.Key()] = srv
	b.mu.Unlock()

	return &supervisor.Server{BaseURL: srv.URL, PID: int(atomic.LoadInt32(&b.starts))}, nil
}

func (b *fakeBackend) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.servers {
		s.Close()
	}
}

func TestLeaseReusesServerForSameFingerprint(t *testing.T) {
	backend := newFakeBackend()
	defer backend.closeAll()
	p := New(backend.start)

	fp := Fingerprint{ModelPath: "/m.gguf", Backend: "cpu", ContextSize: 4096}

	l1, err := p.Lease(context.Background(), fp)
	require.NoError(t, err)
	l1.Release()

	l2, err := p.Lease(context.Background(), fp)
	require.NoError(t, err)
	l2.Release()

	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.starts), "second lease should reuse the pooled server, not start a new one")
}

func TestLeaseStartsDistinctServersForDistinctFingerprints(t *testing.T) {
	backend := newFakeBackend()
	defer backend.closeAll()
	p := New(backend.start)

	l1, err := p.Lease(context.Background(), Fingerprint{ModelPath: "/a.gguf", Backend: "cpu", ContextSize: 2048})
	require.NoError(t, err)
	l1.Release()

	l2, err := p.Lease(context.Background(), Fingerprint{ModelPath: "/b.gguf", Backend: "cpu", ContextSize: 2048})
	require.NoError(t, err)
	l2.Release()

	assert.Equal(t, int32(2), atomic.LoadInt32(&backend.starts))
}

func TestLeaseEvictsIdleServerWhenAtCapacity(t *testing.T) {
	backend := newFakeBackend()
	defer backend.closeAll()
	p := New(backend.start)
	p.MaxServers = 1

	fpA := Fingerprint{ModelPath: "/a.gguf", Backend: "cpu", ContextSize: 2048}
	fpB := Fingerprint{ModelPath: "/b.gguf", Backend: "cpu", ContextSize: 2048}

	lA, err := p.Lease(context.Background(), fpA)
	require.NoError(t, err)
	lA.Release() // now idle, eligible for eviction

	lB, err := p.Lease(context.Background(), fpB)
	require.NoError(t, err)
	lB.Release()

	status := p.StatusSnapshot()
	assert.Equal(t, 1, status.Total, "capacity cap should evict the idle server before starting a new one")
	assert.Equal(t, fpB.Key(), status.Entries[0].Key)
}

func TestLeaseFailsWhenAtCapacityAndNoneIdle(t *testing.T) {
	backend := newFakeBackend()
	defer backend.closeAll()
	p := New(backend.start)
	p.MaxServers = 1

	l1, err := p.Lease(context.Background(), Fingerprint{ModelPath: "/a.gguf", Backend: "cpu", ContextSize: 2048})
	require.NoError(t, err)
	defer l1.Release()

	_, err = p.Lease(context.Background(), Fingerprint{ModelPath: "/b.gguf", Backend: "cpu", ContextSize: 2048})
	assert.Error(t, err)
}

func TestConcurrentLeasesForSameFingerprintStartExactlyOneServer(t *testing.T) {
	backend := newFakeBackend()
	defer backend.closeAll()
	p := New(backend.start)
	fp := Fingerprint{ModelPath: "/m.gguf", Backend: "cuda12", ContextSize: 8192}

	var wg sync.WaitGroup
	leases := make([]*Lease, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := p.Lease(context.Background(), fp)
			require.NoError(t, err)
			leases[i] = l
		}(i)
	}
	wg.Wait()

	for _, l := range leases {
		l.Release()
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.starts))
}

func TestEvictIdleSweepRemovesServersPastIdleTimeout(t *testing.T) {
	backend := newFakeBackend()
	defer backend.closeAll()
	p := New(backend.start)
	p.IdleTimeout = 10 * time.Millisecond

	l, err := p.Lease(context.Background(), Fingerprint{ModelPath: "/m.gguf", Backend: "cpu", ContextSize: 2048})
	require.NoError(t, err)
	l.Release()

	time.Sleep(30 * time.Millisecond)
	p.evictIdle(context.Background())

	assert.Equal(t, 0, p.StatusSnapshot().Total)
}

func TestEvictIdleSweepKeepsServersInUse(t *testing.T) {
	backend := newFakeBackend()
	defer backend.closeAll()
	p := New(backend.start)
	p.IdleTimeout = 10 * time.Millisecond

	l, err := p.Lease(context.Background(), Fingerprint{ModelPath: "/m.gguf", Backend: "cpu", ContextSize: 2048})
	require.NoError(t, err)
	defer l.Release()

	time.Sleep(30 * time.Millisecond)
	p.evictIdle(context.Background())

	assert.Equal(t, 1, p.StatusSnapshot().Total, "a leased server must never be evicted out from under its caller")
}

func TestStatusSnapshotReportsActiveAndIdleCounts(t *testing.T) {
	backend := newFakeBackend()
	defer backend.closeAll()
	p := New(backend.start)

	lActive, err := p.Lease(context.Background(), Fingerprint{ModelPath: "/a.gguf", Backend: "cpu", ContextSize: 2048})
	require.NoError(t, err)
	defer lActive.Release()

	lIdle, err := p.Lease(context.Background(), Fingerprint{ModelPath: "/b.gguf", Backend: "cpu", ContextSize: 2048})
	require.NoError(t, err)
	lIdle.Release()

	status := p.StatusSnapshot()
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 1, status.Active)
	assert.Equal(t, 1, status.Idle)
}

// TestDisposeFlushesAllServersSynchronously simulates the behaviour
// required of a SIGINT/process-exit handler: by the time Dispose
// returns, every pooled server must already have been stopped, with no
// further state left for a caller to observe.
func TestDisposeFlushesAllServersSynchronously(t *testing.T) {
	backend := newFakeBackend()
	defer backend.closeAll()
	p := New(backend.start)

	l, err := p.Lease(context.Background(), Fingerprint{ModelPath: "/a.gguf", Backend: "cpu", ContextSize: 2048})
	require.NoError(t, err)
	l.Release()

	p.Dispose(context.Background())

	assert.Equal(t, 0, p.StatusSnapshot().Total)
}

func TestLeaseIsIdempotentAcrossReleaseAndReacquire(t *testing.T) {
	backend := newFakeBackend()
	defer backend.closeAll()
	p := New(backend.start)
	fp := Fingerprint{ModelPath: "/m.gguf", Backend: "cpu", ContextSize: 2048}

	for i := 0; i < 5; i++ {
		l, err := p.Lease(context.Background(), fp)
		require.NoError(t, err)
		l.Release()
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.starts))
	assert.Equal(t, 1, p.StatusSnapshot().Total)
}
