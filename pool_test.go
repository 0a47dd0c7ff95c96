package mssql

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdskit/mssql/msdsn"
)

// echoDialPool builds a pool whose connections talk to a scripted
// server that answers every request with a bare DONE.
func echoDialPool(t *testing.T, cfg PoolConfig) *Pool {
	t.Helper()
	p, err := NewPool(NewConnectorConfig(msdsn.Config{}), cfg)
	require.NoError(t, err)
	p.dial = func(ctx context.Context) (*Conn, error) {
		c, srv := newTestConn(t)
		go func() {
			for {
				_, _, err := srv.tryReadRequest()
				if err != nil {
					return
				}
				srv.respond(doneToken(doneCount, 1))
			}
		}()
		return c, nil
	}
	return p
}

// Scenario: pool of two, both in use; a third checkout with a 50 ms
// acquire timeout resolves with ErrPoolExhausted and exactly one
// failed-checkout tick, leaving the in-use connections alone.
func TestPoolExhaustion(t *testing.T) {
	p := echoDialPool(t, PoolConfig{MaxConnections: 2, AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	h1, err := p.Get(ctx)
	require.NoError(t, err)
	h2, err := p.Get(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Get(ctx)
	elapsed := time.Since(start)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	m := p.Metrics()
	assert.Equal(t, uint64(1), m.CheckoutsFailed)
	assert.Equal(t, uint64(2), m.CheckoutsSuccessful)

	assert.Equal(t, "ready", h1.Conn().State(), "in-use connection unaffected")
	assert.Equal(t, "ready", h2.Conn().State())

	h1.Release(ctx)
	h2.Release(ctx)
}

func TestPoolReuseAndStatus(t *testing.T) {
	p := echoDialPool(t, PoolConfig{MaxConnections: 4})
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)
	first := h.Conn()

	s := p.Status()
	assert.Equal(t, PoolStatus{Available: 0, InUse: 1, Total: 1, Max: 4}, s)
	assert.Equal(t, float64(25), s.Utilization())
	assert.False(t, s.IsAtCapacity())

	h.Release(ctx)
	s = p.Status()
	assert.Equal(t, PoolStatus{Available: 1, InUse: 0, Total: 1, Max: 4}, s)

	h, err = p.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, first, h.Conn(), "idle connection is reused")
	h.Release(ctx)

	m := p.Metrics()
	assert.Equal(t, uint64(1), m.ConnectionsCreated)
	assert.Equal(t, uint64(0), m.ConnectionsClosed)
}

// available + in_use = total <= max at every snapshot;
// connections_created >= connections_closed always.
func TestPoolInvariants(t *testing.T) {
	p := echoDialPool(t, PoolConfig{MaxConnections: 3})
	ctx := context.Background()

	check := func() {
		s := p.Status()
		assert.Equal(t, s.Total, s.Available+s.InUse)
		assert.LessOrEqual(t, s.Total, s.Max)
		m := p.Metrics()
		assert.GreaterOrEqual(t, m.ConnectionsCreated, m.ConnectionsClosed)
	}

	check()
	var handles []*PooledConn
	for i := 0; i < 3; i++ {
		h, err := p.Get(ctx)
		require.NoError(t, err)
		handles = append(handles, h)
		check()
	}
	for _, h := range handles {
		h.Release(ctx)
		check()
	}
}

func TestPoolResetOnReturn(t *testing.T) {
	p := echoDialPool(t, PoolConfig{MaxConnections: 2})
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)
	h.Conn().resetRequired = true
	h.Release(ctx)

	m := p.Metrics()
	assert.Equal(t, uint64(1), m.ResetsPerformed)
	assert.Equal(t, uint64(0), m.ResetsFailed)
	assert.Equal(t, 1, p.Status().Available, "reset connection went back to idle")

	// The returned connection is clean again.
	h, err = p.Get(ctx)
	require.NoError(t, err)
	assert.False(t, h.Conn().ResetRequired())
	h.Release(ctx)
}

// A handle returned with an un-drained stream must not be reused
// as-is: the pool demands a reset, and since a reset cannot run while
// the message is still in flight, the connection is closed.
func TestPoolAbandonedStreamNotReused(t *testing.T) {
	p := echoDialPool(t, PoolConfig{MaxConnections: 2})
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)
	_, err = h.Conn().Query(ctx, "SELECT 1")
	require.NoError(t, err)
	h.Release(ctx) // stream never drained

	assert.Equal(t, 0, p.Status().Available)
	m := p.Metrics()
	assert.Equal(t, uint64(1), m.ResetsFailed)
	assert.Equal(t, uint64(1), m.ConnectionsClosed)
}

func TestPoolDiscardsBadConnections(t *testing.T) {
	p := echoDialPool(t, PoolConfig{MaxConnections: 2})
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)
	h.Conn().markBad()
	h.Release(ctx)

	s := p.Status()
	assert.Equal(t, 0, s.Total, "poisoned connection is closed, not pooled")
	assert.Equal(t, uint64(1), p.Metrics().ConnectionsClosed)
}

func TestPoolLifetimeEviction(t *testing.T) {
	p := echoDialPool(t, PoolConfig{MaxConnections: 2, MaxLifetime: time.Nanosecond})
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	h.Release(ctx)

	assert.Equal(t, 0, p.Status().Total, "over-lifetime connection closed on return")
}

func TestReaperEvictsIdle(t *testing.T) {
	p := echoDialPool(t, PoolConfig{
		MaxConnections:    2,
		IdleTimeout:       5 * time.Millisecond,
		HealthCheckPeriod: 10 * time.Millisecond,
	})
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)
	h.Release(ctx)
	require.Equal(t, 1, p.Status().Total)

	assert.Eventually(t, func() bool {
		return p.Status().Total == 0
	}, time.Second, 10*time.Millisecond, "reaper evicts idle connections past the allowance")
}

func TestReaperKeepsMinConnections(t *testing.T) {
	p := echoDialPool(t, PoolConfig{
		MinConnections:    1,
		MaxConnections:    2,
		IdleTimeout:       5 * time.Millisecond,
		HealthCheckPeriod: 10 * time.Millisecond,
	})
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)
	h.Release(ctx)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, p.Status().Total, "idle reaping respects the MinConnections floor")
}

func TestPoolClose(t *testing.T) {
	p := echoDialPool(t, PoolConfig{MaxConnections: 2})
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)

	idle, err := p.Get(ctx)
	require.NoError(t, err)
	idle.Release(ctx)

	go func() {
		time.Sleep(30 * time.Millisecond)
		h.Release(ctx)
	}()

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, p.Close(closeCtx))
	assert.Equal(t, 0, p.Status().Total)

	_, err = p.Get(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Closing again is a no-op.
	assert.NoError(t, p.Close(ctx))
}

func TestPoolTestOnAcquire(t *testing.T) {
	p := echoDialPool(t, PoolConfig{MaxConnections: 2, TestOnAcquire: true})
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)
	h.Release(ctx)

	// Second checkout probes the idle connection.
	h, err = p.Get(ctx)
	require.NoError(t, err)
	h.Release(ctx)

	m := p.Metrics()
	assert.Equal(t, uint64(1), m.HealthChecksPerformed)
	assert.Equal(t, uint64(0), m.HealthChecksFailed)
}

func TestPoolDetach(t *testing.T) {
	p := echoDialPool(t, PoolConfig{MaxConnections: 1})
	ctx := context.Background()

	h, err := p.Get(ctx)
	require.NoError(t, err)
	conn := h.Detach()
	require.NotNil(t, conn)
	assert.Equal(t, 0, p.Status().Total)

	// The freed slot is immediately usable.
	h2, err := p.Get(ctx)
	require.NoError(t, err)
	h2.Release(ctx)

	conn.Close()
}

func TestPoolConfigValidation(t *testing.T) {
	_, err := NewPool(NewConnectorConfig(msdsn.Config{}), PoolConfig{
		MinConnections: 5,
		MaxConnections: 2,
	})
	assert.Error(t, err)

	p, err := NewPool(NewConnectorConfig(msdsn.Config{}), PoolConfig{})
	require.NoError(t, err)
	assert.Equal(t, defaultMaxConnections, p.cfg.MaxConnections)
}

func TestPoolMetricsRates(t *testing.T) {
	m := PoolMetrics{
		CheckoutsSuccessful:   90,
		CheckoutsFailed:       10,
		HealthChecksPerformed: 100,
		HealthChecksFailed:    5,
	}
	assert.InDelta(t, 0.9, m.CheckoutSuccessRate(), 1e-9)
	assert.InDelta(t, 0.95, m.HealthCheckSuccessRate(), 1e-9)

	empty := PoolMetrics{}
	assert.Equal(t, float64(1), empty.CheckoutSuccessRate())
	assert.Equal(t, float64(1), empty.HealthCheckSuccessRate())
}
