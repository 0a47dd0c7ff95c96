package mssql

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	// MinConnections is the floor below which idle connections are
	// not reaped for idleness. The pool does not pre-warm; it grows on
	// demand.
	MinConnections int
	// MaxConnections caps concurrent connections. Zero means 10.
	MaxConnections int
	// AcquireTimeout bounds how long a checkout may wait for a free
	// slot before failing with ErrPoolExhausted. Zero waits for the
	// caller's context only.
	AcquireTimeout time.Duration
	// MaxLifetime closes connections older than this on return or
	// reap. Zero disables.
	MaxLifetime time.Duration
	// IdleTimeout closes connections idle longer than this, while the
	// pool stays above MinConnections. Zero disables.
	IdleTimeout time.Duration
	// HealthCheckPeriod is the reaper tick. Zero disables the reaper.
	HealthCheckPeriod time.Duration
	// TestOnAcquire probes idle connections with a round trip before
	// handing them out; failures discard the connection and try the
	// next.
	TestOnAcquire bool
	// ProbeIdle lets the reaper ping a bounded number of idle
	// connections per tick.
	ProbeIdle bool
	// DrainTimeout bounds how long Close waits for in-use handles to
	// come back. Zero waits on the Close context only.
	DrainTimeout time.Duration
}

const defaultMaxConnections = 10

// reaperProbeLimit bounds how many idle connections one reaper tick
// may ping.
const reaperProbeLimit = 3

func (c *PoolConfig) normalize() error {
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.MinConnections < 0 || c.MinConnections > c.MaxConnections {
		return protocolErrorf("pool: MinConnections %d out of range for MaxConnections %d", c.MinConnections, c.MaxConnections)
	}
	return nil
}

type poolConn struct {
	conn      *Conn
	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
}

// Pool is a bounded, fair connection pool. Checkout order among
// waiters is FIFO, enforced by the weighted semaphore. Returned
// connections are reset when required, and evicted when past their
// lifetime or idle allowance.
type Pool struct {
	cfg       PoolConfig
	connector *Connector

	sem *semaphore.Weighted

	mu     sync.Mutex
	idle   []*poolConn // LIFO: the most recently used connection goes out first
	total  int
	closed bool

	closeCh    chan struct{}
	reaperDone chan struct{}

	createdAt time.Time

	// dial is swappable so pool behavior is testable without a
	// server.
	dial func(ctx context.Context) (*Conn, error)

	metrics poolCounters
}

type poolCounters struct {
	connsCreated     atomic.Uint64
	connsClosed      atomic.Uint64
	checkoutsOK      atomic.Uint64
	checkoutsFailed  atomic.Uint64
	healthChecks     atomic.Uint64
	healthCheckFails atomic.Uint64
	resets           atomic.Uint64
	resetFails       atomic.Uint64
}

// NewPool creates a pool over the connector.
func NewPool(connector *Connector, cfg PoolConfig) (*Pool, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:        cfg,
		connector:  connector,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConnections)),
		closeCh:    make(chan struct{}),
		reaperDone: make(chan struct{}),
		createdAt:  time.Now(),
		dial:       connector.Connect,
	}
	if cfg.HealthCheckPeriod > 0 {
		go p.reaper()
	} else {
		close(p.reaperDone)
	}
	return p, nil
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Get checks a connection out of the pool. Waiters are served in FIFO
// order; when the pool is saturated past AcquireTimeout the checkout
// fails with ErrPoolExhausted.
func (p *Pool) Get(ctx context.Context) (*PooledConn, error) {
	if p.isClosed() {
		p.metrics.checkoutsFailed.Add(1)
		return nil, ErrPoolClosed
	}

	acquireCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.AcquireTimeout > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		p.metrics.checkoutsFailed.Add(1)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrPoolExhausted
	}

	// One capacity slot is now ours until the handle is released.
	for {
		if p.isClosed() {
			p.sem.Release(1)
			p.metrics.checkoutsFailed.Add(1)
			return nil, ErrPoolClosed
		}
		pc := p.popIdle()
		if pc == nil {
			break
		}
		if p.expired(pc, time.Now()) {
			p.closeConn(pc)
			continue
		}
		if p.cfg.TestOnAcquire {
			p.metrics.healthChecks.Add(1)
			if err := pc.conn.Ping(ctx); err != nil {
				p.metrics.healthCheckFails.Add(1)
				p.closeConn(pc)
				continue
			}
		}
		pc.useCount++
		p.metrics.checkoutsOK.Add(1)
		return &PooledConn{pool: p, pc: pc}, nil
	}

	conn, err := p.dial(ctx)
	if err != nil {
		p.sem.Release(1)
		p.metrics.checkoutsFailed.Add(1)
		return nil, err
	}
	now := time.Now()
	pc := &poolConn{conn: conn, createdAt: now, lastUsed: now, useCount: 1}
	p.mu.Lock()
	p.total++
	p.mu.Unlock()
	p.metrics.connsCreated.Add(1)
	p.metrics.checkoutsOK.Add(1)
	return &PooledConn{pool: p, pc: pc}, nil
}

func (p *Pool) popIdle() *poolConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	pc := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return pc
}

func (p *Pool) expired(pc *poolConn, now time.Time) bool {
	return p.cfg.MaxLifetime > 0 && now.Sub(pc.createdAt) > p.cfg.MaxLifetime
}

// closeConn closes a connection the pool still accounts for.
func (p *Pool) closeConn(pc *poolConn) {
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
	p.metrics.connsClosed.Add(1)
	_ = pc.conn.Close()
}

// put takes a connection back. Reset-required connections get a
// server-side reset first; a failed reset closes the connection.
func (p *Pool) put(ctx context.Context, pc *poolConn) {
	defer p.sem.Release(1)

	conn := pc.conn
	if conn.Bad() || conn.state == stateClosed {
		p.closeConn(pc)
		return
	}
	// A handle returned with an un-drained stream abandoned its
	// message; the connection must prove itself with a reset before it
	// can be reused, and a reset cannot run mid-message, so it closes.
	if conn.state == stateStreaming {
		conn.resetRequired = true
	}
	if conn.ResetRequired() {
		p.metrics.resets.Add(1)
		if err := conn.Reset(ctx); err != nil {
			p.metrics.resetFails.Add(1)
			p.closeConn(pc)
			return
		}
	}
	if p.isClosed() || p.expired(pc, time.Now()) {
		p.closeConn(pc)
		return
	}
	pc.lastUsed = time.Now()
	p.mu.Lock()
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// reaper periodically evicts idle connections past their lifetime or
// idle allowance and optionally probes a bounded number per tick.
func (p *Pool) reaper() {
	defer close(p.reaperDone)
	ticker := time.NewTicker(p.cfg.HealthCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.closeCh:
			return
		case <-ticker.C:
			p.reapTick()
		}
	}
}

func (p *Pool) reapTick() {
	now := time.Now()
	var evict, probe []*poolConn

	p.mu.Lock()
	keep := p.idle[:0]
	remaining := p.total
	for _, pc := range p.idle {
		switch {
		case p.cfg.MaxLifetime > 0 && now.Sub(pc.createdAt) > p.cfg.MaxLifetime:
			evict = append(evict, pc)
			remaining--
		case p.cfg.IdleTimeout > 0 && remaining > p.cfg.MinConnections &&
			now.Sub(pc.lastUsed) > p.cfg.IdleTimeout:
			evict = append(evict, pc)
			remaining--
		default:
			if p.cfg.ProbeIdle && len(probe) < reaperProbeLimit {
				probe = append(probe, pc)
				continue
			}
			keep = append(keep, pc)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	for _, pc := range evict {
		p.closeConn(pc)
	}
	for _, pc := range probe {
		p.metrics.healthChecks.Add(1)
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthCheckPeriod)
		err := pc.conn.Ping(ctx)
		cancel()
		if err != nil {
			p.metrics.healthCheckFails.Add(1)
			p.closeConn(pc)
			continue
		}
		p.mu.Lock()
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}
}

// Close shuts the idle connections down immediately and waits for
// in-use handles to come back, bounded by DrainTimeout and the
// caller's context. After Close every checkout fails with
// ErrPoolClosed.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	close(p.closeCh)
	<-p.reaperDone

	for _, pc := range idle {
		p.closeConn(pc)
	}

	var deadline <-chan time.Time
	if p.cfg.DrainTimeout > 0 {
		timer := time.NewTimer(p.cfg.DrainTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		total := p.total
		p.mu.Unlock()
		if total == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return nil
		case <-ticker.C:
		}
	}
}

// PoolStatus is a point-in-time snapshot of pool occupancy. The
// invariant available + in_use = total <= max holds at every snapshot.
type PoolStatus struct {
	Available int
	InUse     int
	Total     int
	Max       int
}

// Utilization is the in-use share of the cap, in percent.
func (s PoolStatus) Utilization() float64 {
	if s.Max == 0 {
		return 0
	}
	return float64(s.InUse) / float64(s.Max) * 100
}

func (s PoolStatus) IsAtCapacity() bool { return s.Total >= s.Max }

// Status returns the current occupancy snapshot.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStatus{
		Available: len(p.idle),
		InUse:     p.total - len(p.idle),
		Total:     p.total,
		Max:       p.cfg.MaxConnections,
	}
}

// PoolMetrics are cumulative counters since pool creation. Individual
// counters are monotonic; cross-counter snapshots are not atomic.
type PoolMetrics struct {
	ConnectionsCreated    uint64
	ConnectionsClosed     uint64
	CheckoutsSuccessful   uint64
	CheckoutsFailed       uint64
	HealthChecksPerformed uint64
	HealthChecksFailed    uint64
	ResetsPerformed       uint64
	ResetsFailed          uint64
	Uptime                time.Duration
}

// CheckoutSuccessRate is in [0, 1]; 1 when no checkouts happened yet.
func (m PoolMetrics) CheckoutSuccessRate() float64 {
	total := m.CheckoutsSuccessful + m.CheckoutsFailed
	if total == 0 {
		return 1
	}
	return float64(m.CheckoutsSuccessful) / float64(total)
}

// HealthCheckSuccessRate is in [0, 1]; 1 when no checks ran yet.
func (m PoolMetrics) HealthCheckSuccessRate() float64 {
	if m.HealthChecksPerformed == 0 {
		return 1
	}
	return float64(m.HealthChecksPerformed-m.HealthChecksFailed) / float64(m.HealthChecksPerformed)
}

// Metrics returns the cumulative counter snapshot.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		ConnectionsCreated:    p.metrics.connsCreated.Load(),
		ConnectionsClosed:     p.metrics.connsClosed.Load(),
		CheckoutsSuccessful:   p.metrics.checkoutsOK.Load(),
		CheckoutsFailed:       p.metrics.checkoutsFailed.Load(),
		HealthChecksPerformed: p.metrics.healthChecks.Load(),
		HealthChecksFailed:    p.metrics.healthCheckFails.Load(),
		ResetsPerformed:       p.metrics.resets.Load(),
		ResetsFailed:          p.metrics.resetFails.Load(),
		Uptime:                time.Since(p.createdAt),
	}
}

// PooledConn is a checked-out connection handle. Release returns the
// connection to the pool; Detach removes it from pool accounting for
// callers that want to keep it past the pool lifecycle.
type PooledConn struct {
	pool     *Pool
	pc       *poolConn
	released atomic.Bool
}

// Conn exposes the underlying connection.
func (h *PooledConn) Conn() *Conn { return h.pc.conn }

// Release returns the connection to the pool. The context bounds the
// reset round trip when the connection needs one. Releasing twice is a
// no-op.
func (h *PooledConn) Release(ctx context.Context) {
	if h.released.Swap(true) {
		return
	}
	h.pool.put(ctx, h.pc)
}

// Detach removes the connection from the pool and hands it to the
// caller, freeing the capacity slot.
func (h *PooledConn) Detach() *Conn {
	if h.released.Swap(true) {
		return nil
	}
	h.pool.mu.Lock()
	h.pool.total--
	h.pool.mu.Unlock()
	h.pool.sem.Release(1)
	return h.pc.conn
}
