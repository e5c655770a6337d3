package smb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ineffectivecoder/smbwire/internal/logger"
	"github.com/ineffectivecoder/smbwire/internal/telemetry"
	"github.com/ineffectivecoder/smbwire/pkg/config"
	"github.com/ineffectivecoder/smbwire/pkg/metrics"
)

// ErrPoolClosed is returned by a pool after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// DialFunc opens the byte stream to host.
type DialFunc func(ctx context.Context, host string) (Transport, error)

// SetupFunc brings a negotiated connection to the state the pool hands out,
// typically by running SESSION_SETUP.
type SetupFunc func(ctx context.Context, c *Conn) error

// Pool shares one connection per server among callers. Connections are
// reference counted: a connection is closed only when it has been disposed
// and the last holder has released it.
type Pool struct {
	cfg     *config.Config
	policy  Policy
	dial    DialFunc
	setup   SetupFunc
	metrics *metrics.Metrics
	tel     *telemetry.Provider

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolMetrics records pool and mux metrics in m.
func WithPoolMetrics(m *metrics.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// WithPoolTelemetry traces requests on pooled connections.
func WithPoolTelemetry(t *telemetry.Provider) PoolOption {
	return func(p *Pool) { p.tel = t }
}

// WithDialFunc replaces the dialer built from the configuration.
func WithDialFunc(fn DialFunc) PoolOption {
	return func(p *Pool) { p.dial = fn }
}

// NewPool creates an empty pool. setup runs on every new connection after
// NEGOTIATE; a nil setup hands out NEGOTIATED connections.
func NewPool(cfg *config.Config, policy Policy, setup SetupFunc, opts ...PoolOption) *Pool {
	p := &Pool{
		cfg:    cfg,
		policy: policy,
		dial:   NewDialer(cfg).Dial,
		setup:  setup,
		conns:  make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func poolKey(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// Acquire returns a connection to host, reusing a pooled one when it is
// live and satisfies the pool policy. The caller must Release it.
func (p *Pool) Acquire(ctx context.Context, host string) (*Conn, error) {
	key := poolKey(host)
	if key == "" {
		return nil, fmt.Errorf("acquire: %w: empty host", ErrInvalidParameter)
	}
	if c, err := p.reuse(key); c != nil || err != nil {
		return c, err
	}

	c, err := p.open(ctx, host)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.Close()
		return nil, ErrPoolClosed
	}
	if cur := p.conns[key]; cur != nil && !cur.disposed && cur.CanReuse(p.policy, false) {
		// Another caller connected first.
		cur.refs++
		p.mu.Unlock()
		c.Close()
		return cur, nil
	}
	p.forgetLocked(key)
	c.refs = 1
	p.conns[key] = c
	n := len(p.conns)
	p.mu.Unlock()

	p.metrics.SetPoolConnections(n)
	return c, nil
}

// reuse hands out the pooled connection for key, dropping it if it can no
// longer serve.
func (p *Pool) reuse(key string) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	c := p.conns[key]
	if c == nil {
		return nil, nil
	}
	if !c.disposed && c.CanReuse(p.policy, false) {
		c.refs++
		return c, nil
	}
	logger.Debug("dropping pooled connection", logger.KeyServer, c.host, logger.KeyState, c.State().String())
	p.forgetLocked(key)
	return nil, nil
}

// forgetLocked removes key from the pool, closing its connection if nobody
// holds it. Caller holds mu.
func (p *Pool) forgetLocked(key string) {
	c := p.conns[key]
	if c == nil {
		return
	}
	delete(p.conns, key)
	c.disposed = true
	if c.refs <= 0 {
		go c.Close()
	}
}

func (p *Pool) open(ctx context.Context, host string) (*Conn, error) {
	t, err := p.dial(ctx, host)
	if err != nil {
		return nil, err
	}
	c := NewConn(t, p.cfg, p.policy, WithConnMetrics(p.metrics), WithConnTelemetry(p.tel))
	if err := c.Negotiate(ctx); err != nil {
		return nil, err
	}
	if p.setup != nil {
		if err := p.setup(ctx, c); err != nil {
			c.Close()
			return nil, err
		}
	}
	logger.Info("connected", logger.KeyServer, host, logger.KeyDialect, c.Info().DialectName())
	return c, nil
}

// Release gives back a connection obtained from Acquire. A connection that
// has failed is disposed.
func (p *Pool) Release(c *Conn) {
	if c.State() == StateDisconnected {
		p.Dispose(c)
	}
	p.mu.Lock()
	c.refs--
	closeNow := c.refs <= 0 && c.disposed
	p.mu.Unlock()
	if closeNow {
		c.Close()
	}
}

// Dispose removes c from the pool. It is closed once every holder has
// released it.
func (p *Pool) Dispose(c *Conn) {
	p.mu.Lock()
	key := poolKey(c.host)
	if p.conns[key] == c {
		delete(p.conns, key)
	}
	alreadyDisposed := c.disposed
	c.disposed = true
	closeNow := c.refs <= 0 && !alreadyDisposed
	n := len(p.conns)
	p.mu.Unlock()

	p.metrics.SetPoolConnections(n)
	if closeNow {
		c.Close()
	}
}

// Do runs fn on a connection to host. A transport failure disposes the
// connection and fn is retried once on a fresh one.
func (p *Pool) Do(ctx context.Context, host string, fn func(*Conn) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var c *Conn
		c, err = p.Acquire(ctx, host)
		if err != nil {
			return err
		}
		err = fn(c)
		if err != nil && IsTransportError(err) && ctx.Err() == nil {
			logger.DebugCtx(ctx, "retrying on fresh connection", logger.KeyServer, host, logger.Err(err))
			p.Dispose(c)
			p.Release(c)
			continue
		}
		p.Release(c)
		return err
	}
	return err
}

// Conns returns the pooled connections.
func (p *Pool) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// Close closes every pooled connection concurrently. The pool forgets them
// even when a close fails.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		c.disposed = true
		conns = append(conns, c)
	}
	clear(p.conns)
	p.mu.Unlock()

	p.metrics.SetPoolConnections(0)
	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			if err := c.Close(); err != nil {
				return fmt.Errorf("close %s: %w", c.host, err)
			}
			return nil
		})
	}
	return g.Wait()
}
