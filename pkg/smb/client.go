// Package smb provides the client side of the SMB1 and SMB2/3 protocols.
//
// This package implements:
//   - A request multiplexer with credit accounting, compounding and signing
//   - The NEGOTIATE / SESSION_SETUP / TREE_CONNECT state machine
//   - A reference-counted connection pool
//   - DFS-aware path resolution through a Client
//
// Basic usage:
//
//	cfg := config.GetDefaultConfig()
//	creds := auth.NewPasswordCredentials("CORP", "user", "password")
//	client, err := smb.NewClient(cfg, creds)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	data, err := client.ReadFile(ctx, `\\corp\dfs\reports\q3.txt`)
//	if err != nil {
//	    log.Fatal(err)
//	}
package smb

import (
	"context"
	"errors"
	"fmt"

	"github.com/ineffectivecoder/smbwire/internal/logger"
	"github.com/ineffectivecoder/smbwire/internal/telemetry"
	"github.com/ineffectivecoder/smbwire/pkg/auth"
	"github.com/ineffectivecoder/smbwire/pkg/config"
	"github.com/ineffectivecoder/smbwire/pkg/dfs"
	"github.com/ineffectivecoder/smbwire/pkg/metrics"
)

// defaultReferralLevel is the highest referral version requested.
const defaultReferralLevel = 4

// Client is the application-owned context of the engine: configuration,
// credentials, the connection pool and the DFS cache live here and nowhere
// else. A Client is safe for concurrent use.
type Client struct {
	cfg      *config.Config
	creds    auth.Credentials
	newInit  InitiatorFunc
	policy   Policy
	pool     *Pool
	cache    *dfs.Cache
	resolver *dfs.Resolver
	metrics  *metrics.Metrics
	tel      *telemetry.Provider
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	metrics *metrics.Metrics
	tel     *telemetry.Provider
	dial    DialFunc
	init    InitiatorFunc
}

// InitiatorFunc builds the security context that authenticates one
// connection to host.
type InitiatorFunc func(host string) auth.Initiator

// WithMetrics records engine metrics in m.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(o *clientOptions) { o.metrics = m }
}

// WithTelemetry traces requests and DFS resolution with p.
func WithTelemetry(p *telemetry.Provider) ClientOption {
	return func(o *clientOptions) { o.tel = p }
}

// WithDialer replaces the TCP/SOCKS5 dialer.
func WithDialer(fn DialFunc) ClientOption {
	return func(o *clientOptions) { o.dial = fn }
}

// WithInitiator replaces the SPNEGO initiator built from the credentials.
func WithInitiator(fn InitiatorFunc) ClientOption {
	return func(o *clientOptions) { o.init = fn }
}

// NewClient builds a client from cfg. No connection is made until a path
// is used.
func NewClient(cfg *config.Config, creds auth.Credentials, opts ...ClientOption) (*Client, error) {
	if creds == nil {
		creds = auth.NewAnonymousCredentials()
	}
	policy, err := PolicyFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	c := &Client{cfg: cfg, creds: creds, newInit: o.init, policy: policy, metrics: o.metrics, tel: o.tel}
	if c.newInit == nil {
		c.newInit = func(host string) auth.Initiator {
			return auth.NewInitiator(creds, cfg.Auth.Workstation, "cifs/"+host)
		}
	}
	poolOpts := []PoolOption{WithPoolMetrics(o.metrics), WithPoolTelemetry(o.tel)}
	if o.dial != nil {
		poolOpts = append(poolOpts, WithDialFunc(o.dial))
	}
	c.pool = NewPool(cfg, policy, c.setupSession, poolOpts...)
	c.cache = dfs.NewCache(o.metrics)
	c.resolver = dfs.NewResolver(c, c.cache, cfg.DFS, dfs.WithMetrics(o.metrics), dfs.WithTelemetry(o.tel))
	return c, nil
}

func (c *Client) setupSession(ctx context.Context, conn *Conn) error {
	return conn.SessionSetup(ctx, c.newInit(conn.Host()))
}

// Config returns the client configuration.
func (c *Client) Config() *config.Config { return c.cfg }

// Pool returns the connection pool.
func (c *Client) Pool() *Pool { return c.pool }

// Cache returns the DFS referral cache.
func (c *Client) Cache() *dfs.Cache { return c.cache }

// Resolver returns the DFS resolver.
func (c *Client) Resolver() *dfs.Resolver { return c.resolver }

// GetReferrals sends a DFS referral request for path to server over a
// pooled connection.
func (c *Client) GetReferrals(ctx context.Context, server, path string) ([]byte, error) {
	level := c.cfg.DFS.MaxReferralLevel
	if level == 0 {
		level = defaultReferralLevel
	}
	var out []byte
	err := c.pool.Do(ctx, server, func(conn *Conn) error {
		var err error
		out, err = conn.GetReferrals(ctx, path, level)
		return err
	})
	return out, err
}

// Resolve resolves a UNC path through DFS.
func (c *Client) Resolve(ctx context.Context, unc string) (*dfs.ResolvedTarget, error) {
	if !c.cfg.DFS.Enabled {
		return nil, fmt.Errorf("resolve %s: %w: DFS is disabled", unc, ErrNotSupported)
	}
	return c.resolver.Resolve(ctx, unc)
}

// Echo checks that host answers, connecting to it if needed.
func (c *Client) Echo(ctx context.Context, host string) error {
	return c.pool.Do(ctx, host, func(conn *Conn) error { return conn.Echo(ctx) })
}

// Share is a tree connected through a Client. It holds a pool reference
// until Close.
type Share struct {
	*Tree
	client *Client
	// Path is the remainder of the requested path inside the share.
	Path string
	// Target is the DFS resolution that led here, nil for a direct connection.
	Target *dfs.ResolvedTarget
}

// UNC renders the path the share was connected for.
func (s *Share) UNC() string {
	return dfs.Target{Server: s.conn.host, Share: s.share, Path: s.Path}.UNC()
}

// Close disconnects the tree and releases the connection.
func (s *Share) Close(ctx context.Context) error {
	err := s.Disconnect(ctx)
	s.client.pool.Release(s.conn)
	return err
}

// Connect connects the share a UNC path lives on. DFS paths are resolved
// first; when the primary target cannot be reached the alternates are
// tried in order and the one that answers becomes the cached primary. A
// path DFS cannot resolve is used as is.
func (c *Client) Connect(ctx context.Context, unc string) (*Share, error) {
	p, err := dfs.Canonical(unc)
	if err != nil {
		return nil, err
	}
	if c.cfg.DFS.Enabled {
		rt, err := c.resolver.Resolve(ctx, p)
		if err == nil {
			return c.connectResolved(ctx, rt)
		}
		var rerr *dfs.ReferralError
		if !errors.As(err, &rerr) {
			return nil, err
		}
		logger.DebugCtx(ctx, "not a DFS path, connecting directly", logger.KeyPath, p, logger.Err(err))
	}
	server, share, rest := dfs.SplitPath(p)
	return c.connect(ctx, server, share, rest, nil)
}

func (c *Client) connectResolved(ctx context.Context, rt *dfs.ResolvedTarget) (*Share, error) {
	ref := rt.Referral
	start := ref.PrimaryIndex()
	var errs []error
	for i, t := range ref.Ring() {
		target := rt.For(t)
		sh, err := c.connect(ctx, target.Server, target.Share, target.Path, rt)
		if err != nil {
			logger.WarnCtx(ctx, "DFS target unreachable", logger.KeyServer, target.Server,
				logger.KeyShare, target.Share, logger.Err(err))
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if i > 0 {
			idx := (start + i) % len(ref.Targets)
			if err := ref.SetPrimary(idx); err == nil {
				c.cache.Refresh(rt.Key, ref)
				logger.InfoCtx(ctx, "DFS failover", logger.KeyPath, rt.Key, logger.KeyServer, target.Server)
			}
		}
		return sh, nil
	}
	return nil, fmt.Errorf("no reachable target for %s: %w", rt.Key, errors.Join(errs...))
}

func (c *Client) connect(ctx context.Context, server, share, path string, rt *dfs.ResolvedTarget) (*Share, error) {
	conn, err := c.pool.Acquire(ctx, server)
	if err != nil {
		return nil, err
	}
	t, err := conn.TreeConnect(ctx, share)
	if err != nil {
		if IsTransportError(err) {
			c.pool.Dispose(conn)
		}
		c.pool.Release(conn)
		return nil, err
	}
	return &Share{Tree: t, client: c, Path: path, Target: rt}, nil
}

// ReadFile reads a whole file, or as much of it as one READ returns, by
// UNC path. A target that answers STATUS_PATH_NOT_COVERED is asked for a
// fresh referral and the read is retried once.
func (c *Client) ReadFile(ctx context.Context, unc string) ([]byte, error) {
	sh, err := c.Connect(ctx, unc)
	if err != nil {
		return nil, err
	}
	data, err := sh.ReadFile(ctx, sh.Path, 0, 0)
	server := sh.conn.host
	if cerr := sh.Close(ctx); cerr != nil {
		logger.DebugCtx(ctx, "share close", logger.KeyServer, server, logger.Err(cerr))
	}
	if err == nil || !errors.Is(err, ErrPathNotCovered) || !c.cfg.DFS.Enabled {
		return data, err
	}

	logger.DebugCtx(ctx, "path not covered, re-resolving", logger.KeyServer, server, logger.KeyPath, unc)
	rt, rerr := c.resolver.ResolveFrom(ctx, server, unc)
	if rerr != nil {
		return nil, fmt.Errorf("%w (re-resolve: %w)", err, rerr)
	}
	sh, err = c.connectResolved(ctx, rt)
	if err != nil {
		return nil, err
	}
	defer sh.Close(ctx)
	return sh.ReadFile(ctx, sh.Path, 0, 0)
}

// Close closes every pooled connection. The DFS cache is discarded.
func (c *Client) Close() error {
	c.cache.Purge()
	return c.pool.Close()
}
