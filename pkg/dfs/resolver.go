package dfs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
	"github.com/ineffectivecoder/smbwire/internal/logger"
	"github.com/ineffectivecoder/smbwire/internal/telemetry"
	"github.com/ineffectivecoder/smbwire/pkg/config"
	"github.com/ineffectivecoder/smbwire/pkg/metrics"
)

// ErrTooManyHops is returned when intermediate referrals do not settle
// within the configured number of hops.
var ErrTooManyHops = errors.New("dfs: too many referral hops")

// ReferralError is a failed resolution. Callers fall back to treating the
// path as a plain share path.
type ReferralError struct {
	Path   string
	Server string
	Err    error
}

func (e *ReferralError) Error() string {
	return fmt.Sprintf("dfs referral for %s from %s: %v", e.Path, e.Server, e.Err)
}

func (e *ReferralError) Unwrap() error { return e.Err }

// Source sends a referral request for path to server and returns the raw
// RESP_GET_DFS_REFERRAL buffer.
type Source interface {
	GetReferrals(ctx context.Context, server, path string) ([]byte, error)
}

// ResolvedTarget is a path rewritten through a referral.
type ResolvedTarget struct {
	Server string
	Share  string
	Path   string
	// Rest is the part of the request path below the referral.
	Rest string
	// TTL is the time left before the referral expires.
	TTL      time.Duration
	Referral *Referral
	// Key is the cache key the referral is stored under.
	Key string
}

// UNC renders the resolved target.
func (t *ResolvedTarget) UNC() string {
	return Target{Server: t.Server, Share: t.Share, Path: t.Path}.UNC()
}

// For rewrites the request path onto an alternate target of the referral.
func (t *ResolvedTarget) For(alt Target) Target {
	return Target{Server: alt.Server, Share: alt.Share, Path: joinPath(alt.Path, t.Rest)}
}

// Resolver turns DFS paths into targets, using the cache first.
type Resolver struct {
	src     Source
	cache   *Cache
	dcs     *Cache
	cfg     config.DFSConfig
	metrics *metrics.Metrics
	tel     *telemetry.Provider
	now     func() time.Time

	mu         sync.Mutex
	domains    map[string]struct{}
	domainsExp time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMetrics records referral outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithTelemetry records a span per resolution.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(r *Resolver) { r.tel = p }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
		r.cache.now = now
		r.dcs.now = now
	}
}

// NewResolver returns a resolver that asks src for referrals and stores
// them in cache.
func NewResolver(src Source, cache *Cache, cfg config.DFSConfig, opts ...Option) *Resolver {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 8
	}
	if cfg.MaxReferralLevel == 0 {
		cfg.MaxReferralLevel = 4
	}
	r := &Resolver{
		src:     src,
		cache:   cache,
		dcs:     NewCache(nil),
		cfg:     cfg,
		now:     time.Now,
		domains: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Cache returns the referral cache.
func (r *Resolver) Cache() *Cache { return r.cache }

// Canonical converts a UNC path in either slash style to the single-backslash
// \server\share\path form used in referral requests.
func Canonical(path string) (string, error) {
	p := strings.ReplaceAll(path, "/", `\`)
	p = strings.TrimLeft(p, `\`)
	p = strings.TrimRight(p, `\`)
	server, share, _ := SplitPath(p)
	if server == "" || share == "" {
		return "", fmt.Errorf("dfs: %q is not a \\\\server\\share path", path)
	}
	return `\` + p, nil
}

// Resolve resolves path through the cache, falling back to referral
// requests. A domain-based path is first sent to a domain controller.
func (r *Resolver) Resolve(ctx context.Context, path string) (rt *ResolvedTarget, err error) {
	p, err := Canonical(path)
	if err != nil {
		return nil, err
	}
	ctx, span := r.tel.StartSpan(ctx, "dfs.Resolve", telemetry.AttrPath.String(p))
	defer func() { telemetry.End(span, err) }()

	if key, ref, ok := r.cache.Lookup(p); ok {
		return r.target(p, key, ref), nil
	}

	name, _, _ := SplitPath(p)
	referrer := name
	if r.isDomain(ctx, name) {
		referrer = r.domainController(ctx, name)
	}
	return r.resolveAt(ctx, referrer, p)
}

// ResolveFrom asks server directly, bypassing the cache for the lookup but
// storing the result. It is used when a target answers STATUS_PATH_NOT_COVERED.
func (r *Resolver) ResolveFrom(ctx context.Context, server, path string) (*ResolvedTarget, error) {
	p, err := Canonical(path)
	if err != nil {
		return nil, err
	}
	return r.resolveAt(ctx, server, p)
}

// resolveAt fetches the referral for p from server, follows intermediate
// referrals and caches the outcome.
func (r *Resolver) resolveAt(ctx context.Context, server, p string) (*ResolvedTarget, error) {
	ref, err := r.fetch(ctx, server, p)
	if err != nil {
		return nil, err
	}
	for hops := 1; ref.Intermediate(); hops++ {
		if hops >= r.cfg.MaxHops {
			return nil, &ReferralError{Path: p, Server: server, Err: ErrTooManyHops}
		}
		t := ref.Primary()
		prefix := `\` + t.Server + `\` + t.Share
		_, rest := SplitConsumed(p, ref.PathConsumed)
		link, err := r.fetch(ctx, t.Server, t.dfsPath()+rest)
		if err != nil {
			return nil, err
		}
		link.StripPathConsumed(encoding.UTF16Len(prefix))
		ref = ref.Combine(link)
		logger.DebugCtx(ctx, "combined referral", logger.KeyPath, p, logger.KeyReferral, ref.String(), "hop", hops)
	}

	key, _ := SplitConsumed(p, ref.PathConsumed)
	r.cache.Refresh(key, ref)
	return r.target(p, NormalizeKey(key), ref), nil
}

func (r *Resolver) fetch(ctx context.Context, server, path string) (*Referral, error) {
	buf, err := r.src.GetReferrals(ctx, server, path)
	if err != nil {
		r.metrics.Referral("error")
		return nil, &ReferralError{Path: path, Server: server, Err: err}
	}
	resp, err := Decode(buf)
	if err != nil {
		r.metrics.Referral("malformed")
		return nil, &ReferralError{Path: path, Server: server, Err: err}
	}
	ref, err := NewReferral(resp, path, r.now(), r.cfg.TTL)
	if err != nil {
		r.metrics.Referral("malformed")
		return nil, &ReferralError{Path: path, Server: server, Err: err}
	}
	r.fixup(ctx, ref, server)
	r.metrics.Referral("ok")
	logger.DebugCtx(ctx, "referral", logger.KeyServer, server, logger.KeyPath, path,
		logger.KeyReferral, ref.String(), logger.KeyTTL, ref.TTL.String())
	return ref, nil
}

// fixup qualifies NetBIOS target names when FQDN conversion is enabled.
func (r *Resolver) fixup(ctx context.Context, ref *Referral, server string) {
	if !r.cfg.ConvertToFQDN || ref.NameList {
		return
	}
	ref.FixupDomain(r.cfg.Domain)
	if strings.Contains(server, ".") && ref.FixupHost(server) {
		return
	}
	if r.cfg.DomainController != "" && ref.FixupHost(r.cfg.DomainController) {
		return
	}
	for _, t := range ref.Targets {
		if !strings.Contains(t.Server, ".") {
			logger.DebugCtx(ctx, "referral target left unqualified", logger.KeyServer, t.Server)
		}
	}
}

func (r *Resolver) target(p, key string, ref *Referral) *ResolvedTarget {
	t := ref.Primary()
	_, rest := SplitConsumed(p, ref.PathConsumed)
	rest = strings.Trim(rest, `\`)
	return &ResolvedTarget{
		Server:   t.Server,
		Share:    t.Share,
		Path:     joinPath(t.Path, rest),
		Rest:     rest,
		TTL:      ref.Remaining(r.now()),
		Referral: ref,
		Key:      key,
	}
}

// isDomain reports whether name is the configured domain or one the
// domain controller lists as trusted.
func (r *Resolver) isDomain(ctx context.Context, name string) bool {
	if d := r.cfg.Domain; d != "" {
		label, _, _ := strings.Cut(d, ".")
		if strings.EqualFold(name, d) || strings.EqualFold(name, label) {
			return true
		}
	}
	if r.cfg.DomainController == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now().After(r.domainsExp) {
		r.loadDomains(ctx)
	}
	_, ok := r.domains[strings.ToLower(name)]
	return ok
}

// loadDomains asks the configured domain controller for its domain
// referral: one name-list entry per trusted domain. Caller holds mu.
func (r *Resolver) loadDomains(ctx context.Context) {
	dc := r.cfg.DomainController
	buf, err := r.src.GetReferrals(ctx, dc, "")
	var resp *Response
	if err == nil {
		resp, err = Decode(buf)
	}
	if err != nil {
		logger.DebugCtx(ctx, "domain referral failed", logger.KeyServer, dc, logger.Err(err))
		r.domainsExp = r.now().Add(time.Minute)
		return
	}
	clear(r.domains)
	ttl := r.cfg.TTL
	for _, e := range resp.Entries {
		if !e.IsNameList() {
			continue
		}
		r.domains[strings.ToLower(strings.TrimPrefix(e.SpecialName, `\`))] = struct{}{}
		if e.TTL > 0 {
			ttl = time.Duration(e.TTL) * time.Second
		}
	}
	r.domainsExp = r.now().Add(ttl)
	logger.DebugCtx(ctx, "trusted domains", logger.KeyServer, dc, "count", len(r.domains))
}

// domainController returns a DC for domain from a DC referral, falling back
// to the configured controller or the domain name itself.
func (r *Resolver) domainController(ctx context.Context, domain string) string {
	key := `\` + domain
	if _, ref, ok := r.dcs.Lookup(key); ok {
		return ref.Primary().Server
	}
	fallback := domain
	if r.cfg.DomainController != "" {
		fallback = r.cfg.DomainController
	}
	ref, err := r.fetch(ctx, fallback, key)
	if err != nil || !ref.NameList {
		logger.DebugCtx(ctx, "no DC referral, using fallback", logger.KeyServer, fallback, logger.Err(err))
		return fallback
	}
	r.dcs.Refresh(key, ref)
	return ref.Primary().Server
}

// DomainControllers returns the cached DC referrals.
func (r *Resolver) DomainControllers() []CacheEntry {
	return r.dcs.Entries()
}

func joinPath(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + `\` + b
}
