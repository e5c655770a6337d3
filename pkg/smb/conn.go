package smb

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ineffectivecoder/smbwire/internal/logger"
	"github.com/ineffectivecoder/smbwire/internal/telemetry"
	"github.com/ineffectivecoder/smbwire/pkg/config"
	"github.com/ineffectivecoder/smbwire/pkg/metrics"
	"github.com/ineffectivecoder/smbwire/pkg/smb/smb1"
	"github.com/ineffectivecoder/smbwire/pkg/smb/types"
)

// State is the lifecycle position of a connection.
type State int

const (
	StateDisconnected State = iota
	StateNegotiating
	StateNegotiated
	StateSessionSetup
	StateSessionActive
	StateTreeConnecting
	StateTreeActive
)

var stateNames = [...]string{
	StateDisconnected:   "DISCONNECTED",
	StateNegotiating:    "NEGOTIATING",
	StateNegotiated:     "NEGOTIATED",
	StateSessionSetup:   "SESSION_SETUP",
	StateSessionActive:  "SESSION_ACTIVE",
	StateTreeConnecting: "TREE_CONNECTING",
	StateTreeActive:     "TREE_ACTIVE",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE_%d", int(s))
}

// transitions lists the states reachable from each state. Every state may
// also fall back to DISCONNECTED.
var transitions = map[State][]State{
	StateDisconnected:   {StateNegotiating},
	StateNegotiating:    {StateNegotiated},
	StateNegotiated:     {StateSessionSetup},
	StateSessionSetup:   {StateSessionActive, StateNegotiated},
	StateSessionActive:  {StateTreeConnecting, StateNegotiated},
	StateTreeConnecting: {StateTreeConnecting, StateTreeActive, StateSessionActive},
	StateTreeActive:     {StateTreeConnecting, StateSessionActive, StateNegotiated},
}

// CanTransition reports whether a connection may move from one state to another.
func CanTransition(from, to State) bool {
	if to == StateDisconnected || from == to {
		return true
	}
	return slices.Contains(transitions[from], to)
}

// Policy is what a caller requires of a connection.
type Policy struct {
	MinDialect         types.Dialect
	MaxDialect         types.Dialect
	ForceSMB1          bool
	SigningRequired    bool
	EncryptionRequired bool
}

// PolicyFromConfig builds the policy from the dialect, signing and
// encryption sections.
func PolicyFromConfig(cfg *config.Config) (Policy, error) {
	lo, hi, err := cfg.Dialect.Range()
	if err != nil {
		return Policy{}, err
	}
	if lo > hi {
		return Policy{}, fmt.Errorf("dialect range %s..%s is empty", lo, hi)
	}
	return Policy{
		MinDialect:         lo,
		MaxDialect:         hi,
		ForceSMB1:          cfg.Dialect.ForceSMB1,
		SigningRequired:    cfg.Signing.Required,
		EncryptionRequired: cfg.Encryption.Required,
	}, nil
}

// Dialects returns the SMB2/3 dialects inside the policy range.
func (p Policy) Dialects() []types.Dialect {
	var out []types.Dialect
	for _, d := range types.Dialects {
		if d >= p.MinDialect && d <= p.MaxDialect {
			out = append(out, d)
		}
	}
	return out
}

// SessionState is what NEGOTIATE and SESSION_SETUP established.
type SessionState struct {
	Family          Family
	Dialect         types.Dialect // zero on SMB1
	ServerGUID      uuid.UUID
	Capabilities    uint32
	SigningEnabled  bool
	SigningRequired bool
	MaxReadSize     uint32
	MaxWriteSize    uint32
	MaxTransactSize uint32
	SystemTime      time.Time

	SessionID  uint64
	SessionKey []byte
	Guest      bool
	Anonymous  bool
	Mechanism  string
}

// DialectName renders the negotiated protocol for display.
func (s SessionState) DialectName() string {
	if s.Family == FamilySMB1 {
		return "SMB 1.0 (" + smb1.DialectNTLM012 + ")"
	}
	if s.Dialect == 0 {
		return "none"
	}
	return "SMB " + s.Dialect.String()
}

// Conn is one physical connection and its session.
type Conn struct {
	host   string
	mux    *Mux
	cfg    *config.Config
	policy Policy
	tel    *telemetry.Provider

	mu         sync.Mutex
	state      State
	connecting int
	trees      map[uint32]string
	info       SessionState
	neg1       *smb1.NegotiateResponse
	hint       []byte // negotiate security blob
	preauth    preauthHash

	ipcMu sync.Mutex
	ipc   *Tree

	// Pool bookkeeping, guarded by the pool mutex.
	refs     int
	disposed bool
}

// ConnOption configures a Conn.
type ConnOption func(*connOptions)

type connOptions struct {
	metrics *metrics.Metrics
	tel     *telemetry.Provider
}

// WithConnMetrics records mux metrics in m.
func WithConnMetrics(m *metrics.Metrics) ConnOption {
	return func(o *connOptions) { o.metrics = m }
}

// WithConnTelemetry records a span per request.
func WithConnTelemetry(p *telemetry.Provider) ConnOption {
	return func(o *connOptions) { o.tel = p }
}

// NewConn wraps a transport. The wire family follows the policy; the
// connection is DISCONNECTED until Negotiate.
func NewConn(t Transport, cfg *config.Config, policy Policy, opts ...ConnOption) *Conn {
	o := &connOptions{}
	for _, opt := range opts {
		opt(o)
	}
	family := FamilySMB2
	if policy.ForceSMB1 {
		family = FamilySMB1
	}
	mux := NewMux(t, family, MuxConfig{
		ResponseTimeout: cfg.Timeouts.Response,
		CreditTimeout:   cfg.Timeouts.Credit,
		MaxCredits:      cfg.Limits.MaxCredits,
		Metrics:         o.metrics,
		Telemetry:       o.tel,
	})
	return &Conn{
		host:   t.RemoteHost(),
		mux:    mux,
		cfg:    cfg,
		policy: policy,
		tel:    o.tel,
		trees:  make(map[uint32]string),
		info:   SessionState{Family: family},
	}
}

// Host returns the server the connection was dialed to.
func (c *Conn) Host() string { return c.host }

// Mux returns the request multiplexer.
func (c *Conn) Mux() *Mux { return c.mux }

// Policy returns the policy the connection was negotiated under.
func (c *Conn) Policy() Policy { return c.policy }

// State returns the current state. A connection whose mux has stopped is
// DISCONNECTED whatever it was doing.
func (c *Conn) State() State {
	if c.mux.Err() != nil {
		return StateDisconnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns a copy of the negotiated and session parameters.
func (c *Conn) Info() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.info
	info.SessionKey = slices.Clone(c.info.SessionKey)
	return info
}

// Shares returns the tree id to share name bindings.
func (c *Conn) Shares() map[uint32]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint32]string, len(c.trees))
	for id, s := range c.trees {
		out[id] = s
	}
	return out
}

// transition moves to state to, failing with ErrInvalidState when the move
// is not in the table.
func (c *Conn) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(to)
}

func (c *Conn) transitionLocked(to State) error {
	from := c.state
	if c.mux.Err() != nil && to != StateDisconnected {
		return fmt.Errorf("%w: %s -> %s: %w", ErrInvalidState, from, to, ErrConnClosed)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	if from != to {
		logger.Debug("state", logger.KeyServer, c.host, logger.KeyState, to.String(), "from", from.String())
	}
	c.state = to
	return nil
}

// require checks that the connection is in one of states.
func (c *Conn) require(op string, states ...State) error {
	cur := c.State()
	if slices.Contains(states, cur) {
		return nil
	}
	return fmt.Errorf("%w: %s in state %s", ErrInvalidState, op, cur)
}

// settleTrees picks the state implied by the tree bookkeeping. Caller
// holds mu.
func (c *Conn) settleTrees() {
	to := StateSessionActive
	switch {
	case c.connecting > 0:
		to = StateTreeConnecting
	case len(c.trees) > 0:
		to = StateTreeActive
	}
	if err := c.transitionLocked(to); err != nil {
		logger.Debug("tree state not settled", logger.KeyServer, c.host, logger.Err(err))
	}
}

// Close tears the connection down. Pending requests fail with ErrConnClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.state = StateDisconnected
	clear(c.trees)
	c.mu.Unlock()
	return c.mux.Close()
}

// IsValid checks a NEGOTIATE response against the request and policy.
func IsValid(p Policy, req *types.NegotiateRequest, resp *types.NegotiateResponse) error {
	d := resp.DialectRevision
	switch {
	case d == types.DialectWildcard:
		return fmt.Errorf("%w: server answered with the multi-protocol wildcard", ErrNegotiation)
	case !req.Offers(d):
		return fmt.Errorf("%w: dialect %s was not offered", ErrNegotiation, d)
	case d < p.MinDialect || d > p.MaxDialect:
		return fmt.Errorf("%w: dialect %s outside %s..%s", ErrNegotiation, d, p.MinDialect, p.MaxDialect)
	}
	if resp.SecurityMode&types.NegotiateSigningRequired != 0 && resp.SecurityMode&types.NegotiateSigningEnabled == 0 {
		return fmt.Errorf("%w: signing required but not enabled (security mode %#x)", ErrNegotiation, uint16(resp.SecurityMode))
	}
	if p.SigningRequired && !resp.SigningEnabled() {
		return fmt.Errorf("%w: signing required but the server cannot sign", ErrNegotiation)
	}
	if resp.MaxReadSize == 0 || resp.MaxWriteSize == 0 || resp.MaxTransactSize == 0 {
		return fmt.Errorf("%w: zero buffer size (read %d, write %d, transact %d)",
			ErrNegotiation, resp.MaxReadSize, resp.MaxWriteSize, resp.MaxTransactSize)
	}
	if d == types.DialectSMB3_1_1 {
		pi, err := resp.Preauth()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNegotiation, err)
		}
		if pi == nil || !slices.Contains(pi.HashAlgorithms, types.HashAlgorithmSHA512) {
			return fmt.Errorf("%w: 3.1.1 without a SHA-512 preauth integrity context", ErrNegotiation)
		}
		if alg := resp.SigningAlgorithm(); alg != types.SigningAESCMAC {
			return fmt.Errorf("%w: unsupported signing algorithm %d", ErrNegotiation, alg)
		}
	}
	return nil
}

// IsValidSMB1 is the SMB1 counterpart of IsValid.
func IsValidSMB1(p Policy, resp *smb1.NegotiateResponse) error {
	if resp.DialectIndex == smb1.NoDialect {
		return fmt.Errorf("%w: server accepts none of the offered dialects", ErrNegotiation)
	}
	if resp.MaxBufferSize == 0 || resp.MaxMpxCount == 0 {
		return fmt.Errorf("%w: zero MaxBufferSize (%d) or MaxMpxCount (%d)",
			ErrNegotiation, resp.MaxBufferSize, resp.MaxMpxCount)
	}
	if resp.SecurityMode&smb1.SecurityModeSignRequired != 0 && resp.SecurityMode&smb1.SecurityModeSignEnabled == 0 {
		return fmt.Errorf("%w: signing required but not enabled (security mode %#x)", ErrNegotiation, resp.SecurityMode)
	}
	if p.SigningRequired && !resp.SigningEnabled() {
		return fmt.Errorf("%w: signing required but the server cannot sign", ErrNegotiation)
	}
	if !resp.SupportsExtendedSecurity() {
		return fmt.Errorf("%w: server does not support extended security", ErrNegotiation)
	}
	return nil
}

// CanReuse reports whether the connection may serve a caller with policy p
// instead of a new physical connection.
func (c *Conn) CanReuse(p Policy, forceSigning bool) bool {
	switch c.State() {
	case StateSessionActive, StateTreeConnecting, StateTreeActive:
	default:
		return false
	}
	info := c.Info()
	if p.ForceSMB1 != (info.Family == FamilySMB1) {
		return false
	}
	if info.Family == FamilySMB2 && (info.Dialect < p.MinDialect || info.Dialect > p.MaxDialect) {
		return false
	}
	if p.SigningRequired || forceSigning {
		if !info.SigningEnabled || !c.mux.Signing() {
			return false
		}
	}
	if p.EncryptionRequired {
		if info.Family == FamilySMB1 || types.Capabilities(info.Capabilities)&types.GlobalCapEncryption == 0 {
			return false
		}
	}
	return true
}

// Echo checks that the server is alive.
func (c *Conn) Echo(ctx context.Context) error {
	if c.mux.Family() == FamilySMB1 {
		_, _, err := Do1[*smb1.EchoResponse](ctx, c.mux, &smb1.EchoRequest{EchoCount: 1, Data: []byte("smbwire")})
		return err
	}
	_, _, err := Do[*types.EchoResponse](ctx, c.mux, &types.EchoRequest{})
	return err
}

func (c *Conn) String() string {
	info := c.Info()
	return fmt.Sprintf("%s [%s, %s, session %#x]", c.host, strings.ToLower(c.State().String()), info.DialectName(), info.SessionID)
}
