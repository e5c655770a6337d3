package smb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineffectivecoder/smbwire/internal/logger"
	"github.com/ineffectivecoder/smbwire/internal/telemetry"
	"github.com/ineffectivecoder/smbwire/pkg/metrics"
	"github.com/ineffectivecoder/smbwire/pkg/smb/smb1"
	"github.com/ineffectivecoder/smbwire/pkg/smb/types"
)

// Call states. A call only moves forward, by compare-and-swap, and exactly
// one of COMPLETED, CANCELLED or FAILED wins.
const (
	callCreated int32 = iota
	callSent
	callCompleted
	callCancelled
	callFailed
)

// Family selects the wire protocol a Mux frames.
type Family int

const (
	FamilySMB2 Family = iota
	FamilySMB1
)

func (f Family) String() string {
	if f == FamilySMB1 {
		return "SMB1"
	}
	return "SMB2"
}

// call is one request waiting for its response.
type call struct {
	state   atomic.Int32
	id      uint64
	command string
	cmd2    types.Command
	cmd1    smb1.Command
	treeID  uint32
	seq     uint32 // SMB1 signing sequence of the request
	signer  Signer // set when the request was signed
	asyncID atomic.Uint64
	sent    []byte
	started time.Time

	interim     chan struct{}
	interimOnce sync.Once
	done        chan struct{}

	reply  *Reply
	reply1 *Reply1
	err    error
}

func newCall(id uint64, command string) *call {
	return &call{
		id:      id,
		command: command,
		started: time.Now(),
		interim: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// finish moves the call to a terminal state and publishes its result. It
// reports false when another path already finished it.
func (c *call) finish(to int32, r *Reply, r1 *Reply1, err error) bool {
	for {
		cur := c.state.Load()
		if cur >= callCompleted {
			return false
		}
		if c.state.CompareAndSwap(cur, to) {
			c.reply, c.reply1, c.err = r, r1, err
			close(c.done)
			return true
		}
	}
}

func (c *call) markInterim(asyncID uint64) {
	c.asyncID.Store(asyncID)
	c.interimOnce.Do(func() { close(c.interim) })
}

// pendingTable maps correlation ids to waiting calls.
type pendingTable struct {
	mu     sync.Mutex
	calls  map[uint64]*call
	closed bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[uint64]*call)}
}

func (p *pendingTable) add(c *call) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrConnClosed
	}
	if _, ok := p.calls[c.id]; ok {
		return fmt.Errorf("correlation id %d already pending", c.id)
	}
	p.calls[c.id] = c
	return nil
}

func (p *pendingTable) get(id uint64) *call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

// take removes and returns the call for id.
func (p *pendingTable) take(id uint64) *call {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.calls[id]
	delete(p.calls, id)
	return c
}

func (p *pendingTable) has(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.calls[id]
	return ok
}

// drain empties the table and refuses further additions.
func (p *pendingTable) drain() []*call {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	out := make([]*call, 0, len(p.calls))
	for id, c := range p.calls {
		out = append(out, c)
		delete(p.calls, id)
	}
	return out
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// MuxConfig tunes a multiplexer.
type MuxConfig struct {
	// ResponseTimeout applies when neither the call nor its context sets a deadline.
	ResponseTimeout time.Duration
	// CreditTimeout bounds the wait for credits.
	CreditTimeout time.Duration
	// MaxCredits is the balance the client asks the server to top up to.
	MaxCredits uint16
	Metrics    *metrics.Metrics
	Telemetry  *telemetry.Provider
}

// CallOption adjusts a single request.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	treeID  uint32
	dfs     bool
}

// WithTimeout overrides the response timeout of one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithTreeID addresses the request to a connected tree.
func WithTreeID(id uint32) CallOption {
	return func(o *callOptions) { o.treeID = id }
}

// WithDFS marks the request path as a DFS path.
func WithDFS() CallOption {
	return func(o *callOptions) { o.dfs = true }
}

// Mux multiplexes concurrent requests over one transport. A single reader
// goroutine matches responses to callers by correlation id.
type Mux struct {
	t       Transport
	family  Family
	cfg     MuxConfig
	credits *creditLedger
	pending *pendingTable

	// order serializes id allocation, signing and transmission so frames
	// leave in submission order.
	order  chan struct{}
	nextID uint64

	dialect   atomic.Uint32
	largeMTU  atomic.Bool
	sessionID atomic.Uint64
	signer    atomic.Pointer[signerState]
	sequence  *smb1.Sequence

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

type signerState struct {
	signer   Signer
	required bool
}

// NewMux starts the reader goroutine on t. The ledger starts with one
// credit, enough for NEGOTIATE.
func NewMux(t Transport, family Family, cfg MuxConfig) *Mux {
	if cfg.MaxCredits == 0 {
		cfg.MaxCredits = 128
	}
	m := &Mux{
		t:        t,
		family:   family,
		cfg:      cfg,
		credits:  newCreditLedger(1, cfg.Metrics),
		pending:  newPendingTable(),
		order:    make(chan struct{}, 1),
		sequence: smb1.NewSequence(2),
		closed:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.readLoop()
	return m
}

// Family returns the wire protocol of the mux.
func (m *Mux) Family() Family { return m.family }

// Dialect returns the negotiated SMB2 dialect, zero before NEGOTIATE.
func (m *Mux) Dialect() types.Dialect { return types.Dialect(m.dialect.Load()) }

// SetDialect records the negotiated dialect and whether multi-credit
// requests are allowed.
func (m *Mux) SetDialect(d types.Dialect, largeMTU bool) {
	m.dialect.Store(uint32(d))
	m.largeMTU.Store(largeMTU && d >= types.DialectSMB2_1)
}

// SetSMB1Window sizes the SMB1 ledger to the server's MaxMpxCount.
func (m *Mux) SetSMB1Window(maxMpx uint16) {
	if maxMpx > 1 {
		m.credits.Grant(int32(maxMpx) - 1)
	}
}

// SessionID returns the session id stamped on outgoing requests.
func (m *Mux) SessionID() uint64 { return m.sessionID.Load() }

// SetSessionID sets the session id for subsequent requests.
func (m *Mux) SetSessionID(id uint64) { m.sessionID.Store(id) }

// ActivateSigning signs every later request with s. When required is set,
// unsigned successful responses are integrity failures.
func (m *Mux) ActivateSigning(s Signer, required bool) {
	m.signer.Store(&signerState{signer: s, required: required})
}

// DeactivateSigning stops signing, as after LOGOFF.
func (m *Mux) DeactivateSigning() { m.signer.Store(nil) }

// Signing reports whether requests are being signed.
func (m *Mux) Signing() bool { return m.signer.Load() != nil }

// Credits returns the available balance and the cumulative grants.
func (m *Mux) Credits() (available int32, granted int64) {
	return m.credits.Available(), m.credits.Granted()
}

// Pending returns the number of calls awaiting a response.
func (m *Mux) Pending() int { return m.pending.len() }

// Done is closed when the mux stops.
func (m *Mux) Done() <-chan struct{} { return m.closed }

// Err returns the error that stopped the mux, or nil while it runs.
func (m *Mux) Err() error {
	select {
	case <-m.closed:
		return m.closeErr
	default:
		return nil
	}
}

// Close stops the mux, failing every pending call with ErrConnClosed.
func (m *Mux) Close() error {
	m.fail(ErrConnClosed)
	m.wg.Wait()
	return nil
}

// fail stops the mux once: the transport is closed first so no new frame
// can be sent, then every pending call is failed.
func (m *Mux) fail(err error) {
	m.closeOnce.Do(func() {
		m.closeErr = err
		close(m.closed)
		m.credits.Close()
		m.t.Close()
		failed := m.pending.drain()
		for _, c := range failed {
			m.finish(c, callFailed, fmt.Errorf("%s (mid %d): %w", c.command, c.id, wrapConnErr(err)))
		}
		if !errors.Is(err, ErrConnClosed) {
			logger.Warn("connection failed", logger.KeyServer, m.t.RemoteHost(), "pending", len(failed), logger.Err(err))
		}
	})
}

// wrapConnErr makes every connection-level failure match ErrConnClosed
// while keeping the cause.
func wrapConnErr(err error) error {
	if errors.Is(err, ErrConnClosed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnClosed, err)
}

func (m *Mux) finish(c *call, state int32, err error) bool {
	return m.complete(c, state, nil, nil, err)
}

// complete finishes c with a reply and records the outcome.
func (m *Mux) complete(c *call, state int32, r *Reply, r1 *Reply1, err error) bool {
	if !c.finish(state, r, r1, err) {
		return false
	}
	m.cfg.Metrics.InFlight(-1)
	status := "ok"
	switch {
	case state == callCancelled:
		status = "cancelled"
	case state == callFailed:
		status = "failed"
	case err != nil:
		var se *StatusError
		if errors.As(err, &se) {
			status = se.Status.String()
		} else {
			status = "decode_error"
		}
	}
	m.cfg.Metrics.ObserveRequest(c.command, status, time.Since(c.started))
	if m.family == FamilySMB1 {
		m.credits.Grant(1)
	}
	return true
}

func (m *Mux) lockOrder(ctx context.Context) error {
	select {
	case m.order <- struct{}{}:
		return nil
	case <-m.closed:
		return wrapConnErr(m.closeErr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mux) unlockOrder() { <-m.order }

// acquireCredits waits for n credits, bounded by the credit timeout.
func (m *Mux) acquireCredits(ctx context.Context, n int32, command string) error {
	cctx := ctx
	if m.cfg.CreditTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, m.cfg.CreditTimeout)
		defer cancel()
	}
	start := time.Now()
	err := m.credits.Acquire(cctx, n)
	m.cfg.Metrics.ObserveCreditWait(time.Since(start))
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w: %w", command, ErrCancelled, ctx.Err())
	case cctx.Err() != nil:
		return &TimeoutError{Command: command, Phase: PhaseCredit}
	}
	return wrapConnErr(err)
}

// register adds calls to the pending table before their frame is written.
func (m *Mux) register(calls []*call) error {
	for i, c := range calls {
		if err := m.pending.add(c); err != nil {
			for _, r := range calls[:i] {
				m.pending.take(r.id)
			}
			return err
		}
		m.cfg.Metrics.InFlight(1)
	}
	return nil
}

// transmit writes a frame. On failure the calls are removed and failed, and
// the connection is torn down.
func (m *Mux) transmit(frame []byte, calls []*call) error {
	if err := m.t.Send(frame); err != nil {
		for _, c := range calls {
			if m.pending.take(c.id) != nil {
				m.finish(c, callFailed, err)
			}
		}
		m.fail(err)
		return wrapConnErr(err)
	}
	for _, c := range calls {
		c.state.CompareAndSwap(callCreated, callSent)
	}
	return nil
}

// responseTimeout picks the call override, then the context deadline, then
// the configured default. Zero means the context alone bounds the wait.
func (m *Mux) responseTimeout(ctx context.Context, o *callOptions) time.Duration {
	if o.timeout > 0 {
		return o.timeout
	}
	if _, ok := ctx.Deadline(); ok {
		return 0
	}
	return m.cfg.ResponseTimeout
}

// responseDeadline is the instant every PDU of one submission must be
// answered by. Zero means only ctx bounds the wait.
func (m *Mux) responseDeadline(ctx context.Context, o *callOptions) time.Time {
	if timeout := m.responseTimeout(ctx, o); timeout > 0 {
		return time.Now().Add(timeout)
	}
	return time.Time{}
}

// wait blocks until c finishes. Passing the deadline or the end of ctx
// cancels the call; an interim response lifts the deadline so only ctx can
// end the wait.
func (m *Mux) wait(ctx context.Context, c *call, deadline time.Time) {
	var expired <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		expired = t.C
	}
	interim := c.interim
	for {
		select {
		case <-c.done:
			return
		case <-interim:
			interim, expired = nil, nil
			logger.DebugCtx(ctx, "request went async", logger.KeyCommand, c.command,
				logger.KeyMessageID, c.id, logger.Hex(logger.KeyAsyncID, c.asyncID.Load()))
		case <-expired:
			m.abandon(ctx, c, &TimeoutError{Command: c.command, MessageID: c.id, Phase: PhaseResponse})
		case <-ctx.Done():
			m.abandon(ctx, c, fmt.Errorf("%s (mid %d): %w: %w", c.command, c.id, ErrCancelled, ctx.Err()))
		}
	}
}

// abandon cancels c if the reader has not completed it yet. The protocol
// cancel is sent in the background; a late response finds no slot and is
// dropped.
func (m *Mux) abandon(ctx context.Context, c *call, err error) {
	if !m.finish(c, callCancelled, err) {
		return
	}
	m.pending.take(c.id)
	m.cfg.Metrics.Cancelled()
	logger.DebugCtx(ctx, "request cancelled", logger.KeyCommand, c.command, logger.KeyMessageID, c.id, logger.Err(err))
	go m.sendCancel(c)
}

func (m *Mux) sendCancel(c *call) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if m.family == FamilySMB1 {
		err = m.cancel1(ctx, c)
	} else {
		err = m.cancel2(c)
	}
	if err != nil {
		logger.Debug("cancel not sent", logger.KeyCommand, c.command, logger.KeyMessageID, c.id, logger.Err(err))
	}
}

func (m *Mux) readLoop() {
	defer m.wg.Done()
	for {
		frame, err := m.t.Recv()
		if err != nil {
			m.fail(err)
			return
		}
		switch {
		case types.IsSMB2(frame):
			err = m.handle2(frame)
		case types.IsSMB1(frame):
			err = m.handle1(frame)
		default:
			logger.Warn("dropping frame with unknown protocol id", logger.KeyServer, m.t.RemoteHost(), "size", len(frame))
		}
		if err != nil {
			m.fail(err)
			return
		}
	}
}

// checkSignature verifies a response to a signed request. A bad signature,
// or a missing one on a successful response when signing is required, is a
// connection-level integrity failure.
func (m *Mux) checkSignature(c *call, signed bool, verify func() bool, status types.NTStatus) error {
	if c.signer == nil {
		return nil
	}
	if signed {
		if verify() {
			return nil
		}
	} else {
		st := m.signer.Load()
		if st == nil || !st.required || status != types.StatusSuccess {
			return nil
		}
	}
	m.cfg.Metrics.SignatureFailure()
	return fmt.Errorf("%w: %s (mid %d)", ErrSignatureInvalid, c.command, c.id)
}

func (m *Mux) unmatched(command string, id uint64) {
	m.cfg.Metrics.Unmatched()
	logger.Debug("dropping unmatched response", logger.KeyServer, m.t.RemoteHost(), logger.KeyCommand, command, logger.KeyMessageID, id)
}
