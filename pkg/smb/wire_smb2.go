package smb

import (
	"context"
	"fmt"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
	"github.com/ineffectivecoder/smbwire/internal/logger"
	"github.com/ineffectivecoder/smbwire/internal/telemetry"
	"github.com/ineffectivecoder/smbwire/pkg/smb/types"
)

// Reply is a matched SMB2 response.
type Reply struct {
	Header types.Header
	// Response is the decoded body: the command's response type, or an
	// *types.ErrorResponse when the status is a failure for the command.
	Response types.Response
	// Raw is the response PDU as received; Sent is the request PDU as sent.
	Raw  []byte
	Sent []byte
}

// Sender is what request helpers need from a connection.
type Sender interface {
	SendAndWait(ctx context.Context, req types.Request, opts ...CallOption) (*Reply, error)
}

// Do sends req and returns its response as T. Failing statuses come back
// as *StatusError together with the reply.
func Do[T types.Response](ctx context.Context, s Sender, req types.Request, opts ...CallOption) (T, *Reply, error) {
	var zero T
	r, err := s.SendAndWait(ctx, req, opts...)
	if err != nil {
		return zero, r, err
	}
	resp, ok := r.Response.(T)
	if !ok {
		return zero, r, &DecodeError{
			Command:   req.Command().String(),
			MessageID: r.Header.MessageID,
			Err:       fmt.Errorf("unexpected response type %T", r.Response),
		}
	}
	return resp, r, nil
}

// SendAndWait sends one SMB2 request and waits for its response.
func (m *Mux) SendAndWait(ctx context.Context, req types.Request, opts ...CallOption) (*Reply, error) {
	replies, err := m.SendCompound(ctx, types.NewCompound(req), opts...)
	if len(replies) == 0 {
		return nil, err
	}
	return replies[0], err
}

// SendCompound sends the requests of c in one frame and waits for every
// response. The returned slice is index-aligned with c; the error is the
// first failure in compound order.
func (m *Mux) SendCompound(ctx context.Context, c types.Compound, opts ...CallOption) (replies []*Reply, err error) {
	if m.family != FamilySMB2 {
		return nil, fmt.Errorf("%w: %s connection", ErrNotSupported, m.family)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	o := &callOptions{}
	for _, opt := range opts {
		opt(o)
	}

	first := c[0].Request.Command().String()
	ctx, span := m.cfg.Telemetry.StartSpan(ctx, "smb2."+first, telemetry.AttrCommand.String(first))
	defer func() { telemetry.End(span, err) }()

	largeMTU := m.largeMTU.Load()
	costs := make([]uint16, len(c))
	var total int32
	for i, e := range c {
		costs[i] = types.CreditCharge(e.Request, largeMTU)
		total += int32(costs[i])
	}
	span.SetAttributes(telemetry.AttrCredits.Int(int(total)))

	if err := m.lockOrder(ctx); err != nil {
		return nil, err
	}
	if err := m.acquireCredits(ctx, total, first); err != nil {
		m.unlockOrder()
		return nil, err
	}
	frame, calls := m.frame2(c, costs, o)
	if err := m.register(calls); err != nil {
		m.unlockOrder()
		m.credits.Release(total)
		return nil, err
	}
	err = m.transmit(frame, calls)
	m.unlockOrder()
	if err != nil {
		return nil, err
	}
	span.SetAttributes(telemetry.AttrMessageID.Int64(int64(calls[0].id)))
	logger.DebugCtx(ctx, "sent", logger.KeyCommand, first, logger.KeyMessageID, calls[0].id,
		"pdus", len(calls), logger.KeyCredits, total)

	deadline := m.responseDeadline(ctx, o)
	replies = make([]*Reply, len(calls))
	for i, cl := range calls {
		m.wait(ctx, cl, deadline)
		replies[i] = cl.reply
		if cl.err != nil && err == nil {
			err = cl.err
		}
	}
	return replies, err
}

// frame2 encodes c into one frame, assigning consecutive message ids and
// signing each PDU. Caller holds the ordering lock.
func (m *Mux) frame2(c types.Compound, costs []uint16, o *callOptions) ([]byte, []*call) {
	st := m.signer.Load()
	sid := m.sessionID.Load()
	multiCredit := m.Dialect() >= types.DialectSMB2_1

	w := encoding.NewWriter(types.SMB2HeaderSize * len(c) * 2)
	calls := make([]*call, len(c))
	starts := make([]int, len(c)+1)
	for i, e := range c {
		cmd := e.Request.Command()
		cl := newCall(m.nextID, cmd.String())
		cl.cmd2 = cmd
		cl.treeID = o.treeID
		m.nextID += uint64(max(costs[i], 1))

		h := types.NewHeader(cmd, cl.id)
		h.CreditCharge = costs[i]
		if !multiCredit {
			h.CreditCharge = 0
		}
		h.Credits = m.creditRequest(costs[i])
		h.SessionID = sid
		h.TreeID = o.treeID
		if e.Related {
			h.Flags |= types.FlagsRelatedOps
		}
		if o.dfs {
			h.Flags |= types.FlagsDFSOperations
		}

		starts[i] = w.Index()
		h.Encode(w)
		w.PutBytes(e.Request.Marshal())
		if i < len(c)-1 {
			w.Align(8, true)
			w.PutUint32At(starts[i]+types.NextCommandOffset, uint32(w.Index()-starts[i]))
		}
		calls[i] = cl
	}
	frame := w.Bytes()
	starts[len(c)] = len(frame)

	for i, cl := range calls {
		pdu := frame[starts[i]:starts[i+1]]
		if st != nil && sid != 0 {
			st.signer.Sign(pdu, 0)
			cl.signer = st.signer
		}
		cl.sent = pdu
	}
	return frame, calls
}

// creditRequest asks for enough credits to top the balance up to MaxCredits.
func (m *Mux) creditRequest(cost uint16) uint16 {
	want := int32(m.cfg.MaxCredits) - m.credits.Available()
	if want < int32(cost) {
		want = int32(cost)
	}
	return uint16(min(want, int32(m.cfg.MaxCredits)))
}

// handle2 routes every PDU of a received SMB2 frame. A malformed header or
// a signature failure is returned and stops the connection.
func (m *Mux) handle2(frame []byte) error {
	for len(frame) > 0 {
		var h types.Header
		if err := h.Unmarshal(frame); err != nil {
			return &DecodeError{Command: "header", Err: err}
		}
		n := len(frame)
		if h.NextCommand != 0 {
			if int(h.NextCommand) < types.SMB2HeaderSize || int(h.NextCommand) > len(frame) {
				return &DecodeError{Command: h.Command.String(), MessageID: h.MessageID,
					Err: fmt.Errorf("next command offset %d in %d-byte frame", h.NextCommand, len(frame))}
			}
			n = int(h.NextCommand)
		}
		pdu := frame[:n:n]
		frame = frame[n:]

		m.credits.Grant(int32(h.Credits))
		if err := m.dispatch2(&h, pdu); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mux) dispatch2(h *types.Header, pdu []byte) error {
	if !h.IsResponse() {
		logger.Debug("dropping request frame from server", logger.KeyCommand, h.Command.String())
		return nil
	}
	c := m.pending.get(h.MessageID)
	if c == nil {
		m.unmatched(h.Command.String(), h.MessageID)
		return nil
	}
	if h.IsInterim() {
		c.markInterim(h.AsyncID)
		return nil
	}
	if err := m.checkSignature(c, h.IsSigned(), func() bool { return c.signer.Verify(pdu, 0) }, h.Status); err != nil {
		return err
	}
	if m.pending.take(h.MessageID) == nil {
		// Cancelled between lookup and removal.
		return nil
	}
	reply, err := m.decode2(h, pdu, c)
	m.complete(c, callCompleted, reply, nil, err)
	return nil
}

// decode2 decodes a response body against the shell for its command. A
// failing status decodes the error body and yields a *StatusError.
func (m *Mux) decode2(h *types.Header, pdu []byte, c *call) (*Reply, error) {
	reply := &Reply{Header: *h, Raw: pdu, Sent: c.sent}
	body := pdu[types.SMB2HeaderSize:]
	if h.Command != c.cmd2 {
		return reply, &DecodeError{Command: c.command, MessageID: c.id,
			Err: fmt.Errorf("response carries command %s", h.Command)}
	}
	dialect := m.Dialect()
	shell, err := types.NewResponse(h.Command, dialect)
	if err != nil {
		return reply, &DecodeError{Command: c.command, MessageID: c.id, Err: err}
	}
	if types.IsErrorStatus(shell, h.Status) {
		er := types.NewErrorResponse(dialect)
		reply.Response = er
		if err := er.Unmarshal(body); err != nil {
			return reply, &DecodeError{Command: c.command, MessageID: c.id,
				Err: fmt.Errorf("error body for %s: %w", h.Status, err)}
		}
		return reply, &StatusError{Command: c.command, Status: h.Status, MessageID: c.id}
	}
	if err := shell.Unmarshal(body); err != nil {
		return reply, &DecodeError{Command: c.command, MessageID: c.id, Err: err}
	}
	reply.Response = shell
	return reply, nil
}

// cancel2 sends SMB2 CANCEL for c, addressed by AsyncId once the server
// has answered STATUS_PENDING. CANCEL consumes no credits.
func (m *Mux) cancel2(c *call) error {
	h := types.NewHeader(types.CommandCancel, c.id)
	h.CreditCharge = 0
	h.Credits = 0
	h.SessionID = m.sessionID.Load()
	h.TreeID = c.treeID
	if async := c.asyncID.Load(); async != 0 {
		h.Flags |= types.FlagsAsyncCommand
		h.AsyncID = async
	}
	msg := append(h.Marshal(), (&types.CancelRequest{}).Marshal()...)
	if c.signer != nil {
		c.signer.Sign(msg, 0)
	}
	return m.t.Send(msg)
}
