package smb

import (
	"context"
	"fmt"

	"github.com/ineffectivecoder/smbwire/internal/logger"
	"github.com/ineffectivecoder/smbwire/internal/telemetry"
	"github.com/ineffectivecoder/smbwire/pkg/smb/smb1"
)

// Reply1 is a matched SMB1 response.
type Reply1 struct {
	Header   smb1.Header
	Response smb1.Response // nil when the status is a failure for the command
	Raw      []byte
	Sent     []byte
}

// Do1 is the SMB1 counterpart of Do.
func Do1[T smb1.Response](ctx context.Context, m *Mux, req smb1.Request, opts ...CallOption) (T, *Reply1, error) {
	var zero T
	r, err := m.SendAndWait1(ctx, req, opts...)
	if err != nil {
		return zero, r, err
	}
	resp, ok := r.Response.(T)
	if !ok {
		return zero, r, &DecodeError{
			Command:   req.Command().String(),
			MessageID: uint64(r.Header.MID),
			Err:       fmt.Errorf("unexpected response type %T", r.Response),
		}
	}
	return resp, r, nil
}

// SendAndWait1 sends one SMB1 request and waits for its response. Each
// request costs one slot of the server's MaxMpxCount window.
func (m *Mux) SendAndWait1(ctx context.Context, req smb1.Request, opts ...CallOption) (reply *Reply1, err error) {
	if m.family != FamilySMB1 {
		return nil, fmt.Errorf("%w: %s connection", ErrNotSupported, m.family)
	}
	o := &callOptions{}
	for _, opt := range opts {
		opt(o)
	}
	cmd := req.Command()
	ctx, span := m.cfg.Telemetry.StartSpan(ctx, "smb1."+cmd.String(), telemetry.AttrCommand.String(cmd.String()))
	defer func() { telemetry.End(span, err) }()

	if err := m.lockOrder(ctx); err != nil {
		return nil, err
	}
	if err := m.acquireCredits(ctx, 1, cmd.String()); err != nil {
		m.unlockOrder()
		return nil, err
	}
	mid, err := m.allocMID()
	if err != nil {
		m.unlockOrder()
		m.credits.Release(1)
		return nil, err
	}

	c := newCall(uint64(mid), cmd.String())
	c.cmd1 = cmd
	c.treeID = o.treeID
	h := smb1.NewHeader(cmd, mid)
	h.UID = uint16(m.sessionID.Load())
	h.TID = uint16(o.treeID)
	if o.dfs {
		h.Flags2 |= smb1.Flags2DFSPathnames
	}
	msg := append(h.Marshal(), req.Marshal()...)
	if st := m.signer.Load(); st != nil {
		c.seq = m.sequence.Pair()
		st.signer.Sign(msg, c.seq)
		c.signer = st.signer
	}
	c.sent = msg

	if err := m.register([]*call{c}); err != nil {
		m.unlockOrder()
		m.credits.Release(1)
		return nil, err
	}
	err = m.transmit(msg, []*call{c})
	m.unlockOrder()
	if err != nil {
		return nil, err
	}
	span.SetAttributes(telemetry.AttrMessageID.Int64(int64(mid)))
	logger.DebugCtx(ctx, "sent", logger.KeyCommand, cmd.String(), logger.KeyMessageID, mid)

	m.wait(ctx, c, m.responseDeadline(ctx, o))
	return c.reply1, c.err
}

// allocMID picks the next 16-bit MID that is not pending. 0xFFFF is
// reserved for unsolicited server messages. Caller holds the ordering lock.
func (m *Mux) allocMID() (uint16, error) {
	for range 0xFFFF {
		mid := uint16(m.nextID)
		m.nextID++
		if mid == 0xFFFF || m.pending.has(uint64(mid)) {
			continue
		}
		return mid, nil
	}
	return 0, fmt.Errorf("no free MID: %d requests pending", m.pending.len())
}

func (m *Mux) handle1(frame []byte) error {
	var h smb1.Header
	if err := h.Unmarshal(frame); err != nil {
		return &DecodeError{Command: "header", Err: err}
	}
	if !h.IsResponse() {
		logger.Debug("dropping request frame from server", logger.KeyCommand, h.Command.String())
		return nil
	}
	c := m.pending.get(uint64(h.MID))
	if c == nil {
		m.unmatched(h.Command.String(), uint64(h.MID))
		return nil
	}
	if err := m.checkSignature(c, h.IsSigned(), func() bool { return c.signer.Verify(frame, c.seq+1) }, h.Status); err != nil {
		return err
	}
	if m.pending.take(uint64(h.MID)) == nil {
		return nil
	}
	reply, err := m.decode1(&h, frame, c)
	m.complete(c, callCompleted, nil, reply, err)
	return nil
}

func (m *Mux) decode1(h *smb1.Header, frame []byte, c *call) (*Reply1, error) {
	reply := &Reply1{Header: *h, Raw: frame, Sent: c.sent}
	if h.Command != c.cmd1 {
		return reply, &DecodeError{Command: c.command, MessageID: c.id,
			Err: fmt.Errorf("response carries command %s", h.Command)}
	}
	shell, err := smb1.NewResponse(h.Command)
	if err != nil {
		return reply, &DecodeError{Command: c.command, MessageID: c.id, Err: err}
	}
	if smb1.IsErrorStatus(shell, h.Status) {
		return reply, &StatusError{Command: c.command, Status: h.Status, MessageID: c.id}
	}
	if err := shell.Unmarshal(frame[smb1.HeaderSize:]); err != nil {
		return reply, &DecodeError{Command: c.command, MessageID: c.id, Err: err}
	}
	reply.Response = shell
	return reply, nil
}

// cancel1 sends NT_CANCEL for c. It takes one signing sequence number and
// gets no response, so it goes through the ordering lock.
func (m *Mux) cancel1(ctx context.Context, c *call) error {
	if err := m.lockOrder(ctx); err != nil {
		return err
	}
	defer m.unlockOrder()
	h := smb1.NewHeader(smb1.CommandNTCancel, uint16(c.id))
	h.UID = uint16(m.sessionID.Load())
	h.TID = uint16(c.treeID)
	msg := append(h.Marshal(), (&smb1.NTCancelRequest{}).Marshal()...)
	if st := m.signer.Load(); st != nil {
		st.signer.Sign(msg, m.sequence.Single())
	}
	return m.t.Send(msg)
}
