package smb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
	"github.com/ineffectivecoder/smbwire/pkg/smb/types"
)

// wireServer is the far end of a mux under test, driven by hand.
type wireServer struct {
	t  *testing.T
	tr *pipeTransport
}

func newTestMux(t *testing.T, cfg MuxConfig) (*Mux, *wireServer) {
	t.Helper()
	cli, srv := newPipe("fs1")
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 2 * time.Second
	}
	if cfg.CreditTimeout == 0 {
		cfg.CreditTimeout = time.Second
	}
	if cfg.MaxCredits == 0 {
		cfg.MaxCredits = 64
	}
	m := NewMux(cli, FamilySMB2, cfg)
	t.Cleanup(func() { m.Close() })
	return m, &wireServer{t: t, tr: srv}
}

// next returns the headers and PDUs of the next frame the client sent.
func (s *wireServer) next() ([]types.Header, [][]byte) {
	s.t.Helper()
	type result struct {
		frame []byte
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := s.tr.Recv()
		ch <- result{f, err}
	}()
	var frame []byte
	select {
	case r := <-ch:
		if r.err != nil {
			s.t.Fatalf("server recv: %v", r.err)
		}
		frame = r.frame
	case <-time.After(2 * time.Second):
		s.t.Fatal("server saw no frame")
	}
	var hs []types.Header
	var pdus [][]byte
	for len(frame) > 0 {
		var h types.Header
		if err := h.Unmarshal(frame); err != nil {
			s.t.Fatalf("server: %v", err)
		}
		n := len(frame)
		if h.NextCommand != 0 {
			n = int(h.NextCommand)
		}
		hs = append(hs, h)
		pdus = append(pdus, frame[:n])
		frame = frame[n:]
	}
	return hs, pdus
}

func (s *wireServer) send(pdus ...[]byte) {
	s.t.Helper()
	if err := s.tr.Send(chainPDUs(pdus...)); err != nil {
		s.t.Fatalf("server send: %v", err)
	}
}

// chainPDUs joins pdus into one compound frame.
func chainPDUs(pdus ...[]byte) []byte {
	var frame []byte
	for i, p := range pdus {
		p = bytes.Clone(p)
		if i < len(pdus)-1 {
			for len(p)%8 != 0 {
				p = append(p, 0)
			}
			encoding.PutUint32LE(p[types.NextCommandOffset:], uint32(len(p)))
		}
		frame = append(frame, p...)
	}
	return frame
}

// answer builds a response PDU to req.
func answer(req types.Header, status types.NTStatus, credits uint16, body []byte) []byte {
	h := types.Header{
		CreditCharge: req.CreditCharge,
		Status:       status,
		Command:      req.Command,
		Credits:      credits,
		Flags:        types.FlagsServerToRedir,
		MessageID:    req.MessageID,
		TreeID:       req.TreeID,
		SessionID:    req.SessionID,
	}
	if body == nil {
		body = types.NewErrorResponse(0).Marshal()
	}
	return append(h.Marshal(), body...)
}

func echoBody() []byte { return (&types.EchoResponse{}).Marshal() }

type muxResult struct {
	reply *Reply
	err   error
}

func sendAsync(ctx context.Context, m *Mux, req types.Request, opts ...CallOption) <-chan muxResult {
	ch := make(chan muxResult, 1)
	go func() {
		r, err := m.SendAndWait(ctx, req, opts...)
		ch <- muxResult{r, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan muxResult) muxResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("call did not finish")
		return muxResult{}
	}
}

func TestMuxEcho(t *testing.T) {
	m, srv := newTestMux(t, MuxConfig{})
	res := sendAsync(context.Background(), m, &types.EchoRequest{})

	hs, _ := srv.next()
	if len(hs) != 1 || hs[0].Command != types.CommandEcho {
		t.Fatalf("server saw %+v", hs)
	}
	h := hs[0]
	if h.MessageID != 0 {
		t.Errorf("first message id = %d", h.MessageID)
	}
	if h.CreditCharge != 0 {
		t.Errorf("credit charge before 2.1 = %d, want 0", h.CreditCharge)
	}
	if h.Credits != 64 {
		t.Errorf("credit request = %d, want 64", h.Credits)
	}
	srv.send(answer(h, types.StatusSuccess, 10, echoBody()))

	r := await(t, res)
	if r.err != nil {
		t.Fatal(r.err)
	}
	if _, ok := r.reply.Response.(*types.EchoResponse); !ok {
		t.Errorf("response type %T", r.reply.Response)
	}
	if avail, granted := m.Credits(); avail != 10 || granted != 11 {
		t.Errorf("credits = %d/%d, want 10/11", avail, granted)
	}
	if m.Pending() != 0 {
		t.Errorf("%d calls still pending", m.Pending())
	}
}

func TestMuxMessageIDsFollowCreditCharge(t *testing.T) {
	m, srv := newTestMux(t, MuxConfig{})
	ctx := context.Background()

	res := sendAsync(ctx, m, &types.EchoRequest{})
	hs, _ := srv.next()
	srv.send(answer(hs[0], types.StatusSuccess, 10, echoBody()))
	if r := await(t, res); r.err != nil {
		t.Fatal(r.err)
	}

	m.SetDialect(types.DialectSMB2_1, true)
	res = sendAsync(ctx, m, types.NewReadRequest(types.FileID{}, 0, 3*types.CreditUnit))
	hs, _ = srv.next()
	if hs[0].MessageID != 1 || hs[0].CreditCharge != 3 {
		t.Fatalf("read mid %d charge %d, want 1 and 3", hs[0].MessageID, hs[0].CreditCharge)
	}
	srv.send(answer(hs[0], types.StatusSuccess, 3, (&types.ReadResponse{Data: []byte("abc")}).Marshal()))
	r := await(t, res)
	if r.err != nil {
		t.Fatal(r.err)
	}
	if got := r.reply.Response.(*types.ReadResponse).Data; string(got) != "abc" {
		t.Errorf("data = %q", got)
	}

	res = sendAsync(ctx, m, &types.EchoRequest{})
	hs, _ = srv.next()
	if hs[0].MessageID != 4 {
		t.Errorf("next message id = %d, want 4", hs[0].MessageID)
	}
	srv.send(answer(hs[0], types.StatusSuccess, 1, echoBody()))
	await(t, res)
}

func TestMuxCompound(t *testing.T) {
	m, srv := newTestMux(t, MuxConfig{})
	ctx := context.Background()

	// Three PDUs need three credits; the first exchange grants them.
	res := sendAsync(ctx, m, &types.EchoRequest{})
	hs, _ := srv.next()
	srv.send(answer(hs[0], types.StatusSuccess, 8, echoBody()))
	await(t, res)

	chain := types.NewCompound(types.NewOpenReadRequest(`dir\file.txt`)).
		Then(types.NewReadRequest(types.RelatedFileID, 0, 4096)).
		Then(types.NewCloseRequest(types.RelatedFileID))
	done := make(chan struct{})
	var replies []*Reply
	var err error
	go func() {
		defer close(done)
		replies, err = m.SendCompound(ctx, chain, WithTreeID(5))
	}()

	hs, pdus := srv.next()
	if len(hs) != 3 {
		t.Fatalf("frame carried %d PDUs, want 3", len(hs))
	}
	wantCmds := []types.Command{types.CommandCreate, types.CommandRead, types.CommandClose}
	for i, h := range hs {
		if h.Command != wantCmds[i] {
			t.Errorf("pdu %d command %s", i, h.Command)
		}
		if h.TreeID != 5 {
			t.Errorf("pdu %d tree id %d", i, h.TreeID)
		}
		if related := h.Flags&types.FlagsRelatedOps != 0; related != (i > 0) {
			t.Errorf("pdu %d related = %t", i, related)
		}
		if i < 2 && (h.NextCommand == 0 || h.NextCommand%8 != 0) {
			t.Errorf("pdu %d next command %d not 8-aligned", i, h.NextCommand)
		}
		if i > 0 && h.MessageID != hs[i-1].MessageID+1 {
			t.Errorf("pdu %d message id %d", i, h.MessageID)
		}
	}
	if hs[2].NextCommand != 0 {
		t.Errorf("last pdu next command = %d", hs[2].NextCommand)
	}
	if len(pdus[0])%8 != 0 {
		t.Errorf("first pdu length %d", len(pdus[0]))
	}

	srv.send(
		answer(hs[0], types.StatusSuccess, 1, (&types.CreateResponse{}).Marshal()),
		answer(hs[1], types.StatusSuccess, 1, (&types.ReadResponse{Data: []byte("hello")}).Marshal()),
		answer(hs[2], types.StatusSuccess, 1, (&types.CloseResponse{}).Marshal()),
	)
	<-done
	if err != nil {
		t.Fatal(err)
	}
	if len(replies) != 3 {
		t.Fatalf("%d replies", len(replies))
	}
	if got := replies[1].Response.(*types.ReadResponse).Data; string(got) != "hello" {
		t.Errorf("read data = %q", got)
	}
	for i, r := range replies {
		if r.Header.MessageID != hs[i].MessageID {
			t.Errorf("reply %d is for mid %d", i, r.Header.MessageID)
		}
	}
}

func TestMuxCompoundFirstErrorWins(t *testing.T) {
	m, srv := newTestMux(t, MuxConfig{})
	ctx := context.Background()
	res := sendAsync(ctx, m, &types.EchoRequest{})
	hs, _ := srv.next()
	srv.send(answer(hs[0], types.StatusSuccess, 8, echoBody()))
	await(t, res)

	chain := types.NewCompound(types.NewOpenReadRequest("missing")).
		Then(types.NewReadRequest(types.RelatedFileID, 0, 10)).
		Then(types.NewCloseRequest(types.RelatedFileID))
	done := make(chan error, 1)
	go func() {
		_, err := m.SendCompound(ctx, chain)
		done <- err
	}()
	hs, _ = srv.next()
	srv.send(
		answer(hs[0], types.StatusObjectNameNotFound, 1, nil),
		answer(hs[1], types.StatusInvalidParameter, 1, nil),
		answer(hs[2], types.StatusInvalidParameter, 1, nil),
	)
	err := <-done
	var se *StatusError
	if !errors.As(err, &se) || se.Status != types.StatusObjectNameNotFound {
		t.Fatalf("err = %v, want the CREATE status", err)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err %v does not match ErrNotFound", err)
	}
}

func TestMuxUnmatchedResponseDropped(t *testing.T) {
	m, srv := newTestMux(t, MuxConfig{})
	res := sendAsync(context.Background(), m, &types.EchoRequest{})
	hs, _ := srv.next()

	stray := hs[0]
	stray.MessageID = 99
	srv.send(answer(stray, types.StatusSuccess, 1, echoBody()))
	srv.send(answer(hs[0], types.StatusSuccess, 1, echoBody()))

	if r := await(t, res); r.err != nil {
		t.Fatal(r.err)
	}
	if err := m.Err(); err != nil {
		t.Errorf("mux stopped: %v", err)
	}
}

func TestMuxInterimLiftsTimeout(t *testing.T) {
	m, srv := newTestMux(t, MuxConfig{})
	res := sendAsync(context.Background(), m, &types.EchoRequest{}, WithTimeout(100*time.Millisecond))
	hs, _ := srv.next()

	interim := types.Header{
		Status:    types.StatusPending,
		Command:   hs[0].Command,
		Credits:   1,
		Flags:     types.FlagsServerToRedir | types.FlagsAsyncCommand,
		MessageID: hs[0].MessageID,
		AsyncID:   0x77,
	}
	srv.send(append(interim.Marshal(), types.NewErrorResponse(0).Marshal()...))
	time.Sleep(300 * time.Millisecond)
	srv.send(answer(hs[0], types.StatusSuccess, 1, echoBody()))

	if r := await(t, res); r.err != nil {
		t.Fatalf("interim response did not lift the timeout: %v", r.err)
	}
}

func TestMuxTimeoutSendsCancel(t *testing.T) {
	m, srv := newTestMux(t, MuxConfig{})
	res := sendAsync(context.Background(), m, &types.EchoRequest{}, WithTimeout(50*time.Millisecond))
	hs, _ := srv.next()

	r := await(t, res)
	var te *TimeoutError
	if !errors.As(r.err, &te) || te.Phase != PhaseResponse {
		t.Fatalf("err = %v, want a response timeout", r.err)
	}
	cancels, _ := srv.next()
	if cancels[0].Command != types.CommandCancel || cancels[0].MessageID != hs[0].MessageID {
		t.Fatalf("got %s mid %d, want CANCEL for mid %d", cancels[0].Command, cancels[0].MessageID, hs[0].MessageID)
	}
	if cancels[0].CreditCharge != 0 {
		t.Errorf("cancel charge = %d", cancels[0].CreditCharge)
	}

	// The late answer finds no slot and the connection stays up.
	srv.send(answer(hs[0], types.StatusCancelled, 1, nil))
	res = sendAsync(context.Background(), m, &types.EchoRequest{})
	hs, _ = srv.next()
	srv.send(answer(hs[0], types.StatusSuccess, 1, echoBody()))
	if r := await(t, res); r.err != nil {
		t.Fatal(r.err)
	}
}

func TestMuxContextCancel(t *testing.T) {
	m, srv := newTestMux(t, MuxConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	res := sendAsync(ctx, m, &types.EchoRequest{})
	srv.next()
	cancel()
	r := await(t, res)
	if !errors.Is(r.err, ErrCancelled) || !errors.Is(r.err, context.Canceled) {
		t.Fatalf("err = %v", r.err)
	}
}

func TestMuxCreditTimeout(t *testing.T) {
	m, srv := newTestMux(t, MuxConfig{CreditTimeout: 50 * time.Millisecond})
	// The first request takes the only credit and is never answered.
	sendAsync(context.Background(), m, &types.EchoRequest{})
	srv.next()

	_, err := m.SendAndWait(context.Background(), &types.EchoRequest{})
	var te *TimeoutError
	if !errors.As(err, &te) || te.Phase != PhaseCredit {
		t.Fatalf("err = %v, want a credit timeout", err)
	}
}

func TestMuxTransportCloseFailsPending(t *testing.T) {
	m, srv := newTestMux(t, MuxConfig{})
	res := sendAsync(context.Background(), m, &types.EchoRequest{})
	srv.next()
	srv.tr.Close()

	r := await(t, res)
	if !errors.Is(r.err, ErrConnClosed) {
		t.Fatalf("err = %v, want ErrConnClosed", r.err)
	}
	if !IsTransportError(r.err) {
		t.Errorf("%v is not a transport error", r.err)
	}
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("mux still running")
	}
	if _, err := m.SendAndWait(context.Background(), &types.EchoRequest{}); !errors.Is(err, ErrConnClosed) {
		t.Errorf("send after close = %v", err)
	}
}

func TestMuxSigning(t *testing.T) {
	key := []byte("0123456789abcdef")
	signer := newSigner(types.DialectSMB2_1, key, nil)

	setup := func(t *testing.T) (*Mux, *wireServer) {
		m, srv := newTestMux(t, MuxConfig{})
		m.SetDialect(types.DialectSMB2_1, false)
		m.SetSessionID(7)
		m.ActivateSigning(signer, true)
		return m, srv
	}

	t.Run("signed round trip", func(t *testing.T) {
		m, srv := setup(t)
		res := sendAsync(context.Background(), m, &types.EchoRequest{})
		hs, pdus := srv.next()
		if !hs[0].IsSigned() || !signer.Verify(pdus[0], 0) {
			t.Fatal("request not signed with the session key")
		}
		resp := answer(hs[0], types.StatusSuccess, 1, echoBody())
		signer.Sign(resp, 0)
		srv.send(resp)
		if r := await(t, res); r.err != nil {
			t.Fatal(r.err)
		}
	})

	t.Run("bad signature fails the connection", func(t *testing.T) {
		m, srv := setup(t)
		res := sendAsync(context.Background(), m, &types.EchoRequest{})
		hs, _ := srv.next()
		resp := answer(hs[0], types.StatusSuccess, 1, echoBody())
		signer.Sign(resp, 0)
		resp[len(resp)-1] ^= 0xFF
		srv.send(resp)

		r := await(t, res)
		if !errors.Is(r.err, ErrSignatureInvalid) || !errors.Is(r.err, ErrConnClosed) {
			t.Fatalf("err = %v", r.err)
		}
		if m.Err() == nil {
			t.Error("mux still running after an integrity failure")
		}
	})

	t.Run("unsigned success is rejected", func(t *testing.T) {
		m, srv := setup(t)
		res := sendAsync(context.Background(), m, &types.EchoRequest{})
		hs, _ := srv.next()
		srv.send(answer(hs[0], types.StatusSuccess, 1, echoBody()))
		if r := await(t, res); !errors.Is(r.err, ErrSignatureInvalid) {
			t.Fatalf("err = %v", r.err)
		}
	})

	t.Run("unsigned error status is accepted", func(t *testing.T) {
		m, srv := setup(t)
		res := sendAsync(context.Background(), m, &types.EchoRequest{})
		hs, _ := srv.next()
		srv.send(answer(hs[0], types.StatusAccessDenied, 1, nil))
		r := await(t, res)
		if !errors.Is(r.err, ErrAccessDenied) {
			t.Fatalf("err = %v", r.err)
		}
		if m.Err() != nil {
			t.Errorf("mux stopped: %v", m.Err())
		}
	})
}

// prime answers one ECHO so the ledger holds grant credits.
func prime(t *testing.T, m *Mux, srv *wireServer, grant uint16) {
	t.Helper()
	res := sendAsync(context.Background(), m, &types.EchoRequest{})
	hs, _ := srv.next()
	srv.send(answer(hs[0], types.StatusSuccess, grant, echoBody()))
	if r := await(t, res); r.err != nil {
		t.Fatal(r.err)
	}
}

func TestMuxMalformedErrorBody(t *testing.T) {
	m, srv := newTestMux(t, MuxConfig{})
	res := sendAsync(context.Background(), m, &types.EchoRequest{})
	hs, _ := srv.next()

	body := types.NewErrorResponse(0).Marshal()
	body[0], body[1] = 99, 0
	srv.send(answer(hs[0], types.StatusAccessDenied, 1, body))

	r := await(t, res)
	var de *DecodeError
	if !errors.As(r.err, &de) {
		t.Fatalf("err = %v (%T), want *DecodeError", r.err, r.err)
	}
	if !errors.Is(r.err, types.ErrStructureSize) {
		t.Errorf("err %v does not match ErrStructureSize", r.err)
	}
	if de.MessageID != hs[0].MessageID {
		t.Errorf("decode error for mid %d, want %d", de.MessageID, hs[0].MessageID)
	}
}

func TestMuxLargeRequestWaitsForCredits(t *testing.T) {
	m, srv := newTestMux(t, MuxConfig{})
	ctx := context.Background()
	prime(t, m, srv, 2)
	m.SetDialect(types.DialectSMB2_1, true)
	if avail, _ := m.Credits(); avail != 2 {
		t.Fatalf("available = %d, want 2", avail)
	}

	echo := sendAsync(ctx, m, &types.EchoRequest{})
	eh, _ := srv.next()
	if eh[0].CreditCharge != 1 {
		t.Fatalf("echo charge = %d", eh[0].CreditCharge)
	}

	read := sendAsync(ctx, m, types.NewReadRequest(types.FileID{}, 0, 2*types.CreditUnit))
	time.Sleep(100 * time.Millisecond)
	if n := len(srv.tr.in); n != 0 {
		t.Fatalf("%d frames sent with one credit left", n)
	}

	srv.send(answer(eh[0], types.StatusSuccess, 1, echoBody()))
	if r := await(t, echo); r.err != nil {
		t.Fatal(r.err)
	}
	rh, _ := srv.next()
	if rh[0].Command != types.CommandRead || rh[0].CreditCharge != 2 {
		t.Fatalf("got %s charge %d, want READ charge 2", rh[0].Command, rh[0].CreditCharge)
	}
	if rh[0].MessageID != eh[0].MessageID+1 {
		t.Errorf("read mid %d, want %d", rh[0].MessageID, eh[0].MessageID+1)
	}
	srv.send(answer(rh[0], types.StatusSuccess, 2, (&types.ReadResponse{Data: []byte("xy")}).Marshal()))
	if r := await(t, read); r.err != nil {
		t.Fatal(r.err)
	}
	if avail, granted := m.Credits(); avail != 2 || granted != 6 {
		t.Errorf("credits = %d/%d, want 2/6", avail, granted)
	}
}

func TestMuxConcurrentOutOfOrder(t *testing.T) {
	const n = 50
	m, srv := newTestMux(t, MuxConfig{})
	prime(t, m, srv, 60)

	stop := make(chan struct{})
	var outOfBounds string
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if avail, granted := m.Credits(); outOfBounds == "" && (avail < 0 || int64(avail) > granted) {
				outOfBounds = fmt.Sprintf("available %d granted %d", avail, granted)
			}
			time.Sleep(50 * time.Microsecond)
		}
	}()

	results := make(chan muxResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := m.SendAndWait(context.Background(), &types.EchoRequest{})
			results <- muxResult{r, err}
		}()
	}

	sent := make([]types.Header, 0, n)
	seen := map[uint64]bool{}
	for len(sent) < n {
		hs, _ := srv.next()
		for _, h := range hs {
			if seen[h.MessageID] {
				t.Fatalf("message id %d sent twice", h.MessageID)
			}
			seen[h.MessageID] = true
			sent = append(sent, h)
		}
	}
	for i := len(sent) - 1; i >= 0; i-- {
		srv.send(answer(sent[i], types.StatusSuccess, 1, echoBody()))
	}
	wg.Wait()
	close(stop)
	<-sampled

	delivered := map[uint64]int{}
	for i := 0; i < n; i++ {
		r := <-results
		if r.err != nil {
			t.Fatal(r.err)
		}
		delivered[r.reply.Header.MessageID]++
	}
	for id := range seen {
		if delivered[id] != 1 {
			t.Errorf("mid %d delivered %d times", id, delivered[id])
		}
	}
	if outOfBounds != "" {
		t.Errorf("ledger out of bounds: %s", outOfBounds)
	}
	if avail, granted := m.Credits(); avail != 60 || granted != 61+n {
		t.Errorf("credits = %d/%d, want 60/%d", avail, granted, 61+n)
	}
	if m.Pending() != 0 {
		t.Errorf("%d calls still pending", m.Pending())
	}
}

func TestMuxCompoundSharesOneDeadline(t *testing.T) {
	m, srv := newTestMux(t, MuxConfig{})
	prime(t, m, srv, 8)

	chain := types.NewCompound(types.NewOpenReadRequest("slow.txt")).
		Then(types.NewReadRequest(types.RelatedFileID, 0, 10)).
		Then(types.NewCloseRequest(types.RelatedFileID))
	start := time.Now()
	_, err := m.SendCompound(context.Background(), chain, WithTimeout(100*time.Millisecond))
	elapsed := time.Since(start)

	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want a timeout", err)
	}
	if elapsed > 250*time.Millisecond {
		t.Errorf("compound gave up after %s, want one 100ms deadline", elapsed)
	}
}
