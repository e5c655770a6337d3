package smb

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
	"github.com/ineffectivecoder/smbwire/pkg/config"
	"github.com/ineffectivecoder/smbwire/pkg/dfs"
	"github.com/ineffectivecoder/smbwire/pkg/smb/types"
)

// pipeTransport is an in-memory Transport; closing either end closes both.
type pipeTransport struct {
	host  string
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

type pipeState struct {
	closed chan struct{}
	once   sync.Once
}

func newPipe(host string) (client, server *pipeTransport) {
	up := make(chan []byte, 64)
	down := make(chan []byte, 64)
	st := &pipeState{closed: make(chan struct{})}
	client = &pipeTransport{host: host, in: down, out: up, state: st}
	server = &pipeTransport{host: "client", in: up, out: down, state: st}
	return client, server
}

func (p *pipeTransport) Send(frame []byte) error {
	select {
	case <-p.state.closed:
		return &TransportError{Op: "write", Err: net.ErrClosed}
	default:
	}
	select {
	case p.out <- bytes.Clone(frame):
		return nil
	case <-p.state.closed:
		return &TransportError{Op: "write", Err: net.ErrClosed}
	}
}

func (p *pipeTransport) Recv() ([]byte, error) {
	select {
	case f := <-p.in:
		return f, nil
	case <-p.state.closed:
		return nil, &TransportError{Op: "read", Err: io.EOF}
	}
}

func (p *pipeTransport) Close() error {
	p.state.once.Do(func() { close(p.state.closed) })
	return nil
}

func (p *pipeTransport) RemoteHost() string { return p.host }

// fakeReply is what a handler wants sent back for one request.
type fakeReply struct {
	status types.NTStatus
	body   []byte
	treeID uint32 // overrides the request tree id when set
	drop   bool   // send nothing
}

type fakeHandler func(s *fakeServer, h *types.Header, pdu []byte) fakeReply

// fakeServer answers SMB2 requests on a pipe.
type fakeServer struct {
	t  *testing.T
	tr *pipeTransport

	dialect         types.Dialect
	signingRequired bool
	caps            types.Capabilities
	maxSize         uint32
	grant           uint16
	key             []byte
	legs            int
	guest           bool
	files           map[string][]byte
	referrals       map[string][]byte
	dfsShares       map[string]bool

	mu        sync.Mutex
	handlers  map[types.Command]fakeHandler
	seen      []types.Header
	sessionID uint64
	legsSeen  int
	nextTree  uint32
	trees     map[uint32]string
	signer    Signer
	preauth   preauthHash
	badSigs   int
	unsigned  int
}

func newFakeServer(t *testing.T, tr *pipeTransport) *fakeServer {
	s := &fakeServer{
		t:         t,
		tr:        tr,
		dialect:   types.DialectSMB3_0_2,
		caps:      types.GlobalCapDFS | types.GlobalCapLargeMTU,
		maxSize:   1 << 20,
		grant:     32,
		key:       []byte("fake-session-key"),
		legs:      2,
		files:     make(map[string][]byte),
		referrals: make(map[string][]byte),
		dfsShares: make(map[string]bool),
		nextTree:  1,
		trees:     make(map[uint32]string),
	}
	s.handlers = map[types.Command]fakeHandler{
		types.CommandNegotiate:      (*fakeServer).negotiate,
		types.CommandSessionSetup:   (*fakeServer).sessionSetup,
		types.CommandLogoff:         (*fakeServer).logoff,
		types.CommandTreeConnect:    (*fakeServer).treeConnect,
		types.CommandTreeDisconnect: (*fakeServer).treeDisconnect,
		types.CommandEcho:           emptyOK(&types.EchoResponse{}),
		types.CommandCreate:         (*fakeServer).create,
		types.CommandRead:           (*fakeServer).read,
		types.CommandClose:          emptyOK(&types.CloseResponse{}),
		types.CommandIoctl:          (*fakeServer).ioctl,
	}
	return s
}

func emptyOK(resp interface{ Marshal() []byte }) fakeHandler {
	return func(*fakeServer, *types.Header, []byte) fakeReply {
		return fakeReply{body: resp.Marshal()}
	}
}

func (s *fakeServer) requests() []types.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Header(nil), s.seen...)
}

func (s *fakeServer) count(cmd types.Command) int {
	n := 0
	for _, h := range s.requests() {
		if h.Command == cmd {
			n++
		}
	}
	return n
}

func (s *fakeServer) start() {
	go s.serve()
}

func (s *fakeServer) serve() {
	for {
		frame, err := s.tr.Recv()
		if err != nil {
			return
		}
		var pdus [][]byte
		for len(frame) > 0 {
			var h types.Header
			if err := h.Unmarshal(frame); err != nil {
				s.t.Errorf("fake server: %v", err)
				return
			}
			n := len(frame)
			if h.NextCommand != 0 {
				n = int(h.NextCommand)
			}
			pdu := frame[:n]
			frame = frame[n:]
			if resp := s.dispatch(&h, pdu); resp != nil {
				pdus = append(pdus, resp)
			}
		}
		if len(pdus) > 0 {
			s.send(pdus...)
		}
	}
}

func (s *fakeServer) dispatch(h *types.Header, pdu []byte) []byte {
	s.mu.Lock()
	s.seen = append(s.seen, *h)
	if s.signer != nil && h.SessionID != 0 && h.Command != types.CommandCancel {
		switch {
		case !h.IsSigned():
			s.unsigned++
		case !s.signer.Verify(pdu, 0):
			s.badSigs++
		}
	}
	fn := s.handlers[h.Command]
	s.mu.Unlock()

	if h.Command == types.CommandCancel || fn == nil {
		return nil
	}
	r := fn(s, h, pdu)
	if r.drop {
		return nil
	}
	return s.response(h, r)
}

// response builds the response PDU for h.
func (s *fakeServer) response(h *types.Header, r fakeReply) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	rh := types.Header{
		CreditCharge: h.CreditCharge,
		Status:       r.status,
		Command:      h.Command,
		Credits:      s.grant,
		Flags:        types.FlagsServerToRedir,
		MessageID:    h.MessageID,
		TreeID:       h.TreeID,
		SessionID:    s.sessionID,
	}
	if r.treeID != 0 {
		rh.TreeID = r.treeID
	}
	body := r.body
	if body == nil {
		body = types.NewErrorResponse(s.dialect).Marshal()
	}
	return append(rh.Marshal(), body...)
}

// send chains pdus into one frame, signing each when a session key is set.
func (s *fakeServer) send(pdus ...[]byte) {
	s.mu.Lock()
	signer := s.signer
	s.mu.Unlock()
	var frame []byte
	for i, p := range pdus {
		p = bytes.Clone(p)
		if i < len(pdus)-1 {
			for len(p)%8 != 0 {
				p = append(p, 0)
			}
			encoding.PutUint32LE(p[types.NextCommandOffset:], uint32(len(p)))
		}
		var h types.Header
		if signer != nil && h.Unmarshal(p) == nil && h.SessionID != 0 && !h.IsAsync() {
			signer.Sign(p, 0)
		}
		frame = append(frame, p...)
	}
	if err := s.tr.Send(frame); err != nil && !errors.Is(err, net.ErrClosed) {
		s.t.Errorf("fake server send: %v", err)
	}
}

func (s *fakeServer) negotiate(h *types.Header, pdu []byte) fakeReply {
	var req types.NegotiateRequest
	if err := req.Unmarshal(pdu[types.SMB2HeaderSize:]); err != nil {
		s.t.Errorf("negotiate request: %v", err)
	}
	mode := types.NegotiateSigningEnabled
	if s.signingRequired {
		mode |= types.NegotiateSigningRequired
	}
	resp := &types.NegotiateResponse{
		SecurityMode:    mode,
		DialectRevision: s.dialect,
		ServerGUID:      uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		Capabilities:    s.caps,
		MaxTransactSize: s.maxSize,
		MaxReadSize:     s.maxSize,
		MaxWriteSize:    s.maxSize,
		SystemTime:      encoding.TimeToFiletime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		SecurityBuffer:  []byte("hint"),
	}
	if s.dialect == types.DialectSMB3_1_1 {
		pi := &types.PreauthIntegrity{HashAlgorithms: []uint16{types.HashAlgorithmSHA512}, Salt: make([]byte, 32)}
		sc := &types.SigningCapabilities{Algorithms: []uint16{types.SigningAESCMAC}}
		resp.Contexts = []types.NegotiateContext{pi.Context(), sc.Context()}
	}
	r := fakeReply{body: resp.Marshal()}
	if s.dialect == types.DialectSMB3_1_1 {
		out := s.response(h, r)
		s.mu.Lock()
		s.preauth = newPreauthHash().update(pdu, out)
		s.mu.Unlock()
	}
	return r
}

func (s *fakeServer) sessionSetup(h *types.Header, pdu []byte) fakeReply {
	s.mu.Lock()
	if s.sessionID == 0 {
		s.sessionID = 0x0000400000000011
	}
	s.legsSeen++
	more := s.legsSeen < s.legs
	if s.preauth != nil {
		s.preauth = s.preauth.update(pdu)
	}
	s.mu.Unlock()

	if more {
		r := fakeReply{status: types.StatusMoreProcessingReq, body: (&types.SessionSetupResponse{SecurityBuffer: []byte("challenge")}).Marshal()}
		s.mu.Lock()
		hasPreauth := s.preauth != nil
		s.mu.Unlock()
		if hasPreauth {
			out := s.response(h, r)
			s.mu.Lock()
			s.preauth = s.preauth.update(out)
			s.mu.Unlock()
		}
		return r
	}
	resp := &types.SessionSetupResponse{SecurityBuffer: []byte("done")}
	if s.guest {
		resp.SessionFlags = types.SessionFlagIsGuest
	}
	s.mu.Lock()
	if s.signingRequired && !s.guest {
		s.signer = newSigner(s.dialect, sessionKey16(s.key), s.preauth)
	}
	s.mu.Unlock()
	return fakeReply{body: resp.Marshal()}
}

func (s *fakeServer) logoff(*types.Header, []byte) fakeReply {
	return fakeReply{body: (&types.LogoffResponse{}).Marshal()}
}

func (s *fakeServer) treeConnect(h *types.Header, pdu []byte) fakeReply {
	var req types.TreeConnectRequest
	if err := req.Unmarshal(pdu[types.SMB2HeaderSize:]); err != nil {
		s.t.Errorf("tree connect request: %v", err)
	}
	share := req.Path[strings.LastIndex(req.Path, `\`)+1:]
	s.mu.Lock()
	id := s.nextTree
	s.nextTree++
	s.trees[id] = share
	dfs := s.dfsShares[strings.ToLower(share)]
	s.mu.Unlock()

	resp := &types.TreeConnectResponse{ShareType: types.ShareTypeDisk}
	if strings.EqualFold(share, "IPC$") {
		resp.ShareType = types.ShareTypePipe
	}
	if dfs {
		resp.Capabilities = types.ShareCapDFS
	}
	return fakeReply{body: resp.Marshal(), treeID: id}
}

func (s *fakeServer) treeDisconnect(h *types.Header, _ []byte) fakeReply {
	s.mu.Lock()
	delete(s.trees, h.TreeID)
	s.mu.Unlock()
	return fakeReply{body: (&types.TreeDisconnectResponse{}).Marshal()}
}

func (s *fakeServer) create(h *types.Header, pdu []byte) fakeReply {
	var req types.CreateRequest
	if err := req.Unmarshal(pdu[types.SMB2HeaderSize:]); err != nil {
		s.t.Errorf("create request: %v", err)
	}
	s.mu.Lock()
	_, ok := s.files[strings.ToLower(req.Name)]
	s.mu.Unlock()
	if !ok {
		return fakeReply{status: types.StatusObjectNameNotFound}
	}
	return fakeReply{body: (&types.CreateResponse{FileID: types.FileID{Volatile: [8]byte{1}}}).Marshal()}
}

func (s *fakeServer) read(h *types.Header, pdu []byte) fakeReply {
	var req types.ReadRequest
	if err := req.Unmarshal(pdu[types.SMB2HeaderSize:]); err != nil {
		s.t.Errorf("read request: %v", err)
	}
	// The name was checked by the CREATE of the same compound; serve the
	// only file when exactly one exists.
	s.mu.Lock()
	var data []byte
	for _, d := range s.files {
		data = d
	}
	s.mu.Unlock()
	if req.Offset >= uint64(len(data)) {
		return fakeReply{status: types.StatusEndOfFile}
	}
	end := min(uint64(len(data)), req.Offset+uint64(req.Length))
	return fakeReply{body: (&types.ReadResponse{Data: data[req.Offset:end]}).Marshal()}
}

func (s *fakeServer) ioctl(h *types.Header, pdu []byte) fakeReply {
	var req types.IoctlRequest
	if err := req.Unmarshal(pdu[types.SMB2HeaderSize:]); err != nil {
		s.t.Errorf("ioctl request: %v", err)
	}
	if req.CtlCode != types.FsctlDFSGetReferrals {
		return fakeReply{status: types.StatusNotSupported}
	}
	rr, err := dfs.DecodeRequest(req.Input)
	if err != nil {
		return fakeReply{status: types.StatusInvalidParameter}
	}
	s.mu.Lock()
	out, ok := s.referrals[strings.ToLower(rr.Path)]
	s.mu.Unlock()
	if !ok {
		return fakeReply{status: types.StatusNotFound}
	}
	return fakeReply{body: (&types.IoctlResponse{CtlCode: req.CtlCode, FileID: req.FileID, Output: out}).Marshal()}
}

// fakeInitiator runs a fixed number of legs and yields a fixed key.
type fakeInitiator struct {
	key      []byte
	legs     int
	blobs    [][]byte
	complete []byte
	fail     error
}

func (f *fakeInitiator) Name() string { return "fake" }

func (f *fakeInitiator) InitSecContext(_ context.Context, blob []byte) ([]byte, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.blobs = append(f.blobs, blob)
	return []byte("token"), nil
}

func (f *fakeInitiator) Complete(blob []byte) error {
	f.complete = blob
	return nil
}

func (f *fakeInitiator) SessionKey() []byte { return f.key }

func testConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Timeouts.Response = 2 * time.Second
	cfg.Timeouts.Credit = 2 * time.Second
	return cfg
}

// newTestConn wires a Conn to a running fake server.
func newTestConn(t *testing.T, configure func(*config.Config, *fakeServer)) (*Conn, *fakeServer) {
	t.Helper()
	cli, srv := newPipe("fs1")
	s := newFakeServer(t, srv)
	cfg := testConfig()
	if configure != nil {
		configure(cfg, s)
	}
	s.start()
	policy, err := PolicyFromConfig(cfg)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	c := NewConn(cli, cfg, policy)
	t.Cleanup(func() { c.Close() })
	return c, s
}

// establish runs NEGOTIATE and SESSION_SETUP against the fake server.
func establish(t *testing.T, c *Conn, s *fakeServer) {
	t.Helper()
	ctx := context.Background()
	if err := c.Negotiate(ctx); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if err := c.SessionSetup(ctx, &fakeInitiator{key: s.key}); err != nil {
		t.Fatalf("SessionSetup: %v", err)
	}
}
