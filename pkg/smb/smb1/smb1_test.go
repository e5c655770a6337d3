package smb1

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
	"github.com/ineffectivecoder/smbwire/pkg/smb/types"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := NewHeader(CommandTreeConnectAndX, 0x1234)
	h.Status = types.StatusAccessDenied
	h.TID = 7
	h.UID = 0x800
	h.Flags |= FlagsResponse

	buf := h.Marshal()
	if len(buf) != HeaderSize {
		t.Fatalf("header length = %d", len(buf))
	}
	if !types.IsSMB1(buf) {
		t.Fatal("missing SMB1 magic")
	}

	var got Header
	if err := got.Unmarshal(buf); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != *h {
		t.Errorf("round trip = %+v, want %+v", got, *h)
	}
	if !got.IsResponse() {
		t.Error("response flag lost")
	}
	if mid, ok := PeekMID(buf); !ok || mid != 0x1234 {
		t.Errorf("PeekMID = %#x, %v", mid, ok)
	}

	buf[0] = 0xFE
	if err := got.Unmarshal(buf); !errors.Is(err, ErrInvalidProtocolID) {
		t.Errorf("bad magic error = %v", err)
	}
	if err := got.Unmarshal(buf[:10]); !errors.Is(err, types.ErrBufferTooSmall) {
		t.Errorf("short header error = %v", err)
	}
}

type codec interface {
	Marshal() []byte
	Unmarshal([]byte) error
}

func TestRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  codec
	}{
		{"negotiate", &NegotiateRequest{Dialects: []string{"PC NETWORK PROGRAM 1.0", DialectNTLM012}}},
		{"session setup", &SessionSetupAndXRequest{
			MaxBufferSize: 4356, MaxMpxCount: 50, VcNumber: 1, SessionKey: 9,
			Capabilities: CapExtendedSec | CapUnicode, SecurityBlob: []byte{0x60, 0x01, 0x02},
			NativeOS: NativeOS, NativeLanMan: NativeLanMan,
		}},
		{"logoff", &LogoffAndXRequest{}},
		{"tree connect", &TreeConnectAndXRequest{Password: []byte{0}, Path: `\\srv\share`, Service: ServiceAny}},
		{"tree disconnect", &TreeDisconnectRequest{}},
		{"echo", &EchoRequest{EchoCount: 1, Data: []byte("ping")}},
		{"nt cancel", &NTCancelRequest{}},
		{"trans2", &Trans2Request{Subcommand: Trans2GetDFSReferral, MaxDataCount: 4096, Parameters: []byte{4, 0, 'a', 0, 0, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := tt.req.Marshal()
			got := reflect.New(reflect.TypeOf(tt.req).Elem()).Interface().(codec)
			if err := got.Unmarshal(buf); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !reflect.DeepEqual(got, tt.req) {
				t.Errorf("round trip = %+v, want %+v", got, tt.req)
			}
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		resp interface {
			Response
			Marshal() []byte
		}
	}{
		{"negotiate", &NegotiateResponse{
			DialectIndex: 0, SecurityMode: SecurityModeUserLevel | SecurityModeSignEnabled,
			MaxMpxCount: 50, MaxNumberVcs: 1, MaxBufferSize: 16644, MaxRawSize: 65536,
			Capabilities: CapExtendedSec | CapUnicode | CapDFS, SystemTime: 128790414900000000,
			ServerGUID: uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), SecurityBlob: []byte{0x60, 0x28},
		}},
		{"session setup", &SessionSetupAndXResponse{Action: 1, SecurityBlob: []byte{0xA1, 0x07, 0x30}, NativeOS: "Windows", NativeLanMan: "LM", PrimaryDomain: "CORP"}},
		{"logoff", &LogoffAndXResponse{}},
		{"tree connect", &TreeConnectAndXResponse{OptionalSupport: SupportSearchBits | SupportShareInDFS, Service: "A:", NativeFileSystem: "NTFS"}},
		{"tree disconnect", &TreeDisconnectResponse{}},
		{"echo", &EchoResponse{SequenceNumber: 1, Data: []byte("ping")}},
		{"trans2", &Trans2Response{Setup: []uint16{}, Parameters: []byte{0, 0}, Data: []byte{0x22, 0x00, 0x01, 0x00, 0x03, 0x00, 0x00, 0x00}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewResponse(tt.resp.Command())
			if err != nil {
				t.Fatalf("NewResponse: %v", err)
			}
			if err := got.Unmarshal(tt.resp.Marshal()); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !reflect.DeepEqual(got, tt.resp) {
				t.Errorf("round trip = %+v, want %+v", got, tt.resp)
			}
		})
	}
}

func TestNewResponseUnknown(t *testing.T) {
	if _, err := NewResponse(CommandNTCancel); !errors.Is(err, types.ErrUnknownCommand) {
		t.Errorf("NT_CANCEL has no response, got %v", err)
	}
}

func TestWordCountValidated(t *testing.T) {
	body := []byte{2, 0, 0, 0, 0, 0, 0}
	r := &TreeConnectAndXResponse{}
	if err := r.Unmarshal(body); !errors.Is(err, ErrWordCount) {
		t.Errorf("expected ErrWordCount, got %v", err)
	}

	// ByteCount claims more than the body holds.
	body = []byte{0, 0x10, 0x00, 'x'}
	if err := (&TreeDisconnectResponse{}).Unmarshal(body); !errors.Is(err, encoding.ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds, got %v", err)
	}
}

func TestNegotiateNoDialect(t *testing.T) {
	body := []byte{1, 0xFF, 0xFF, 0, 0}
	r := &NegotiateResponse{}
	if err := r.Unmarshal(body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if r.DialectIndex != NoDialect {
		t.Errorf("DialectIndex = %#x", r.DialectIndex)
	}
}

func TestNegotiateHelpers(t *testing.T) {
	r := &NegotiateResponse{SecurityMode: SecurityModeSignRequired, Capabilities: CapDFS}
	if !r.SigningEnabled() || !r.RequiresSigning() {
		t.Error("sign required implies enabled")
	}
	if !r.SupportsDFS() || r.SupportsExtendedSecurity() {
		t.Error("capability helpers wrong")
	}
	if r.ServerTime() != 0 {
		t.Error("zero system time should map to zero")
	}
}

func TestSessionSetupStatus(t *testing.T) {
	r := &SessionSetupAndXResponse{}
	if IsErrorStatus(r, types.StatusMoreProcessingReq) {
		t.Error("MORE_PROCESSING_REQUIRED is not an error for session setup")
	}
	if !IsErrorStatus(r, types.StatusLogonFailure) {
		t.Error("LOGON_FAILURE is an error")
	}
	if !IsErrorStatus(&EchoResponse{}, types.StatusMoreProcessingReq) {
		t.Error("MORE_PROCESSING_REQUIRED is an error for echo")
	}
}

func TestTreeConnectIsDFS(t *testing.T) {
	if !(&TreeConnectAndXResponse{OptionalSupport: SupportShareInDFS}).IsDFS() {
		t.Error("SMB_SHARE_IS_IN_DFS not detected")
	}
	if (&TreeConnectAndXResponse{OptionalSupport: SupportSearchBits}).IsDFS() {
		t.Error("search bits are not DFS")
	}
}

func TestTrans2Alignment(t *testing.T) {
	req := NewGetDFSReferralRequest([]byte{4, 0, 'x', 0, 0, 0}, 8192)
	body := req.Marshal()

	// ParameterOffset is word 10 (body offset 1+2*10).
	paramOff := int(encoding.Uint16LE(body[21:]))
	if paramOff%4 != 0 {
		t.Errorf("parameter offset %d not 4-byte aligned from header", paramOff)
	}
	if !bytes.Equal(body[paramOff-HeaderSize:paramOff-HeaderSize+6], req.Parameters) {
		t.Error("parameters not at advertised offset")
	}
	if setup := encoding.Uint16LE(body[29:]); setup != Trans2GetDFSReferral {
		t.Errorf("setup word = %#x", setup)
	}
}

func TestTrans2ResponseBounds(t *testing.T) {
	resp := &Trans2Response{Data: []byte{1, 2, 3, 4}}
	body := resp.Marshal()
	// Point DataOffset (word 7) past the body.
	encoding.PutUint16LE(body[15:], 0x400)
	if err := (&Trans2Response{}).Unmarshal(body); !errors.Is(err, types.ErrBufferOutOfRange) {
		t.Errorf("expected ErrBufferOutOfRange, got %v", err)
	}

	body = resp.Marshal()
	// TotalDataCount larger than DataCount means more fragments follow.
	encoding.PutUint16LE(body[3:], 64)
	if err := (&Trans2Response{}).Unmarshal(body); !errors.Is(err, ErrTrans2Fragmented) {
		t.Errorf("expected ErrTrans2Fragmented, got %v", err)
	}
}

func TestSignVerify(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 16)
	s := NewSigner(key)

	h := NewHeader(CommandEcho, 3)
	msg := append(h.Marshal(), (&EchoRequest{EchoCount: 1, Data: []byte("x")}).Marshal()...)
	s.Sign(msg, 2)

	if encoding.Uint16LE(msg[flags2Offset:])&Flags2SecuritySig == 0 {
		t.Error("signature flag not set")
	}
	if bytes.Equal(msg[SecuritySigOffset:SecuritySigOffset+SecuritySigSize], make([]byte, SecuritySigSize)) {
		t.Error("signature left empty")
	}
	if !s.Verify(msg, 2) {
		t.Error("valid signature rejected")
	}
	if s.Verify(msg, 3) {
		t.Error("wrong sequence number accepted")
	}
	msg[len(msg)-1] ^= 0xFF
	if s.Verify(msg, 2) {
		t.Error("tampered message accepted")
	}
}

func TestSequence(t *testing.T) {
	q := NewSequence(2)
	if n := q.Pair(); n != 2 {
		t.Errorf("first pair = %d", n)
	}
	if n := q.Single(); n != 4 {
		t.Errorf("cancel = %d", n)
	}
	if n := q.Pair(); n != 5 {
		t.Errorf("pair after cancel = %d", n)
	}
	if q.Peek() != 7 {
		t.Errorf("Peek = %d", q.Peek())
	}
}
