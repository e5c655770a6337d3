package types

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
)

// Negotiate context types (SMB 3.1.1)
const (
	ContextPreauthIntegrity uint16 = 0x0001
	ContextEncryption       uint16 = 0x0002
	ContextCompression      uint16 = 0x0003
	ContextSigning          uint16 = 0x0008
)

// HashAlgorithmSHA512 is the only preauth integrity hash defined for 3.1.1.
const HashAlgorithmSHA512 uint16 = 0x0001

// Signing algorithm ids for SIGNING_CAPABILITIES
const (
	SigningHMACSHA256 uint16 = 0x0000
	SigningAESCMAC    uint16 = 0x0001
	SigningAESGMAC    uint16 = 0x0002
)

// NegotiateContext is one entry of the 3.1.1 context list.
type NegotiateContext struct {
	Type uint16
	Data []byte
}

// PreauthIntegrity is the PREAUTH_INTEGRITY_CAPABILITIES context payload.
type PreauthIntegrity struct {
	HashAlgorithms []uint16
	Salt           []byte
}

// Context encodes p as a negotiate context.
func (p *PreauthIntegrity) Context() NegotiateContext {
	w := encoding.NewWriter(4 + 2*len(p.HashAlgorithms) + len(p.Salt))
	w.PutUint16(uint16(len(p.HashAlgorithms)))
	w.PutUint16(uint16(len(p.Salt)))
	for _, h := range p.HashAlgorithms {
		w.PutUint16(h)
	}
	w.PutBytes(p.Salt)
	return NegotiateContext{Type: ContextPreauthIntegrity, Data: w.Bytes()}
}

// ParsePreauthIntegrity decodes a PREAUTH_INTEGRITY_CAPABILITIES payload.
func ParsePreauthIntegrity(data []byte) (*PreauthIntegrity, error) {
	r := encoding.NewReader(data)
	n := int(r.Uint16())
	saltLen := int(r.Uint16())
	if 2*n > r.Remaining() {
		return nil, fmt.Errorf("preauth context: %w", encoding.ErrOutOfBounds)
	}
	p := &PreauthIntegrity{HashAlgorithms: make([]uint16, n)}
	for i := range p.HashAlgorithms {
		p.HashAlgorithms[i] = r.Uint16()
	}
	p.Salt = r.Read(saltLen)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("preauth context: %w", err)
	}
	return p, nil
}

// SigningCapabilities is the SIGNING_CAPABILITIES context payload.
type SigningCapabilities struct {
	Algorithms []uint16
}

// Context encodes s as a negotiate context.
func (s *SigningCapabilities) Context() NegotiateContext {
	w := encoding.NewWriter(2 + 2*len(s.Algorithms))
	w.PutUint16(uint16(len(s.Algorithms)))
	for _, a := range s.Algorithms {
		w.PutUint16(a)
	}
	return NegotiateContext{Type: ContextSigning, Data: w.Bytes()}
}

// ParseSigningCapabilities decodes a SIGNING_CAPABILITIES payload.
func ParseSigningCapabilities(data []byte) (*SigningCapabilities, error) {
	r := encoding.NewReader(data)
	n := int(r.Uint16())
	if 2*n > r.Remaining() {
		return nil, fmt.Errorf("signing context: %w", encoding.ErrOutOfBounds)
	}
	s := &SigningCapabilities{Algorithms: make([]uint16, n)}
	for i := range s.Algorithms {
		s.Algorithms[i] = r.Uint16()
	}
	return s, r.Err()
}

func encodeContexts(w *encoding.Cursor, ctxs []NegotiateContext) {
	for i, c := range ctxs {
		if i > 0 {
			w.Align(8, true)
		}
		w.PutUint16(c.Type)
		w.PutUint16(uint16(len(c.Data)))
		w.PutUint32(0)
		w.PutBytes(c.Data)
	}
}

func decodeContexts(r *encoding.Cursor, count int) ([]NegotiateContext, error) {
	if count*8 > r.Remaining() {
		return nil, fmt.Errorf("%d negotiate contexts: %w", count, encoding.ErrOutOfBounds)
	}
	ctxs := make([]NegotiateContext, 0, count)
	for i := 0; i < count; i++ {
		if i > 0 {
			r.Align(8, false)
		}
		typ := r.Uint16()
		n := int(r.Uint16())
		r.Skip(4)
		ctxs = append(ctxs, NegotiateContext{Type: typ, Data: r.Read(n)})
		if err := r.Err(); err != nil {
			return nil, err
		}
	}
	return ctxs, nil
}

func findContext(ctxs []NegotiateContext, typ uint16) *NegotiateContext {
	for i := range ctxs {
		if ctxs[i].Type == typ {
			return &ctxs[i]
		}
	}
	return nil
}

// NegotiateRequest represents an SMB2 NEGOTIATE request
type NegotiateRequest struct {
	SecurityMode SecurityMode
	Capabilities Capabilities
	ClientGUID   uuid.UUID
	Dialects     []Dialect
	Contexts     []NegotiateContext // sent only when Dialects includes 3.1.1
}

// NewNegotiateRequest creates a negotiate request offering dialects.
func NewNegotiateRequest(dialects []Dialect, signingRequired bool) *NegotiateRequest {
	mode := NegotiateSigningEnabled
	if signingRequired {
		mode |= NegotiateSigningRequired
	}
	return &NegotiateRequest{
		SecurityMode: mode,
		Capabilities: GlobalCapDFS | GlobalCapLargeMTU,
		ClientGUID:   uuid.New(),
		Dialects:     dialects,
	}
}

func (r *NegotiateRequest) Command() Command { return CommandNegotiate }

func (r *NegotiateRequest) Size() int { return 36 + 2*len(r.Dialects) }

// Offers reports whether d is one of the requested dialects.
func (r *NegotiateRequest) Offers(d Dialect) bool {
	for _, o := range r.Dialects {
		if o == d {
			return true
		}
	}
	return false
}

// Marshal serializes the negotiate request
func (r *NegotiateRequest) Marshal() []byte {
	w := encoding.NewWriter(r.Size() + 128)
	w.PutUint16(36)
	w.PutUint16(uint16(len(r.Dialects)))
	w.PutUint16(uint16(r.SecurityMode))
	w.PutUint16(0)
	w.PutUint32(uint32(r.Capabilities))
	w.PutBytes(r.ClientGUID[:])
	w.PutUint32(0) // NegotiateContextOffset, patched below
	w.PutUint16(uint16(len(r.Contexts)))
	w.PutUint16(0)
	for _, d := range r.Dialects {
		w.PutUint16(uint16(d))
	}
	if len(r.Contexts) > 0 {
		w.Align(8, true)
		w.PutUint32At(28, uint32(SMB2HeaderSize+w.Offset()))
		encodeContexts(w, r.Contexts)
	}
	return w.Bytes()
}

// Unmarshal decodes a negotiate request body.
func (r *NegotiateRequest) Unmarshal(body []byte) error {
	c, err := openBody(body, CommandNegotiate, 36)
	if err != nil {
		return err
	}
	n := int(c.Uint16())
	r.SecurityMode = SecurityMode(c.Uint16())
	c.Skip(2)
	r.Capabilities = Capabilities(c.Uint32())
	copy(r.ClientGUID[:], c.Read(16))
	ctxOffset := int(c.Uint32())
	ctxCount := int(c.Uint16())
	c.Skip(2)
	if 2*n > c.Remaining() {
		return fmt.Errorf("%s: %d dialects: %w", CommandNegotiate, n, encoding.ErrOutOfBounds)
	}
	r.Dialects = make([]Dialect, n)
	for i := range r.Dialects {
		r.Dialects[i] = Dialect(c.Uint16())
	}
	if ctxCount > 0 {
		c.Seek(ctxOffset - SMB2HeaderSize)
		if r.Contexts, err = decodeContexts(c, ctxCount); err != nil {
			return fmt.Errorf("%s: %w", CommandNegotiate, err)
		}
	}
	return closeBody(c, CommandNegotiate)
}

// NegotiateResponse represents an SMB2 NEGOTIATE response
type NegotiateResponse struct {
	SecurityMode    SecurityMode
	DialectRevision Dialect
	ServerGUID      uuid.UUID
	Capabilities    Capabilities
	MaxTransactSize uint32
	MaxReadSize     uint32
	MaxWriteSize    uint32
	SystemTime      uint64 // FILETIME
	ServerStartTime uint64 // FILETIME
	SecurityBuffer  []byte // GSS token (SPNEGO)
	Contexts        []NegotiateContext
}

func (r *NegotiateResponse) Command() Command { return CommandNegotiate }

func (r *NegotiateResponse) StructureSize() uint16 { return 65 }

// Marshal encodes the response body the way a server sends it.
func (r *NegotiateResponse) Marshal() []byte {
	w := encoding.NewWriter(128 + len(r.SecurityBuffer))
	w.PutUint16(65)
	w.PutUint16(uint16(r.SecurityMode))
	w.PutUint16(uint16(r.DialectRevision))
	w.PutUint16(uint16(len(r.Contexts)))
	w.PutBytes(r.ServerGUID[:])
	w.PutUint32(uint32(r.Capabilities))
	w.PutUint32(r.MaxTransactSize)
	w.PutUint32(r.MaxReadSize)
	w.PutUint32(r.MaxWriteSize)
	w.PutUint64(r.SystemTime)
	w.PutUint64(r.ServerStartTime)
	w.PutUint16(uint16(bufferOffset(64)))
	w.PutUint16(uint16(len(r.SecurityBuffer)))
	w.PutUint32(0) // NegotiateContextOffset
	if len(r.SecurityBuffer) == 0 {
		w.PutUint8(0)
	}
	w.PutBytes(r.SecurityBuffer)
	if len(r.Contexts) > 0 {
		w.Align(8, true)
		w.PutUint32At(60, uint32(SMB2HeaderSize+w.Offset()))
		encodeContexts(w, r.Contexts)
	}
	return w.Bytes()
}

// Unmarshal deserializes a negotiate response
func (r *NegotiateResponse) Unmarshal(body []byte) error {
	c, err := openBody(body, CommandNegotiate, 65)
	if err != nil {
		return err
	}
	r.SecurityMode = SecurityMode(c.Uint16())
	r.DialectRevision = Dialect(c.Uint16())
	ctxCount := int(c.Uint16())
	copy(r.ServerGUID[:], c.Read(16))
	r.Capabilities = Capabilities(c.Uint32())
	r.MaxTransactSize = c.Uint32()
	r.MaxReadSize = c.Uint32()
	r.MaxWriteSize = c.Uint32()
	r.SystemTime = c.Uint64()
	r.ServerStartTime = c.Uint64()
	secOffset := int(c.Uint16())
	secLen := int(c.Uint16())
	ctxOffset := int(c.Uint32())
	if err := closeBody(c, CommandNegotiate); err != nil {
		return err
	}
	if r.SecurityBuffer, err = headerRelative(body, secOffset, secLen); err != nil {
		return fmt.Errorf("%s: security buffer: %w", CommandNegotiate, err)
	}
	if r.DialectRevision == DialectSMB3_1_1 && ctxCount > 0 {
		c.Seek(ctxOffset - SMB2HeaderSize)
		if r.Contexts, err = decodeContexts(c, ctxCount); err != nil {
			return fmt.Errorf("%s: %w", CommandNegotiate, err)
		}
	}
	return closeBody(c, CommandNegotiate)
}

// IsSMB3 returns true if SMB3.x was negotiated
func (r *NegotiateResponse) IsSMB3() bool {
	return r.DialectRevision.IsSMB3()
}

// RequiresSigning returns true if signing is required
func (r *NegotiateResponse) RequiresSigning() bool {
	return r.SecurityMode&NegotiateSigningRequired != 0
}

// SigningEnabled returns true if the server advertises signing support
func (r *NegotiateResponse) SigningEnabled() bool {
	return r.SecurityMode&(NegotiateSigningEnabled|NegotiateSigningRequired) != 0
}

// Preauth returns the server's preauth integrity context, or nil.
func (r *NegotiateResponse) Preauth() (*PreauthIntegrity, error) {
	c := findContext(r.Contexts, ContextPreauthIntegrity)
	if c == nil {
		return nil, nil
	}
	return ParsePreauthIntegrity(c.Data)
}

// SigningAlgorithm returns the algorithm selected by a 3.1.1 server, or
// the dialect default when no signing context was returned.
func (r *NegotiateResponse) SigningAlgorithm() uint16 {
	if c := findContext(r.Contexts, ContextSigning); c != nil {
		if s, err := ParseSigningCapabilities(c.Data); err == nil && len(s.Algorithms) > 0 {
			return s.Algorithms[0]
		}
	}
	if r.IsSMB3() {
		return SigningAESCMAC
	}
	return SigningHMACSHA256
}
