package auth

import (
	"fmt"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
)

// negotiateFixedLen is the Type 1 header up to and including Version.
const negotiateFixedLen = 40

// NegotiateMessage represents NTLMSSP Type 1 message (NEGOTIATE_MESSAGE)
type NegotiateMessage struct {
	NegotiateFlags uint32
	Domain         string
	Workstation    string
	Version        NTLMVersion
}

// NewNegotiateMessage creates a Type 1 message
func NewNegotiateMessage() *NegotiateMessage {
	return &NegotiateMessage{
		NegotiateFlags: DefaultNegotiateFlags,
		Version:        DefaultVersion(),
	}
}

// Marshal serializes the Type 1 message. Domain and workstation are sent
// OEM-encoded and only when set, with the matching supplied flags.
func (m *NegotiateMessage) Marshal() []byte {
	flags := m.NegotiateFlags
	if m.Domain != "" {
		flags |= NtlmsspNegotiateOEMDomainSupplied
	}
	if m.Workstation != "" {
		flags |= NtlmsspNegotiateOEMWorkstationSupplied
	}

	w := encoding.NewWriter(negotiateFixedLen + len(m.Domain) + len(m.Workstation))
	w.PutBytes(ntlmSignature[:])
	w.PutUint32(NtLmNegotiate)
	w.PutUint32(flags)
	fields := w.Index()
	w.PutZeros(16)
	m.Version.put(w)

	payload := w.Deferred()
	hdr := w.At(fields)
	putPayload(hdr, payload, []byte(m.Domain))
	putPayload(hdr, payload, []byte(m.Workstation))
	return w.Bytes()
}

// ParseNegotiateMessage decodes a Type 1 message.
func ParseNegotiateMessage(data []byte) (*NegotiateMessage, error) {
	r, err := openMessage(data, NtLmNegotiate)
	if err != nil {
		return nil, err
	}
	m := &NegotiateMessage{NegotiateFlags: r.Uint32()}
	domain := readSecurityBuffer(r)
	ws := readSecurityBuffer(r)
	if m.NegotiateFlags&NtlmsspNegotiateVersion != 0 {
		m.Version = readVersion(r)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNTLMMessage, err)
	}
	d, err := domain.payload(data)
	if err != nil {
		return nil, err
	}
	s, err := ws.payload(data)
	if err != nil {
		return nil, err
	}
	m.Domain, m.Workstation = string(d), string(s)
	return m, nil
}

// openMessage checks the NTLMSSP signature and message type and returns a
// reader positioned after them.
func openMessage(data []byte, msgType uint32) (*encoding.Cursor, error) {
	r := encoding.NewReader(data)
	sig := r.Read(8)
	typ := r.Uint32()
	if r.Err() != nil {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidNTLMMessage, len(data))
	}
	if [8]byte(sig) != ntlmSignature {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidNTLMMessage)
	}
	if typ != msgType {
		return nil, fmt.Errorf("%w: type %d, want %d", ErrInvalidNTLMMessage, typ, msgType)
	}
	return r, nil
}
