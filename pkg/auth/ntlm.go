package auth

import (
	"errors"
	"fmt"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
)

// NTLM message signatures and types
var ntlmSignature = [8]byte{'N', 'T', 'L', 'M', 'S', 'S', 'P', 0}

const (
	NtLmNegotiate    = 0x00000001 // Type 1
	NtLmChallenge    = 0x00000002 // Type 2
	NtLmAuthenticate = 0x00000003 // Type 3
)

// NTLMSSP negotiate flags
const (
	NtlmsspNegotiateUnicode                 uint32 = 0x00000001
	NtlmsspNegotiateOEM                     uint32 = 0x00000002
	NtlmsspRequestTarget                    uint32 = 0x00000004
	NtlmsspNegotiateSign                    uint32 = 0x00000010
	NtlmsspNegotiateSeal                    uint32 = 0x00000020
	NtlmsspNegotiateLmKey                   uint32 = 0x00000080
	NtlmsspNegotiateNTLM                    uint32 = 0x00000200
	NtlmsspNegotiateAnonymous               uint32 = 0x00000800
	NtlmsspNegotiateOEMDomainSupplied       uint32 = 0x00001000
	NtlmsspNegotiateOEMWorkstationSupplied  uint32 = 0x00002000
	NtlmsspNegotiateAlwaysSign              uint32 = 0x00008000
	NtlmsspTargetTypeDomain                 uint32 = 0x00010000
	NtlmsspTargetTypeServer                 uint32 = 0x00020000
	NtlmsspNegotiateExtendedSessionSecurity uint32 = 0x00080000
	NtlmsspNegotiateIdentify                uint32 = 0x00100000
	NtlmsspRequestNonNTSessionKey           uint32 = 0x00400000
	NtlmsspNegotiateTargetInfo              uint32 = 0x00800000
	NtlmsspNegotiateVersion                 uint32 = 0x02000000
	NtlmsspNegotiate128                     uint32 = 0x20000000
	NtlmsspNegotiateKeyExchange             uint32 = 0x40000000
	NtlmsspNegotiate56                      uint32 = 0x80000000
)

// DefaultNegotiateFlags for NTLMv2 authentication
var DefaultNegotiateFlags = NtlmsspNegotiateUnicode |
	NtlmsspRequestTarget |
	NtlmsspNegotiateSign |
	NtlmsspNegotiateNTLM |
	NtlmsspNegotiateAlwaysSign |
	NtlmsspNegotiateExtendedSessionSecurity |
	NtlmsspNegotiateTargetInfo |
	NtlmsspNegotiateVersion |
	NtlmsspNegotiate128 |
	NtlmsspNegotiateKeyExchange |
	NtlmsspNegotiate56

var (
	// ErrInvalidNTLMMessage is returned for a truncated or mistyped NTLMSSP message.
	ErrInvalidNTLMMessage = errors.New("auth: invalid NTLMSSP message")
)

// NTLMVersion represents the Version field in NTLM messages
type NTLMVersion struct {
	ProductMajorVersion uint8
	ProductMinorVersion uint8
	ProductBuild        uint16
	NTLMRevisionCurrent uint8
}

// DefaultVersion returns a Windows 10 compatible version
func DefaultVersion() NTLMVersion {
	return NTLMVersion{
		ProductMajorVersion: 10,
		ProductMinorVersion: 0,
		ProductBuild:        19041,
		NTLMRevisionCurrent: 15, // NTLMSSP_REVISION_W2K3
	}
}

func (v NTLMVersion) put(w *encoding.Cursor) {
	w.PutUint8(v.ProductMajorVersion)
	w.PutUint8(v.ProductMinorVersion)
	w.PutUint16(v.ProductBuild)
	w.PutZeros(3)
	w.PutUint8(v.NTLMRevisionCurrent)
}

func readVersion(r *encoding.Cursor) NTLMVersion {
	var v NTLMVersion
	v.ProductMajorVersion = r.Uint8()
	v.ProductMinorVersion = r.Uint8()
	v.ProductBuild = r.Uint16()
	r.Skip(3)
	v.NTLMRevisionCurrent = r.Uint8()
	return v
}

// securityBuffer is the Len/MaxLen/Offset triple pointing into a message payload.
type securityBuffer struct {
	Len    uint16
	Offset uint32
}

func readSecurityBuffer(r *encoding.Cursor) securityBuffer {
	var sb securityBuffer
	sb.Len = r.Uint16()
	r.Skip(2) // MaxLen
	sb.Offset = r.Uint32()
	return sb
}

// payload returns the bytes a security buffer points at.
func (sb securityBuffer) payload(msg []byte) ([]byte, error) {
	if sb.Len == 0 {
		return nil, nil
	}
	end := int(sb.Offset) + int(sb.Len)
	if end > len(msg) {
		return nil, fmt.Errorf("%w: field [%d,+%d) past %d bytes", ErrInvalidNTLMMessage, sb.Offset, sb.Len, len(msg))
	}
	return append([]byte(nil), msg[sb.Offset:end]...), nil
}

// putPayload writes a security buffer header at w and the data at the
// deferred payload cursor.
func putPayload(w, payload *encoding.Cursor, data []byte) {
	w.PutUint16(uint16(len(data)))
	w.PutUint16(uint16(len(data)))
	w.PutUint32(uint32(payload.Index()))
	payload.PutBytes(data)
}

// AvPair represents an AV_PAIR structure in TargetInfo
type AvPair struct {
	AvID  uint16
	Value []byte
}

// AV_PAIR IDs
const (
	MsvAvEOL             uint16 = 0x0000
	MsvAvNbComputerName  uint16 = 0x0001
	MsvAvNbDomainName    uint16 = 0x0002
	MsvAvDnsComputerName uint16 = 0x0003
	MsvAvDnsDomainName   uint16 = 0x0004
	MsvAvDnsTreeName     uint16 = 0x0005
	MsvAvFlags           uint16 = 0x0006
	MsvAvTimestamp       uint16 = 0x0007
	MsvAvSingleHost      uint16 = 0x0008
	MsvAvTargetName      uint16 = 0x0009
	MsvAvChannelBindings uint16 = 0x000A
)

// MsvAvFlags bit announcing that the AUTHENTICATE message carries a MIC.
const avFlagMICPresent uint32 = 0x00000002

// ParseAvPairs parses the AV_PAIR list of a TargetInfo buffer. Parsing stops
// at MsvAvEOL or at the first pair that would run past the buffer.
func ParseAvPairs(data []byte) []AvPair {
	var pairs []AvPair
	r := encoding.NewReader(data)
	for r.Remaining() >= 4 {
		id, n := r.Uint16(), int(r.Uint16())
		if id == MsvAvEOL {
			break
		}
		v := r.Read(n)
		if r.Err() != nil {
			break
		}
		pairs = append(pairs, AvPair{AvID: id, Value: v})
	}
	return pairs
}

// MarshalAvPairs serializes an AV_PAIR list terminated by MsvAvEOL.
func MarshalAvPairs(pairs []AvPair) []byte {
	w := encoding.NewWriter(64)
	for _, p := range pairs {
		w.PutUint16(p.AvID)
		w.PutUint16(uint16(len(p.Value)))
		w.PutBytes(p.Value)
	}
	w.PutUint32(0)
	return w.Bytes()
}

// FindAvPair finds an AV_PAIR by ID
func FindAvPair(pairs []AvPair, id uint16) *AvPair {
	for i := range pairs {
		if pairs[i].AvID == id {
			return &pairs[i]
		}
	}
	return nil
}
