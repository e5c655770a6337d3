package smb1

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
)

// Capability flags
const (
	CapRawMode       uint32 = 0x00000001
	CapMpxMode       uint32 = 0x00000002
	CapUnicode       uint32 = 0x00000004
	CapLargeFiles    uint32 = 0x00000008
	CapNTSMBs        uint32 = 0x00000010
	CapRPCRemoteAPIs uint32 = 0x00000020
	CapNTStatusCodes uint32 = 0x00000040
	CapLevel2Oplocks uint32 = 0x00000080
	CapNTFind        uint32 = 0x00000200
	CapDFS           uint32 = 0x00001000
	CapLargeReadX    uint32 = 0x00004000
	CapLargeWriteX   uint32 = 0x00008000
	CapExtendedSec   uint32 = 0x80000000
)

// Security mode bits
const (
	SecurityModeUserLevel       uint8 = 0x01
	SecurityModeEncryptPassword uint8 = 0x02
	SecurityModeSignEnabled     uint8 = 0x04
	SecurityModeSignRequired    uint8 = 0x08
)

// NoDialect is the DialectIndex a server returns when it accepts none of the offered dialects.
const NoDialect uint16 = 0xFFFF

// NegotiateRequest offers dialect strings, each prefixed by buffer format 0x02.
type NegotiateRequest struct {
	Dialects []string
}

// NewNegotiateRequest offers the NT LM 0.12 dialect.
func NewNegotiateRequest() *NegotiateRequest {
	return &NegotiateRequest{Dialects: []string{DialectNTLM012}}
}

func (r *NegotiateRequest) Command() Command { return CommandNegotiate }

// Marshal serializes the negotiate request
func (r *NegotiateRequest) Marshal() []byte {
	w := newBody(0)
	pos := beginData(w)
	for _, d := range r.Dialects {
		w.PutUint8(0x02)
		w.PutASCIIZ(d)
	}
	return endData(w, pos)
}

// Unmarshal parses the dialect list.
func (r *NegotiateRequest) Unmarshal(body []byte) error {
	b, err := openBlock(body, CommandNegotiate, 0)
	if err != nil {
		return err
	}
	r.Dialects = nil
	end := b.dataEnd()
	for b.data.Index() < end && b.data.Err() == nil {
		if f := b.data.Uint8(); f != 0x02 {
			return fmt.Errorf("%s: buffer format %#x", CommandNegotiate, f)
		}
		r.Dialects = append(r.Dialects, b.data.ASCIIZ())
	}
	return b.err(CommandNegotiate)
}

// NegotiateResponse represents an SMB1 negotiate response
type NegotiateResponse struct {
	DialectIndex   uint16
	SecurityMode   uint8
	MaxMpxCount    uint16
	MaxNumberVcs   uint16
	MaxBufferSize  uint32
	MaxRawSize     uint32
	SessionKey     uint32
	Capabilities   uint32
	SystemTime     uint64
	ServerTimeZone int16

	// Extended security
	ServerGUID   uuid.UUID
	SecurityBlob []byte

	// Challenge is set when the server does not use extended security.
	Challenge []byte
}

func (r *NegotiateResponse) Command() Command { return CommandNegotiate }
func (r *NegotiateResponse) WordCount() int   { return 17 }

// Marshal serializes the response with its word block.
func (r *NegotiateResponse) Marshal() []byte {
	w := newBody(17)
	w.PutUint16(r.DialectIndex)
	w.PutUint8(r.SecurityMode)
	w.PutUint16(r.MaxMpxCount)
	w.PutUint16(r.MaxNumberVcs)
	w.PutUint32(r.MaxBufferSize)
	w.PutUint32(r.MaxRawSize)
	w.PutUint32(r.SessionKey)
	w.PutUint32(r.Capabilities)
	w.PutUint64(r.SystemTime)
	w.PutUint16(uint16(r.ServerTimeZone))
	if r.SupportsExtendedSecurity() {
		w.PutUint8(0)
	} else {
		w.PutUint8(uint8(len(r.Challenge)))
	}
	pos := beginData(w)
	if r.SupportsExtendedSecurity() {
		w.PutBytes(r.ServerGUID[:])
		w.PutBytes(r.SecurityBlob)
	} else {
		w.PutBytes(r.Challenge)
	}
	return endData(w, pos)
}

// Unmarshal parses the negotiate response
func (r *NegotiateResponse) Unmarshal(body []byte) error {
	// A server rejecting every dialect answers with a single word.
	b, err := openBlock(body, CommandNegotiate, 1)
	if err != nil {
		return err
	}
	r.DialectIndex = b.words.Uint16()
	if r.DialectIndex == NoDialect {
		return b.words.Err()
	}
	if b.wordCount < r.WordCount() {
		return fmt.Errorf("%s: %w: %d", CommandNegotiate, ErrWordCount, b.wordCount)
	}
	wr := b.words
	r.SecurityMode = wr.Uint8()
	r.MaxMpxCount = wr.Uint16()
	r.MaxNumberVcs = wr.Uint16()
	r.MaxBufferSize = wr.Uint32()
	r.MaxRawSize = wr.Uint32()
	r.SessionKey = wr.Uint32()
	r.Capabilities = wr.Uint32()
	r.SystemTime = wr.Uint64()
	r.ServerTimeZone = int16(wr.Uint16())
	challengeLen := int(wr.Uint8())

	if r.SupportsExtendedSecurity() {
		guid := b.data.Read(16)
		if guid != nil {
			copy(r.ServerGUID[:], guid)
		}
		r.SecurityBlob = b.data.Read(b.dataEnd() - b.data.Index())
	} else {
		r.Challenge = b.data.Read(challengeLen)
	}
	return b.err(CommandNegotiate)
}

// SupportsExtendedSecurity returns true if server supports extended security
func (r *NegotiateResponse) SupportsExtendedSecurity() bool {
	return r.Capabilities&CapExtendedSec != 0
}

// SupportsUnicode returns true if server supports Unicode
func (r *NegotiateResponse) SupportsUnicode() bool {
	return r.Capabilities&CapUnicode != 0
}

// SupportsDFS reports the CAP_DFS capability.
func (r *NegotiateResponse) SupportsDFS() bool {
	return r.Capabilities&CapDFS != 0
}

// SigningEnabled reports whether the server can sign.
func (r *NegotiateResponse) SigningEnabled() bool {
	return r.SecurityMode&(SecurityModeSignEnabled|SecurityModeSignRequired) != 0
}

// RequiresSigning reports whether the server requires signing.
func (r *NegotiateResponse) RequiresSigning() bool {
	return r.SecurityMode&SecurityModeSignRequired != 0
}

// ServerTime converts SystemTime to Unix milliseconds.
func (r *NegotiateResponse) ServerTime() int64 {
	if r.SystemTime == 0 {
		return 0
	}
	return encoding.FiletimeToUnixMillis(r.SystemTime)
}
