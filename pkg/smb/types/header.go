package types

import (
	"errors"
	"fmt"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
)

// ErrInvalidProtocolID is returned when a frame does not start with 0xFE 'S' 'M' 'B'.
var ErrInvalidProtocolID = errors.New("invalid SMB2 protocol ID")

// Header represents an SMB2 message header (64 bytes).
//
// The sync form carries Reserved and TreeID at offsets 32 and 36; the async
// form (FlagsAsyncCommand) replaces both with a single 8-byte AsyncID.
type Header struct {
	CreditCharge uint16      // Number of credits consumed
	Status       NTStatus    // NT Status code (response) / ChannelSequence (request)
	Command      Command     // Command code
	Credits      uint16      // Credits requested (request) / Credits granted (response)
	Flags        HeaderFlags // Flags
	NextCommand  uint32      // Offset to next command (for compounding)
	MessageID    uint64      // Message identifier
	Reserved     uint32      // Sync form only
	TreeID       uint32      // Sync form only
	AsyncID      uint64      // Async form only
	SessionID    uint64      // Session identifier
	Signature    [16]byte    // Signature for signed messages
}

// NewHeader creates a new SMB2 header with default values
func NewHeader(cmd Command, messageID uint64) *Header {
	return &Header{
		CreditCharge: 1,
		Command:      cmd,
		MessageID:    messageID,
		Credits:      1,
	}
}

// Marshal serializes the header to bytes
func (h *Header) Marshal() []byte {
	w := encoding.NewWriter(SMB2HeaderSize)
	h.Encode(w)
	return w.Bytes()
}

// Encode writes the header at the cursor position.
func (h *Header) Encode(w *encoding.Cursor) {
	w.PutBytes(SMB2ProtocolID[:])
	w.PutUint16(SMB2HeaderSize)
	w.PutUint16(h.CreditCharge)
	w.PutUint32(uint32(h.Status))
	w.PutUint16(uint16(h.Command))
	w.PutUint16(h.Credits)
	w.PutUint32(uint32(h.Flags))
	w.PutUint32(h.NextCommand)
	w.PutUint64(h.MessageID)
	if h.IsAsync() {
		w.PutUint64(h.AsyncID)
	} else {
		w.PutUint32(h.Reserved)
		w.PutUint32(h.TreeID)
	}
	w.PutUint64(h.SessionID)
	w.PutBytes(h.Signature[:])
}

// Unmarshal deserializes a header from bytes
func (h *Header) Unmarshal(buf []byte) error {
	if len(buf) < SMB2HeaderSize {
		return fmt.Errorf("%w: SMB2 header needs %d bytes, have %d", ErrBufferTooSmall, SMB2HeaderSize, len(buf))
	}
	r := encoding.NewReader(buf[:SMB2HeaderSize])
	if [4]byte(r.Read(4)) != SMB2ProtocolID {
		return ErrInvalidProtocolID
	}
	if size := r.Uint16(); size != SMB2HeaderSize {
		return &StructureSizeError{Command: Command(encoding.Uint16LE(buf[12:14])), Got: size, Want: SMB2HeaderSize}
	}
	h.CreditCharge = r.Uint16()
	h.Status = NTStatus(r.Uint32())
	h.Command = Command(r.Uint16())
	h.Credits = r.Uint16()
	h.Flags = HeaderFlags(r.Uint32())
	h.NextCommand = r.Uint32()
	h.MessageID = r.Uint64()
	if h.IsAsync() {
		h.AsyncID = r.Uint64()
		h.Reserved, h.TreeID = 0, 0
	} else {
		h.Reserved = r.Uint32()
		h.TreeID = r.Uint32()
		h.AsyncID = 0
	}
	h.SessionID = r.Uint64()
	copy(h.Signature[:], r.Read(16))
	return r.Err()
}

// IsResponse returns true if this is a response from the server
func (h *Header) IsResponse() bool {
	return h.Flags&FlagsServerToRedir != 0
}

// IsSigned returns true if the message is signed
func (h *Header) IsSigned() bool {
	return h.Flags&FlagsSigned != 0
}

// IsAsync returns true if this is an async response
func (h *Header) IsAsync() bool {
	return h.Flags&FlagsAsyncCommand != 0
}

// IsRelated returns true if the message continues a related compound chain
func (h *Header) IsRelated() bool {
	return h.Flags&FlagsRelatedOps != 0
}

// IsInterim reports whether the header is an interim STATUS_PENDING answer
// to a request that will complete later.
func (h *Header) IsInterim() bool {
	return h.IsAsync() && h.Status == StatusPending
}

// IsSMB2 reports whether buf starts with the SMB2 protocol magic.
func IsSMB2(buf []byte) bool {
	return len(buf) >= 4 && [4]byte(buf[:4]) == SMB2ProtocolID
}

// IsSMB1 reports whether buf starts with the SMB1 protocol magic.
func IsSMB1(buf []byte) bool {
	return len(buf) >= 4 && [4]byte(buf[:4]) == SMB1ProtocolID
}
