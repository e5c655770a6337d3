// Package smb1 implements the SMB1 (NT LM 0.12) messages the engine needs
// for legacy servers: negotiate, session setup, tree connect, echo, cancel
// and the TRANS2 DFS referral request, plus MD5 message signing.
package smb1

import (
	"errors"
	"fmt"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
	"github.com/ineffectivecoder/smbwire/pkg/smb/types"
)

// SMB1 Command codes
type Command uint8

const (
	CommandClose            Command = 0x04
	CommandTrans2           Command = 0x32
	CommandEcho             Command = 0x2B
	CommandTreeDisconnect   Command = 0x71
	CommandNegotiate        Command = 0x72
	CommandSessionSetupAndX Command = 0x73
	CommandLogoffAndX       Command = 0x74
	CommandTreeConnectAndX  Command = 0x75
	CommandNTCancel         Command = 0xA4
)

var commandNames = map[Command]string{
	CommandClose:            "SMB_COM_CLOSE",
	CommandTrans2:           "SMB_COM_TRANSACTION2",
	CommandEcho:             "SMB_COM_ECHO",
	CommandTreeDisconnect:   "SMB_COM_TREE_DISCONNECT",
	CommandNegotiate:        "SMB_COM_NEGOTIATE",
	CommandSessionSetupAndX: "SMB_COM_SESSION_SETUP_ANDX",
	CommandLogoffAndX:       "SMB_COM_LOGOFF_ANDX",
	CommandTreeConnectAndX:  "SMB_COM_TREE_CONNECT_ANDX",
	CommandNTCancel:         "SMB_COM_NT_CANCEL",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("SMB_COM_0x%02X", uint8(c))
}

// SMB1 header flags
const (
	FlagsCaseless  uint8 = 0x08
	FlagsCanonical uint8 = 0x10
	FlagsResponse  uint8 = 0x80
)

// SMB1 header flags2
const (
	Flags2LongNames    uint16 = 0x0001
	Flags2EAS          uint16 = 0x0002
	Flags2SecuritySig  uint16 = 0x0004
	Flags2ExtendedSec  uint16 = 0x0800
	Flags2DFSPathnames uint16 = 0x1000
	Flags2NTStatusCode uint16 = 0x4000
	Flags2Unicode      uint16 = 0x8000
)

// HeaderSize is the fixed SMB1 header length.
const HeaderSize = 32

// Field offsets used by signing and the reader loop.
const (
	SecuritySigOffset = 14
	SecuritySigSize   = 8
	flags2Offset      = 10
	midOffset         = 30
)

// ClientPID is the process id the engine advertises.
const ClientPID uint16 = 0xFEFF

// ErrInvalidProtocolID is returned when a frame does not start with 0xFF 'S' 'M' 'B'.
var ErrInvalidProtocolID = errors.New("invalid SMB1 protocol ID")

// Header represents an SMB1 header (32 bytes)
type Header struct {
	Command     Command
	Status      types.NTStatus // NT status (Flags2NTStatusCode is always set)
	Flags       uint8
	Flags2      uint16
	PIDHigh     uint16
	SecuritySig [8]byte
	TID         uint16
	PIDLow      uint16
	UID         uint16
	MID         uint16
}

// NewHeader creates a new SMB1 header
func NewHeader(cmd Command, mid uint16) *Header {
	return &Header{
		Command: cmd,
		Flags:   FlagsCaseless | FlagsCanonical,
		Flags2:  Flags2LongNames | Flags2ExtendedSec | Flags2NTStatusCode | Flags2Unicode,
		PIDLow:  ClientPID,
		MID:     mid,
	}
}

// Marshal serializes the header to bytes
func (h *Header) Marshal() []byte {
	w := encoding.NewWriter(HeaderSize)
	w.PutBytes(types.SMB1ProtocolID[:])
	w.PutUint8(uint8(h.Command))
	w.PutUint32(uint32(h.Status))
	w.PutUint8(h.Flags)
	w.PutUint16(h.Flags2)
	w.PutUint16(h.PIDHigh)
	w.PutBytes(h.SecuritySig[:])
	w.PutUint16(0) // Reserved
	w.PutUint16(h.TID)
	w.PutUint16(h.PIDLow)
	w.PutUint16(h.UID)
	w.PutUint16(h.MID)
	return w.Bytes()
}

// Unmarshal parses bytes into the header
func (h *Header) Unmarshal(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("%w: SMB1 header needs %d bytes, have %d", types.ErrBufferTooSmall, HeaderSize, len(buf))
	}
	if !types.IsSMB1(buf) {
		return ErrInvalidProtocolID
	}
	r := encoding.NewReader(buf[4:HeaderSize])
	h.Command = Command(r.Uint8())
	h.Status = types.NTStatus(r.Uint32())
	h.Flags = r.Uint8()
	h.Flags2 = r.Uint16()
	h.PIDHigh = r.Uint16()
	copy(h.SecuritySig[:], r.Read(8))
	r.Skip(2)
	h.TID = r.Uint16()
	h.PIDLow = r.Uint16()
	h.UID = r.Uint16()
	h.MID = r.Uint16()
	return r.Err()
}

// IsResponse returns true if this is a response message
func (h *Header) IsResponse() bool {
	return h.Flags&FlagsResponse != 0
}

// IsSigned returns true if the security signature flag is set
func (h *Header) IsSigned() bool {
	return h.Flags2&Flags2SecuritySig != 0
}

// PeekMID reads the multiplex id of a framed SMB1 message.
func PeekMID(buf []byte) (uint16, bool) {
	if len(buf) < HeaderSize {
		return 0, false
	}
	return encoding.Uint16LE(buf[midOffset:]), true
}

// DialectNTLM012 is the only SMB1 dialect the engine offers.
const DialectNTLM012 = "NT LM 0.12"
