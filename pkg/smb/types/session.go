package types

import (
	"fmt"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
)

// SessionSetupRequest represents an SMB2 SESSION_SETUP request
type SessionSetupRequest struct {
	Flags             uint8
	SecurityMode      SecurityMode
	Capabilities      Capabilities
	Channel           uint32
	PreviousSessionID uint64
	SecurityBuffer    []byte // SPNEGO/NTLMSSP token
}

// NewSessionSetupRequest creates a new session setup request
func NewSessionSetupRequest(securityBuffer []byte, signingRequired bool) *SessionSetupRequest {
	mode := NegotiateSigningEnabled
	if signingRequired {
		mode |= NegotiateSigningRequired
	}
	return &SessionSetupRequest{
		SecurityMode:   mode,
		Capabilities:   GlobalCapDFS,
		SecurityBuffer: securityBuffer,
	}
}

func (r *SessionSetupRequest) Command() Command { return CommandSessionSetup }

func (r *SessionSetupRequest) Size() int { return 24 + len(r.SecurityBuffer) }

// Marshal serializes the session setup request
func (r *SessionSetupRequest) Marshal() []byte {
	w := encoding.NewWriter(r.Size())
	w.PutUint16(25)
	w.PutUint8(r.Flags)
	w.PutUint8(uint8(r.SecurityMode))
	w.PutUint32(uint32(r.Capabilities))
	w.PutUint32(r.Channel)
	w.PutUint16(uint16(bufferOffset(24)))
	w.PutUint16(uint16(len(r.SecurityBuffer)))
	w.PutUint64(r.PreviousSessionID)
	w.PutBytes(r.SecurityBuffer)
	return w.Bytes()
}

// Unmarshal decodes a session setup request body.
func (r *SessionSetupRequest) Unmarshal(body []byte) error {
	c, err := openBody(body, CommandSessionSetup, 25)
	if err != nil {
		return err
	}
	r.Flags = c.Uint8()
	r.SecurityMode = SecurityMode(c.Uint8())
	r.Capabilities = Capabilities(c.Uint32())
	r.Channel = c.Uint32()
	off, n := int(c.Uint16()), int(c.Uint16())
	r.PreviousSessionID = c.Uint64()
	if err := closeBody(c, CommandSessionSetup); err != nil {
		return err
	}
	if r.SecurityBuffer, err = headerRelative(body, off, n); err != nil {
		return fmt.Errorf("%s: %w", CommandSessionSetup, err)
	}
	return nil
}

// SessionFlags
const (
	SessionFlagIsGuest     uint16 = 0x0001
	SessionFlagIsNull      uint16 = 0x0002
	SessionFlagEncryptData uint16 = 0x0004
)

// SessionSetupResponse represents an SMB2 SESSION_SETUP response
type SessionSetupResponse struct {
	SessionFlags   uint16
	SecurityBuffer []byte // SPNEGO/NTLMSSP token
}

func (r *SessionSetupResponse) Command() Command { return CommandSessionSetup }

func (r *SessionSetupResponse) StructureSize() uint16 { return 9 }

// IsErrorStatus treats STATUS_MORE_PROCESSING_REQUIRED as another leg of
// the handshake, not a failure.
func (r *SessionSetupResponse) IsErrorStatus(s NTStatus) bool {
	return s != StatusSuccess && s != StatusMoreProcessingReq
}

// Marshal encodes the response body.
func (r *SessionSetupResponse) Marshal() []byte {
	w := encoding.NewWriter(8 + len(r.SecurityBuffer))
	w.PutUint16(9)
	w.PutUint16(r.SessionFlags)
	w.PutUint16(uint16(bufferOffset(8)))
	w.PutUint16(uint16(len(r.SecurityBuffer)))
	if len(r.SecurityBuffer) == 0 {
		w.PutUint8(0)
	}
	w.PutBytes(r.SecurityBuffer)
	return w.Bytes()
}

// Unmarshal deserializes a session setup response
func (r *SessionSetupResponse) Unmarshal(body []byte) error {
	c, err := openBody(body, CommandSessionSetup, 9)
	if err != nil {
		return err
	}
	r.SessionFlags = c.Uint16()
	off, n := int(c.Uint16()), int(c.Uint16())
	if err := closeBody(c, CommandSessionSetup); err != nil {
		return err
	}
	if r.SecurityBuffer, err = headerRelative(body, off, n); err != nil {
		return fmt.Errorf("%s: %w", CommandSessionSetup, err)
	}
	return nil
}

// IsGuest returns true if this is a guest session
func (r *SessionSetupResponse) IsGuest() bool {
	return r.SessionFlags&SessionFlagIsGuest != 0
}

// IsNull returns true if this is a null/anonymous session
func (r *SessionSetupResponse) IsNull() bool {
	return r.SessionFlags&SessionFlagIsNull != 0
}

// LogoffRequest represents an SMB2 LOGOFF request
type LogoffRequest struct{}

func (r *LogoffRequest) Command() Command { return CommandLogoff }
func (r *LogoffRequest) Size() int        { return 4 }
func (r *LogoffRequest) Marshal() []byte  { return marshalFour() }

// Unmarshal decodes a logoff request body.
func (r *LogoffRequest) Unmarshal(body []byte) error {
	return unmarshalFour(body, CommandLogoff)
}

// LogoffResponse represents an SMB2 LOGOFF response
type LogoffResponse struct{}

func (r *LogoffResponse) Command() Command      { return CommandLogoff }
func (r *LogoffResponse) StructureSize() uint16 { return 4 }
func (r *LogoffResponse) Marshal() []byte       { return marshalFour() }

// Unmarshal decodes a logoff response body.
func (r *LogoffResponse) Unmarshal(body []byte) error {
	return unmarshalFour(body, CommandLogoff)
}

// marshalFour encodes the 4-byte body shared by LOGOFF, TREE_DISCONNECT,
// ECHO and CANCEL: StructureSize 4 plus two reserved bytes.
func marshalFour() []byte {
	b := make([]byte, 4)
	encoding.PutUint16LE(b, 4)
	return b
}

func unmarshalFour(body []byte, cmd Command) error {
	c, err := openBody(body, cmd, 4)
	if err != nil {
		return err
	}
	c.Skip(2)
	return closeBody(c, cmd)
}
