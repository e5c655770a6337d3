package types

import (
	"fmt"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
)

// EchoRequest represents an SMB2 ECHO request
type EchoRequest struct{}

func (r *EchoRequest) Command() Command { return CommandEcho }
func (r *EchoRequest) Size() int        { return 4 }
func (r *EchoRequest) Marshal() []byte  { return marshalFour() }

// Unmarshal decodes an echo request body.
func (r *EchoRequest) Unmarshal(body []byte) error {
	return unmarshalFour(body, CommandEcho)
}

// EchoResponse represents an SMB2 ECHO response
type EchoResponse struct{}

func (r *EchoResponse) Command() Command      { return CommandEcho }
func (r *EchoResponse) StructureSize() uint16 { return 4 }
func (r *EchoResponse) Marshal() []byte       { return marshalFour() }

// Unmarshal decodes an echo response body.
func (r *EchoResponse) Unmarshal(body []byte) error {
	return unmarshalFour(body, CommandEcho)
}

// CancelRequest represents an SMB2 CANCEL request. It has no response;
// the header carries the MessageId or AsyncId of the request to cancel.
type CancelRequest struct{}

func (r *CancelRequest) Command() Command { return CommandCancel }
func (r *CancelRequest) Size() int        { return 4 }
func (r *CancelRequest) Marshal() []byte  { return marshalFour() }

// Unmarshal decodes a cancel request body.
func (r *CancelRequest) Unmarshal(body []byte) error {
	return unmarshalFour(body, CommandCancel)
}

// ChangeNotifyRequest represents an SMB2 CHANGE_NOTIFY request
type ChangeNotifyRequest struct {
	Flags              uint16
	OutputBufferLength uint32
	FileID             FileID
	CompletionFilter   uint32
}

// NewChangeNotifyRequest watches a directory handle.
func NewChangeNotifyRequest(fileID FileID, bufferSize uint32, filter uint32, recursive bool) *ChangeNotifyRequest {
	r := &ChangeNotifyRequest{
		OutputBufferLength: bufferSize,
		FileID:             fileID,
		CompletionFilter:   filter,
	}
	if recursive {
		r.Flags = WatchTree
	}
	return r
}

func (r *ChangeNotifyRequest) Command() Command { return CommandChangeNotify }

func (r *ChangeNotifyRequest) Size() int { return 32 }

// PayloadSize is the notification buffer the server may fill.
func (r *ChangeNotifyRequest) PayloadSize() int { return int(r.OutputBufferLength) }

// Marshal serializes the CHANGE_NOTIFY request
func (r *ChangeNotifyRequest) Marshal() []byte {
	w := encoding.NewWriter(32)
	w.PutUint16(32)
	w.PutUint16(r.Flags)
	w.PutUint32(r.OutputBufferLength)
	r.FileID.encode(w)
	w.PutUint32(r.CompletionFilter)
	w.PutUint32(0)
	return w.Bytes()
}

// Unmarshal decodes a CHANGE_NOTIFY request body.
func (r *ChangeNotifyRequest) Unmarshal(body []byte) error {
	c, err := openBody(body, CommandChangeNotify, 32)
	if err != nil {
		return err
	}
	r.Flags = c.Uint16()
	r.OutputBufferLength = c.Uint32()
	r.FileID = decodeFileID(c)
	r.CompletionFilter = c.Uint32()
	c.Skip(4)
	return closeBody(c, CommandChangeNotify)
}

// ChangeNotifyResponse represents an SMB2 CHANGE_NOTIFY response. The
// answer normally arrives asynchronously after an interim STATUS_PENDING.
type ChangeNotifyResponse struct {
	Output []byte // FILE_NOTIFY_INFORMATION records
}

func (r *ChangeNotifyResponse) Command() Command { return CommandChangeNotify }

func (r *ChangeNotifyResponse) StructureSize() uint16 { return 9 }

// IsErrorStatus treats STATUS_NOTIFY_ENUM_DIR as "directory changed,
// enumerate again".
func (r *ChangeNotifyResponse) IsErrorStatus(s NTStatus) bool {
	return s != StatusSuccess && s != StatusNotifyEnumDir
}

// Marshal encodes the response body.
func (r *ChangeNotifyResponse) Marshal() []byte {
	w := encoding.NewWriter(8 + len(r.Output))
	w.PutUint16(9)
	w.PutUint16(uint16(bufferOffset(8)))
	w.PutUint32(uint32(len(r.Output)))
	if len(r.Output) == 0 {
		w.PutUint8(0)
	}
	w.PutBytes(r.Output)
	return w.Bytes()
}

// Unmarshal decodes a CHANGE_NOTIFY response body.
func (r *ChangeNotifyResponse) Unmarshal(body []byte) error {
	c, err := openBody(body, CommandChangeNotify, 9)
	if err != nil {
		return err
	}
	off := int(c.Uint16())
	n := int(c.Uint32())
	if err := closeBody(c, CommandChangeNotify); err != nil {
		return err
	}
	if r.Output, err = headerRelative(body, off, n); err != nil {
		return fmt.Errorf("%s: output: %w", CommandChangeNotify, err)
	}
	return nil
}

// commandError labels decoding failures of ErrorResponse bodies.
const commandError Command = 0xFFFF

// ErrorResponse is the 9-byte body servers send with a failing status.
// Error contexts exist only in 3.1.1; older dialects carry raw ErrorData.
type ErrorResponse struct {
	Dialect      Dialect
	ContextCount uint8
	ErrorData    []byte
}

// NewErrorResponse returns an empty error shell for dialect.
func NewErrorResponse(dialect Dialect) *ErrorResponse {
	return &ErrorResponse{Dialect: dialect}
}

func (r *ErrorResponse) Command() Command { return commandError }

func (r *ErrorResponse) StructureSize() uint16 { return 9 }

// Marshal encodes the error body.
func (r *ErrorResponse) Marshal() []byte {
	w := encoding.NewWriter(8 + len(r.ErrorData))
	w.PutUint16(9)
	w.PutUint8(r.ContextCount)
	w.PutUint8(0)
	w.PutUint32(uint32(len(r.ErrorData)))
	if len(r.ErrorData) == 0 {
		w.PutUint8(0)
	}
	w.PutBytes(r.ErrorData)
	return w.Bytes()
}

// Unmarshal decodes an error body.
func (r *ErrorResponse) Unmarshal(body []byte) error {
	c, err := openBody(body, commandError, 9)
	if err != nil {
		return err
	}
	count := c.Uint8()
	c.Skip(1)
	n := int(c.Uint32())
	if r.Dialect == DialectSMB3_1_1 {
		r.ContextCount = count
	}
	r.ErrorData = c.Read(n)
	if n == 0 {
		r.ErrorData = nil
	}
	return closeBody(c, commandError)
}
