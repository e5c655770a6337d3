package types

import (
	"fmt"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
)

// Request is an SMB2 request body. Marshal returns the body without the
// 64-byte header; offsets inside it are computed relative to the header.
type Request interface {
	Command() Command
	// Size is the minimal wire size of the body (the fixed part plus any
	// variable data the request carries).
	Size() int
	Marshal() []byte
}

// Payloader is implemented by requests that move bulk data. The payload
// size drives the CreditCharge under LARGE_MTU.
type Payloader interface {
	PayloadSize() int
}

// Response is an SMB2 response body.
type Response interface {
	Command() Command
	StructureSize() uint16
	Unmarshal(body []byte) error
}

// StatusClassifier lets a response declare statuses that look like errors
// but are meaningful outcomes for its command.
type StatusClassifier interface {
	IsErrorStatus(status NTStatus) bool
}

// IsErrorStatus reports whether status is a failure for the command resp answers.
func IsErrorStatus(resp Response, status NTStatus) bool {
	if sc, ok := resp.(StatusClassifier); ok {
		return sc.IsErrorStatus(status)
	}
	return status != StatusSuccess
}

// NewResponse returns an empty response shell for cmd. The dialect selects
// the decoding rules for dialect-dependent bodies.
func NewResponse(cmd Command, dialect Dialect) (Response, error) {
	switch cmd {
	case CommandNegotiate:
		return &NegotiateResponse{}, nil
	case CommandSessionSetup:
		return &SessionSetupResponse{}, nil
	case CommandLogoff:
		return &LogoffResponse{}, nil
	case CommandTreeConnect:
		return &TreeConnectResponse{}, nil
	case CommandTreeDisconnect:
		return &TreeDisconnectResponse{}, nil
	case CommandCreate:
		return &CreateResponse{}, nil
	case CommandClose:
		return &CloseResponse{}, nil
	case CommandRead:
		return &ReadResponse{}, nil
	case CommandWrite:
		return &WriteResponse{}, nil
	case CommandIoctl:
		return &IoctlResponse{}, nil
	case CommandEcho:
		return &EchoResponse{}, nil
	case CommandChangeNotify:
		return &ChangeNotifyResponse{}, nil
	}
	return nil, fmt.Errorf("%w: %s (dialect %s)", ErrUnknownCommand, cmd, dialect)
}

// fileCommands operate on an open handle and may follow another request in
// a compound chain.
var fileCommands = map[Command]bool{
	CommandClose:          true,
	CommandFlush:          true,
	CommandRead:           true,
	CommandWrite:          true,
	CommandLock:           true,
	CommandIoctl:          true,
	CommandQueryDirectory: true,
	CommandChangeNotify:   true,
	CommandQueryInfo:      true,
	CommandSetInfo:        true,
}

// AllowChain decides whether next may follow first in one compound frame.
// Handshake commands, CANCEL and ECHO never compound; a handle command may
// follow CREATE or another handle command, and CLOSE ends the chain.
func AllowChain(first, next Command) bool {
	if first != CommandCreate && !fileCommands[first] {
		return false
	}
	if first == CommandClose || first == CommandChangeNotify {
		return false
	}
	return fileCommands[next]
}

// CompoundEntry is one request of a compound. Related entries inherit the
// session, tree and file id of the previous entry.
type CompoundEntry struct {
	Request Request
	Related bool
}

// Compound is an ordered list of requests sent in one frame.
type Compound []CompoundEntry

// NewCompound starts a compound with first.
func NewCompound(first Request) Compound {
	return Compound{{Request: first}}
}

// Then appends a related request.
func (c Compound) Then(req Request) Compound {
	return append(c, CompoundEntry{Request: req, Related: true})
}

// And appends an unrelated request.
func (c Compound) And(req Request) Compound {
	return append(c, CompoundEntry{Request: req})
}

// Validate checks every adjacent pair against AllowChain.
func (c Compound) Validate() error {
	if len(c) == 0 {
		return fmt.Errorf("%w: empty compound", ErrChainNotAllowed)
	}
	if c[0].Related {
		return fmt.Errorf("%w: first entry cannot be related", ErrChainNotAllowed)
	}
	for i := 1; i < len(c); i++ {
		a, b := c[i-1].Request.Command(), c[i].Request.Command()
		if !AllowChain(a, b) {
			return fmt.Errorf("%w: %s -> %s", ErrChainNotAllowed, a, b)
		}
	}
	return nil
}

// CreditCharge returns the credits a request consumes. Without LARGE_MTU
// every request costs one credit.
func CreditCharge(req Request, largeMTU bool) uint16 {
	if !largeMTU {
		return 1
	}
	p, ok := req.(Payloader)
	if !ok {
		return 1
	}
	n := p.PayloadSize()
	if n <= 0 {
		return 1
	}
	return uint16(1 + (n-1)/CreditUnit)
}

// openBody validates the StructureSize of a body and returns a cursor
// positioned after it.
func openBody(body []byte, cmd Command, want uint16) (*encoding.Cursor, error) {
	r := encoding.NewReader(body)
	got := r.Uint16()
	if r.Err() != nil {
		return nil, fmt.Errorf("%s: %w", cmd, ErrBufferTooSmall)
	}
	if got != want {
		return nil, &StructureSizeError{Command: cmd, Got: got, Want: want}
	}
	return r, nil
}

// closeBody reports any bounds error recorded while decoding.
func closeBody(r *encoding.Cursor, cmd Command) error {
	if err := r.Err(); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}

// headerRelative returns a copy of length bytes at offset, where offset is
// measured from the start of the SMB2 header preceding body.
func headerRelative(body []byte, offset, length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	start := offset - SMB2HeaderSize
	if start < 0 || length < 0 || start > len(body) || length > len(body)-start {
		return nil, fmt.Errorf("%w: offset %d length %d body %d", ErrBufferOutOfRange, offset, length, len(body))
	}
	out := make([]byte, length)
	copy(out, body[start:start+length])
	return out, nil
}

// bufferOffset returns the header-relative offset of a variable buffer that
// follows a fixed part of fixedLen bytes.
func bufferOffset(fixedLen int) int {
	return SMB2HeaderSize + fixedLen
}
