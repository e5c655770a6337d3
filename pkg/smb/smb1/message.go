package smb1

import (
	"errors"
	"fmt"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
	"github.com/ineffectivecoder/smbwire/pkg/smb/types"
)

// ErrWordCount indicates a body whose WordCount is below the command minimum.
var ErrWordCount = errors.New("invalid word count")

// Request is an SMB1 request body (WordCount, parameter words, ByteCount, data).
type Request interface {
	Command() Command
	Marshal() []byte
}

// Response is an SMB1 response body.
type Response interface {
	Command() Command
	// WordCount is the minimum parameter word count a successful body carries.
	WordCount() int
	Unmarshal(body []byte) error
}

// IsErrorStatus reports whether status is a failure for the command resp answers.
func IsErrorStatus(resp Response, status types.NTStatus) bool {
	if sc, ok := resp.(types.StatusClassifier); ok {
		return sc.IsErrorStatus(status)
	}
	return status != types.StatusSuccess
}

// NewResponse returns an empty response shell for cmd.
func NewResponse(cmd Command) (Response, error) {
	switch cmd {
	case CommandNegotiate:
		return &NegotiateResponse{}, nil
	case CommandSessionSetupAndX:
		return &SessionSetupAndXResponse{}, nil
	case CommandLogoffAndX:
		return &LogoffAndXResponse{}, nil
	case CommandTreeConnectAndX:
		return &TreeConnectAndXResponse{}, nil
	case CommandTreeDisconnect:
		return &TreeDisconnectResponse{}, nil
	case CommandEcho:
		return &EchoResponse{}, nil
	case CommandTrans2:
		return &Trans2Response{}, nil
	}
	return nil, fmt.Errorf("%w: %s", types.ErrUnknownCommand, cmd)
}

// Bodies are encoded on a cursor whose start is the first body byte. The
// header is 32 bytes, so alignment relative to the body equals alignment
// relative to the header.

func newBody(wordCount int) *encoding.Cursor {
	w := encoding.NewWriter(64)
	w.PutUint8(uint8(wordCount))
	return w
}

// beginData writes a ByteCount placeholder and returns its position.
func beginData(w *encoding.Cursor) int {
	pos := w.Index()
	w.PutUint16(0)
	return pos
}

// endData patches ByteCount and returns the body.
func endData(w *encoding.Cursor, pos int) []byte {
	w.PutUint16At(pos, uint16(w.Len()-pos-2))
	return w.Bytes()
}

// block is a decoded body: a cursor on the parameter words and one on the
// data bytes, both sharing the body buffer.
type block struct {
	words     *encoding.Cursor
	data      *encoding.Cursor
	wordCount int
	byteCount int
	dataStart int
}

func openBlock(body []byte, cmd Command, minWords int) (*block, error) {
	r := encoding.NewReader(body)
	wc := int(r.Uint8())
	if r.Err() != nil {
		return nil, fmt.Errorf("%s: %w", cmd, types.ErrBufferTooSmall)
	}
	if wc < minWords {
		return nil, fmt.Errorf("%s: %w: %d, want at least %d", cmd, ErrWordCount, wc, minWords)
	}
	words := r.Sub()
	r.Skip(2 * wc)
	bc := int(r.Uint16())
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	if bc > r.Remaining() {
		return nil, fmt.Errorf("%s: byte count %d: %w", cmd, bc, encoding.ErrOutOfBounds)
	}
	return &block{words: words, data: r, wordCount: wc, byteCount: bc, dataStart: r.Index()}, nil
}

// dataEnd is the body index one past the data bytes.
func (b *block) dataEnd() int {
	return b.dataStart + b.byteCount
}

func (b *block) err(cmd Command) error {
	if err := b.data.Err(); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}
