package types

import (
	"errors"
	"fmt"
)

var (
	// ErrBufferTooSmall indicates the buffer is too small for the message
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrStructureSize indicates a body whose StructureSize does not match
	// the constant mandated for its command.
	ErrStructureSize = errors.New("invalid structure size")

	// ErrUnknownCommand is returned by NewResponse for commands outside the model.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrBufferOutOfRange indicates an offset/length pair pointing outside the body.
	ErrBufferOutOfRange = errors.New("buffer offset out of range")

	// ErrChainNotAllowed is returned when two commands may not share a compound.
	ErrChainNotAllowed = errors.New("commands may not be compounded")
)

// StructureSizeError reports a structure-size mismatch for a specific command.
type StructureSizeError struct {
	Command Command
	Got     uint16
	Want    uint16
}

func (e *StructureSizeError) Error() string {
	return fmt.Sprintf("%s: structure size %d, want %d", e.Command, e.Got, e.Want)
}

// Is makes errors.Is(err, ErrStructureSize) match.
func (e *StructureSizeError) Is(target error) bool {
	return target == ErrStructureSize
}
