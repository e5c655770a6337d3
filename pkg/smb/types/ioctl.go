package types

import (
	"fmt"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
)

// IoctlRequest represents an SMB2 IOCTL request
type IoctlRequest struct {
	CtlCode           uint32
	FileID            FileID
	Input             []byte
	MaxInputResponse  uint32
	MaxOutputResponse uint32
	Flags             uint32
}

// NewFsctlRequest builds an FSCTL carrying input and accepting up to maxOut bytes.
func NewFsctlRequest(ctlCode uint32, fileID FileID, input []byte, maxOut uint32) *IoctlRequest {
	return &IoctlRequest{
		CtlCode:           ctlCode,
		FileID:            fileID,
		Input:             input,
		MaxOutputResponse: maxOut,
		Flags:             IoctlFlagIsFsctl,
	}
}

func (r *IoctlRequest) Command() Command { return CommandIoctl }

func (r *IoctlRequest) Size() int { return 56 + len(r.Input) }

// PayloadSize covers the larger of what is sent and what may come back.
func (r *IoctlRequest) PayloadSize() int {
	return max(len(r.Input), int(r.MaxOutputResponse))
}

// Marshal serializes the IOCTL request
func (r *IoctlRequest) Marshal() []byte {
	w := encoding.NewWriter(r.Size() + 1)
	w.PutUint16(57)
	w.PutUint16(0)
	w.PutUint32(r.CtlCode)
	r.FileID.encode(w)
	if len(r.Input) > 0 {
		w.PutUint32(uint32(bufferOffset(56)))
	} else {
		w.PutUint32(0)
	}
	w.PutUint32(uint32(len(r.Input)))
	w.PutUint32(r.MaxInputResponse)
	w.PutUint32(0) // OutputOffset
	w.PutUint32(0) // OutputCount
	w.PutUint32(r.MaxOutputResponse)
	w.PutUint32(r.Flags)
	w.PutUint32(0)
	if len(r.Input) == 0 {
		w.PutUint8(0)
	}
	w.PutBytes(r.Input)
	return w.Bytes()
}

// Unmarshal decodes an IOCTL request body.
func (r *IoctlRequest) Unmarshal(body []byte) error {
	c, err := openBody(body, CommandIoctl, 57)
	if err != nil {
		return err
	}
	c.Skip(2)
	r.CtlCode = c.Uint32()
	r.FileID = decodeFileID(c)
	inOff, inLen := int(c.Uint32()), int(c.Uint32())
	r.MaxInputResponse = c.Uint32()
	c.Skip(8)
	r.MaxOutputResponse = c.Uint32()
	r.Flags = c.Uint32()
	c.Skip(4)
	if err := closeBody(c, CommandIoctl); err != nil {
		return err
	}
	if r.Input, err = headerRelative(body, inOff, inLen); err != nil {
		return fmt.Errorf("%s: input: %w", CommandIoctl, err)
	}
	return nil
}

// IoctlResponse represents an SMB2 IOCTL response
type IoctlResponse struct {
	CtlCode uint32
	FileID  FileID
	Input   []byte
	Output  []byte
	Flags   uint32
}

func (r *IoctlResponse) Command() Command { return CommandIoctl }

func (r *IoctlResponse) StructureSize() uint16 { return 49 }

// IsErrorStatus treats STATUS_BUFFER_OVERFLOW as truncated output.
func (r *IoctlResponse) IsErrorStatus(s NTStatus) bool {
	return s != StatusSuccess && s != StatusBufferOverflow
}

// Marshal encodes the response body with output following the fixed part.
func (r *IoctlResponse) Marshal() []byte {
	w := encoding.NewWriter(48 + len(r.Input) + len(r.Output) + 8)
	w.PutUint16(49)
	w.PutUint16(0)
	w.PutUint32(r.CtlCode)
	r.FileID.encode(w)
	w.PutUint32(0) // InputOffset
	w.PutUint32(uint32(len(r.Input)))
	w.PutUint32(0) // OutputOffset
	w.PutUint32(uint32(len(r.Output)))
	w.PutUint32(r.Flags)
	w.PutUint32(0)
	if len(r.Input) > 0 {
		w.PutUint32At(24, uint32(SMB2HeaderSize+w.Offset()))
		w.PutBytes(r.Input)
		w.Align(8, true)
	}
	if len(r.Output) > 0 {
		w.PutUint32At(32, uint32(SMB2HeaderSize+w.Offset()))
		w.PutBytes(r.Output)
	}
	if w.Len() == 48 {
		w.PutUint8(0)
	}
	return w.Bytes()
}

// Unmarshal deserializes an IOCTL response
func (r *IoctlResponse) Unmarshal(body []byte) error {
	c, err := openBody(body, CommandIoctl, 49)
	if err != nil {
		return err
	}
	c.Skip(2)
	r.CtlCode = c.Uint32()
	r.FileID = decodeFileID(c)
	inOff, inLen := int(c.Uint32()), int(c.Uint32())
	outOff, outLen := int(c.Uint32()), int(c.Uint32())
	r.Flags = c.Uint32()
	c.Skip(4)
	if err := closeBody(c, CommandIoctl); err != nil {
		return err
	}
	if r.Input, err = headerRelative(body, inOff, inLen); err != nil {
		return fmt.Errorf("%s: input: %w", CommandIoctl, err)
	}
	if r.Output, err = headerRelative(body, outOff, outLen); err != nil {
		return fmt.Errorf("%s: output: %w", CommandIoctl, err)
	}
	return nil
}
