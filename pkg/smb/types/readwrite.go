package types

import (
	"fmt"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
)

// ReadFlags
const (
	ReadFlagReadUnbuffered    uint8 = 0x01 // SMB 3.0.2
	ReadFlagRequestCompressed uint8 = 0x02 // SMB 3.1.1
)

// ReadRequest represents an SMB2 READ request
type ReadRequest struct {
	Padding        uint8 // requested data offset in the response
	Flags          uint8
	Length         uint32
	Offset         uint64
	FileID         FileID
	MinimumCount   uint32
	RemainingBytes uint32
}

// NewReadRequest creates a READ request
func NewReadRequest(fileID FileID, offset uint64, length uint32) *ReadRequest {
	return &ReadRequest{
		Padding: 0x50, // header + fixed read response
		Length:  length,
		Offset:  offset,
		FileID:  fileID,
	}
}

func (r *ReadRequest) Command() Command { return CommandRead }

func (r *ReadRequest) Size() int { return 49 }

// PayloadSize is the number of bytes the server may return.
func (r *ReadRequest) PayloadSize() int { return int(r.Length) }

// Marshal serializes the READ request
func (r *ReadRequest) Marshal() []byte {
	w := encoding.NewWriter(49)
	w.PutUint16(49)
	w.PutUint8(r.Padding)
	w.PutUint8(r.Flags)
	w.PutUint32(r.Length)
	w.PutUint64(r.Offset)
	r.FileID.encode(w)
	w.PutUint32(r.MinimumCount)
	w.PutUint32(0) // Channel
	w.PutUint32(r.RemainingBytes)
	w.PutUint16(0) // ReadChannelInfoOffset
	w.PutUint16(0) // ReadChannelInfoLength
	w.PutUint8(0)  // Buffer
	return w.Bytes()
}

// Unmarshal decodes a READ request body.
func (r *ReadRequest) Unmarshal(body []byte) error {
	c, err := openBody(body, CommandRead, 49)
	if err != nil {
		return err
	}
	r.Padding = c.Uint8()
	r.Flags = c.Uint8()
	r.Length = c.Uint32()
	r.Offset = c.Uint64()
	r.FileID = decodeFileID(c)
	r.MinimumCount = c.Uint32()
	c.Skip(4)
	r.RemainingBytes = c.Uint32()
	return closeBody(c, CommandRead)
}

// ReadResponse represents an SMB2 READ response
type ReadResponse struct {
	DataRemaining uint32
	Data          []byte
}

func (r *ReadResponse) Command() Command { return CommandRead }

func (r *ReadResponse) StructureSize() uint16 { return 17 }

// IsErrorStatus treats STATUS_BUFFER_OVERFLOW as a short read.
func (r *ReadResponse) IsErrorStatus(s NTStatus) bool {
	return s != StatusSuccess && s != StatusBufferOverflow
}

// DataLength is the number of bytes returned.
func (r *ReadResponse) DataLength() int { return len(r.Data) }

// Marshal encodes the response body with data at offset 0x50.
func (r *ReadResponse) Marshal() []byte {
	w := encoding.NewWriter(16 + len(r.Data))
	w.PutUint16(17)
	w.PutUint8(uint8(bufferOffset(16)))
	w.PutUint8(0)
	w.PutUint32(uint32(len(r.Data)))
	w.PutUint32(r.DataRemaining)
	w.PutUint32(0)
	if len(r.Data) == 0 {
		w.PutUint8(0)
	}
	w.PutBytes(r.Data)
	return w.Bytes()
}

// Unmarshal deserializes a READ response
func (r *ReadResponse) Unmarshal(body []byte) error {
	c, err := openBody(body, CommandRead, 17)
	if err != nil {
		return err
	}
	off := int(c.Uint8())
	c.Skip(1)
	n := int(c.Uint32())
	r.DataRemaining = c.Uint32()
	c.Skip(4)
	if err := closeBody(c, CommandRead); err != nil {
		return err
	}
	if r.Data, err = headerRelative(body, off, n); err != nil {
		return fmt.Errorf("%s: data: %w", CommandRead, err)
	}
	return nil
}

// WriteFlags
const (
	WriteFlagWriteThrough    uint32 = 0x00000001
	WriteFlagWriteUnbuffered uint32 = 0x00000002 // SMB 3.0.2
)

// WriteRequest represents an SMB2 WRITE request
type WriteRequest struct {
	Offset         uint64
	FileID         FileID
	RemainingBytes uint32
	Flags          uint32
	Data           []byte
}

// NewWriteRequest creates a WRITE request
func NewWriteRequest(fileID FileID, offset uint64, data []byte) *WriteRequest {
	return &WriteRequest{
		Offset: offset,
		FileID: fileID,
		Data:   data,
	}
}

func (r *WriteRequest) Command() Command { return CommandWrite }

func (r *WriteRequest) Size() int { return 48 + len(r.Data) }

// PayloadSize is the number of bytes being written.
func (r *WriteRequest) PayloadSize() int { return len(r.Data) }

// Marshal serializes the WRITE request
func (r *WriteRequest) Marshal() []byte {
	w := encoding.NewWriter(r.Size() + 1)
	w.PutUint16(49)
	w.PutUint16(uint16(bufferOffset(48)))
	w.PutUint32(uint32(len(r.Data)))
	w.PutUint64(r.Offset)
	r.FileID.encode(w)
	w.PutUint32(0) // Channel
	w.PutUint32(r.RemainingBytes)
	w.PutUint16(0) // WriteChannelInfoOffset
	w.PutUint16(0) // WriteChannelInfoLength
	w.PutUint32(r.Flags)
	if len(r.Data) == 0 {
		w.PutUint8(0)
	}
	w.PutBytes(r.Data)
	return w.Bytes()
}

// Unmarshal decodes a WRITE request body.
func (r *WriteRequest) Unmarshal(body []byte) error {
	c, err := openBody(body, CommandWrite, 49)
	if err != nil {
		return err
	}
	off := int(c.Uint16())
	n := int(c.Uint32())
	r.Offset = c.Uint64()
	r.FileID = decodeFileID(c)
	c.Skip(4)
	r.RemainingBytes = c.Uint32()
	c.Skip(4)
	r.Flags = c.Uint32()
	if err := closeBody(c, CommandWrite); err != nil {
		return err
	}
	if r.Data, err = headerRelative(body, off, n); err != nil {
		return fmt.Errorf("%s: data: %w", CommandWrite, err)
	}
	return nil
}

// WriteResponse represents an SMB2 WRITE response
type WriteResponse struct {
	Count     uint32
	Remaining uint32
}

func (r *WriteResponse) Command() Command { return CommandWrite }

func (r *WriteResponse) StructureSize() uint16 { return 17 }

// Marshal encodes the response body.
func (r *WriteResponse) Marshal() []byte {
	w := encoding.NewWriter(17)
	w.PutUint16(17)
	w.PutUint16(0)
	w.PutUint32(r.Count)
	w.PutUint32(r.Remaining)
	w.PutUint32(0)
	w.PutUint8(0)
	return w.Bytes()
}

// Unmarshal deserializes a WRITE response
func (r *WriteResponse) Unmarshal(body []byte) error {
	c, err := openBody(body, CommandWrite, 17)
	if err != nil {
		return err
	}
	c.Skip(2)
	r.Count = c.Uint32()
	r.Remaining = c.Uint32()
	c.Skip(4)
	return closeBody(c, CommandWrite)
}
