package encoding

import (
	"errors"
	"fmt"
	"unicode/utf16"
)

// ErrOutOfBounds is recorded when a read or claimed length runs past the
// end of the buffer.
var ErrOutOfBounds = errors.New("encoding: out of bounds")

// ErrAlignment is recorded when a boundary is not a positive value.
var ErrAlignment = errors.New("encoding: invalid alignment")

// buffer is the storage shared by a cursor and all of its children.
// length is the high-water mark: the furthest byte ever written (or the
// readable size for decode buffers).
type buffer struct {
	data   []byte
	length int
	err    error
}

// Cursor is a read/write position over a shared buffer.
//
// start anchors alignment, index is the current position. Both are absolute
// offsets into the shared buffer. Errors are sticky: after the first failure
// every read returns zero values and Err reports the failure.
type Cursor struct {
	buf   *buffer
	start int
	index int
}

// NewReader returns a cursor for decoding data.
func NewReader(data []byte) *Cursor {
	return &Cursor{buf: &buffer{data: data, length: len(data)}}
}

// NewWriter returns an empty cursor for encoding with the given capacity hint.
func NewWriter(capacity int) *Cursor {
	return &Cursor{buf: &buffer{data: make([]byte, 0, capacity)}}
}

// Err returns the first error recorded on the shared buffer.
func (c *Cursor) Err() error {
	return c.buf.err
}

func (c *Cursor) fail(err error) {
	if c.buf.err == nil {
		c.buf.err = err
	}
}

// Bytes returns the buffer contents up to the high-water mark.
func (c *Cursor) Bytes() []byte {
	return c.buf.data[:c.buf.length]
}

// Len returns the high-water mark.
func (c *Cursor) Len() int {
	return c.buf.length
}

// Index returns the absolute position of the cursor.
func (c *Cursor) Index() int {
	return c.index
}

// Start returns the absolute position the cursor aligns against.
func (c *Cursor) Start() int {
	return c.start
}

// Offset returns the position relative to start.
func (c *Cursor) Offset() int {
	return c.index - c.start
}

// Remaining returns the number of readable bytes after the cursor.
func (c *Cursor) Remaining() int {
	if c.index >= c.buf.length {
		return 0
	}
	return c.buf.length - c.index
}

// Seek moves the cursor to an absolute position within the buffer.
func (c *Cursor) Seek(pos int) {
	if pos < 0 || pos > c.buf.length {
		c.fail(fmt.Errorf("%w: seek to %d of %d", ErrOutOfBounds, pos, c.buf.length))
		return
	}
	c.index = pos
}

// SeekRel moves the cursor to start+off.
func (c *Cursor) SeekRel(off int) {
	c.Seek(c.start + off)
}

// Sub returns a child cursor sharing the buffer, anchored at the current index.
func (c *Cursor) Sub() *Cursor {
	return &Cursor{buf: c.buf, start: c.index, index: c.index}
}

// At returns a child cursor anchored at an absolute position.
func (c *Cursor) At(pos int) *Cursor {
	child := &Cursor{buf: c.buf, start: pos, index: pos}
	if pos < 0 || pos > c.buf.length {
		c.fail(fmt.Errorf("%w: child at %d of %d", ErrOutOfBounds, pos, c.buf.length))
		child.index = c.buf.length
	}
	return child
}

// Deferred returns a child cursor positioned at the high-water mark so
// out-of-line data can be appended after all fixed fields.
func (c *Cursor) Deferred() *Cursor {
	return &Cursor{buf: c.buf, start: c.start, index: c.buf.length}
}

// Align advances index to the next multiple of boundary relative to start.
// Skipped bytes are zero-filled when zero is set.
func (c *Cursor) Align(boundary int, zero bool) {
	if boundary <= 0 {
		c.fail(ErrAlignment)
		return
	}
	rem := (c.index - c.start) % boundary
	if rem == 0 {
		return
	}
	pad := boundary - rem
	if zero {
		c.PutZeros(pad)
		return
	}
	c.Skip(pad)
}

// Skip advances the read position by n bytes.
func (c *Cursor) Skip(n int) {
	if n < 0 || n > c.Remaining() {
		c.fail(fmt.Errorf("%w: skip %d with %d remaining", ErrOutOfBounds, n, c.Remaining()))
		c.index = c.buf.length
		return
	}
	c.index += n
}

func (c *Cursor) take(n int) []byte {
	if c.buf.err != nil {
		return nil
	}
	if n < 0 || n > c.Remaining() {
		c.fail(fmt.Errorf("%w: read %d at %d of %d", ErrOutOfBounds, n, c.index, c.buf.length))
		c.index = c.buf.length
		return nil
	}
	b := c.buf.data[c.index : c.index+n]
	c.index += n
	return b
}

// Uint8 reads one byte.
func (c *Cursor) Uint8() uint8 {
	b := c.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Uint16 reads a little-endian uint16.
func (c *Cursor) Uint16() uint16 {
	b := c.take(2)
	if b == nil {
		return 0
	}
	return Uint16LE(b)
}

// Uint32 reads a little-endian uint32.
func (c *Cursor) Uint32() uint32 {
	b := c.take(4)
	if b == nil {
		return 0
	}
	return Uint32LE(b)
}

// Uint64 reads a little-endian uint64.
func (c *Cursor) Uint64() uint64 {
	b := c.take(8)
	if b == nil {
		return 0
	}
	return Uint64LE(b)
}

// Filetime reads a FILETIME and returns it as Unix milliseconds.
func (c *Cursor) Filetime() int64 {
	ft := c.Uint64()
	if ft == 0 {
		return 0
	}
	return FiletimeToUnixMillis(ft)
}

// Read returns a copy of the next n bytes. n is checked against the
// remaining buffer before anything is allocated.
func (c *Cursor) Read(n int) []byte {
	b := c.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// UTF16 reads an explicit-length UTF-16LE string of nbytes bytes.
func (c *Cursor) UTF16(nbytes int) string {
	if nbytes%2 != 0 {
		c.fail(fmt.Errorf("%w: odd UTF-16 length %d", ErrOutOfBounds, nbytes))
		return ""
	}
	return FromUTF16LE(c.take(nbytes))
}

// UTF16Z reads a null-terminated UTF-16LE string. Reaching the end of the
// buffer without a terminator is an error.
func (c *Cursor) UTF16Z() string {
	if c.buf.err != nil {
		return ""
	}
	var units []uint16
	for {
		if c.Remaining() < 2 {
			c.fail(fmt.Errorf("%w: unterminated UTF-16 string", ErrOutOfBounds))
			return ""
		}
		u := Uint16LE(c.buf.data[c.index:])
		c.index += 2
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// ASCIIZ reads a null-terminated 8-bit string.
func (c *Cursor) ASCIIZ() string {
	if c.buf.err != nil {
		return ""
	}
	for i := c.index; i < c.buf.length; i++ {
		if c.buf.data[i] == 0 {
			s := string(c.buf.data[c.index:i])
			c.index = i + 1
			return s
		}
	}
	c.fail(fmt.Errorf("%w: unterminated string", ErrOutOfBounds))
	c.index = c.buf.length
	return ""
}

// grow makes room for n bytes at index and returns the writable slice.
func (c *Cursor) grow(n int) []byte {
	end := c.index + n
	if end > cap(c.buf.data) {
		nd := make([]byte, end, 2*end)
		copy(nd, c.buf.data)
		c.buf.data = nd
	} else if end > len(c.buf.data) {
		c.buf.data = c.buf.data[:end]
	}
	if end > c.buf.length {
		c.buf.length = end
	}
	b := c.buf.data[c.index:end]
	c.index = end
	return b
}

// PutUint8 writes one byte.
func (c *Cursor) PutUint8(v uint8) {
	c.grow(1)[0] = v
}

// PutUint16 writes a little-endian uint16.
func (c *Cursor) PutUint16(v uint16) {
	PutUint16LE(c.grow(2), v)
}

// PutUint32 writes a little-endian uint32.
func (c *Cursor) PutUint32(v uint32) {
	PutUint32LE(c.grow(4), v)
}

// PutUint64 writes a little-endian uint64.
func (c *Cursor) PutUint64(v uint64) {
	PutUint64LE(c.grow(8), v)
}

// PutBytes writes b verbatim.
func (c *Cursor) PutBytes(b []byte) {
	copy(c.grow(len(b)), b)
}

// PutZeros writes n zero bytes.
func (c *Cursor) PutZeros(n int) {
	clear(c.grow(n))
}

// PutUTF16 writes s as UTF-16LE without a terminator and returns the byte length.
func (c *Cursor) PutUTF16(s string) int {
	b := ToUTF16LE(s)
	c.PutBytes(b)
	return len(b)
}

// PutUTF16Z writes s as null-terminated UTF-16LE and returns the byte length.
func (c *Cursor) PutUTF16Z(s string) int {
	b := ToUTF16LEWithNull(s)
	c.PutBytes(b)
	return len(b)
}

// PutASCIIZ writes s followed by a null byte.
func (c *Cursor) PutASCIIZ(s string) {
	c.PutBytes([]byte(s))
	c.PutUint8(0)
}

// PutUint16At patches a uint16 at an absolute position already written.
func (c *Cursor) PutUint16At(pos int, v uint16) {
	if pos < 0 || pos+2 > c.buf.length {
		c.fail(fmt.Errorf("%w: patch at %d of %d", ErrOutOfBounds, pos, c.buf.length))
		return
	}
	PutUint16LE(c.buf.data[pos:], v)
}

// PutUint32At patches a uint32 at an absolute position already written.
func (c *Cursor) PutUint32At(pos int, v uint32) {
	if pos < 0 || pos+4 > c.buf.length {
		c.fail(fmt.Errorf("%w: patch at %d of %d", ErrOutOfBounds, pos, c.buf.length))
		return
	}
	PutUint32LE(c.buf.data[pos:], v)
}
