package types

import (
	"fmt"
	"time"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
)

// FileID represents a 16-byte file handle
type FileID struct {
	Persistent [8]byte
	Volatile   [8]byte
}

// RelatedFileID is the all-ones handle. In a related compound it stands for
// the handle opened by the preceding CREATE; FSCTLs that need no handle
// (DFS referrals) carry it too.
var RelatedFileID = FileID{
	Persistent: [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
	Volatile:   [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
}

func (f FileID) encode(w *encoding.Cursor) {
	w.PutBytes(f.Persistent[:])
	w.PutBytes(f.Volatile[:])
}

func decodeFileID(r *encoding.Cursor) FileID {
	var f FileID
	copy(f.Persistent[:], r.Read(8))
	copy(f.Volatile[:], r.Read(8))
	return f
}

// IsZero returns true if the FileID is zero/invalid
func (f FileID) IsZero() bool {
	return f == FileID{}
}

func (f FileID) String() string {
	return fmt.Sprintf("%x:%x", f.Persistent, f.Volatile)
}

// FileTimes groups the four FILETIME stamps CREATE and CLOSE return.
type FileTimes struct {
	CreationTime   uint64
	LastAccessTime uint64
	LastWriteTime  uint64
	ChangeTime     uint64
}

func (t *FileTimes) encode(w *encoding.Cursor) {
	w.PutUint64(t.CreationTime)
	w.PutUint64(t.LastAccessTime)
	w.PutUint64(t.LastWriteTime)
	w.PutUint64(t.ChangeTime)
}

func (t *FileTimes) decode(r *encoding.Cursor) {
	t.CreationTime = r.Uint64()
	t.LastAccessTime = r.Uint64()
	t.LastWriteTime = r.Uint64()
	t.ChangeTime = r.Uint64()
}

// Modified returns LastWriteTime as a time.Time.
func (t *FileTimes) Modified() time.Time {
	return encoding.FiletimeToTime(t.LastWriteTime)
}

// ImpersonationLevel values
const (
	ImpersonationAnonymous      uint32 = 0
	ImpersonationIdentification uint32 = 1
	ImpersonationImpersonation  uint32 = 2
	ImpersonationDelegation     uint32 = 3
)

// OplockLevel values
const (
	OplockLevelNone uint8 = 0x00
	OplockLevelII   uint8 = 0x01
)

// CreateRequest represents an SMB2 CREATE request
type CreateRequest struct {
	SecurityFlags        uint8
	RequestedOplockLevel uint8
	ImpersonationLevel   uint32
	DesiredAccess        AccessMask
	FileAttributes       FileAttributes
	ShareAccess          ShareAccess
	CreateDisposition    CreateDisposition
	CreateOptions        CreateOptions
	Name                 string // path relative to the share, no leading backslash
	CreateContexts       []byte
}

// NewCreateRequest creates a CREATE request for a file or directory
func NewCreateRequest(name string, access AccessMask, disposition CreateDisposition, options CreateOptions) *CreateRequest {
	return &CreateRequest{
		ImpersonationLevel: ImpersonationImpersonation,
		DesiredAccess:      access,
		FileAttributes:     FileAttributeNormal,
		ShareAccess:        FileShareRead | FileShareWrite | FileShareDelete,
		CreateDisposition:  disposition,
		CreateOptions:      options,
		Name:               name,
	}
}

// NewOpenReadRequest opens an existing file for reading.
func NewOpenReadRequest(name string) *CreateRequest {
	return NewCreateRequest(name, GenericRead|FileReadAttributes|Synchronize, FileOpen, FileNonDirectoryFile)
}

func (r *CreateRequest) Command() Command { return CommandCreate }

func (r *CreateRequest) Size() int {
	return 56 + 2*encoding.UTF16Len(r.Name) + len(r.CreateContexts)
}

// Marshal serializes the CREATE request
func (r *CreateRequest) Marshal() []byte {
	w := encoding.NewWriter(r.Size() + 8)
	w.PutUint16(57)
	w.PutUint8(r.SecurityFlags)
	w.PutUint8(r.RequestedOplockLevel)
	w.PutUint32(r.ImpersonationLevel)
	w.PutUint64(0) // SmbCreateFlags
	w.PutUint64(0) // Reserved
	w.PutUint32(uint32(r.DesiredAccess))
	w.PutUint32(uint32(r.FileAttributes))
	w.PutUint32(uint32(r.ShareAccess))
	w.PutUint32(uint32(r.CreateDisposition))
	w.PutUint32(uint32(r.CreateOptions))
	w.PutUint16(uint16(bufferOffset(56)))
	w.PutUint16(0) // NameLength
	w.PutUint32(0) // CreateContextsOffset
	w.PutUint32(0) // CreateContextsLength
	n := w.PutUTF16(r.Name)
	w.PutUint16At(46, uint16(n))
	if n == 0 {
		w.PutUint8(0)
	}
	if len(r.CreateContexts) > 0 {
		w.Align(8, true)
		w.PutUint32At(48, uint32(SMB2HeaderSize+w.Offset()))
		w.PutUint32At(52, uint32(len(r.CreateContexts)))
		w.PutBytes(r.CreateContexts)
	}
	return w.Bytes()
}

// Unmarshal decodes a CREATE request body.
func (r *CreateRequest) Unmarshal(body []byte) error {
	c, err := openBody(body, CommandCreate, 57)
	if err != nil {
		return err
	}
	r.SecurityFlags = c.Uint8()
	r.RequestedOplockLevel = c.Uint8()
	r.ImpersonationLevel = c.Uint32()
	c.Skip(16)
	r.DesiredAccess = AccessMask(c.Uint32())
	r.FileAttributes = FileAttributes(c.Uint32())
	r.ShareAccess = ShareAccess(c.Uint32())
	r.CreateDisposition = CreateDisposition(c.Uint32())
	r.CreateOptions = CreateOptions(c.Uint32())
	nameOff, nameLen := int(c.Uint16()), int(c.Uint16())
	ctxOff, ctxLen := int(c.Uint32()), int(c.Uint32())
	if err := closeBody(c, CommandCreate); err != nil {
		return err
	}
	name, err := headerRelative(body, nameOff, nameLen)
	if err != nil {
		return fmt.Errorf("%s: name: %w", CommandCreate, err)
	}
	r.Name = encoding.FromUTF16LE(name)
	if r.CreateContexts, err = headerRelative(body, ctxOff, ctxLen); err != nil {
		return fmt.Errorf("%s: contexts: %w", CommandCreate, err)
	}
	return nil
}

// CreateAction values
const (
	FileSuperseded  uint32 = 0
	FileOpened      uint32 = 1
	FileCreated     uint32 = 2
	FileOverwritten uint32 = 3
)

// CreateResponse represents an SMB2 CREATE response
type CreateResponse struct {
	OplockLevel  uint8
	Flags        uint8
	CreateAction uint32
	FileTimes
	AllocationSize uint64
	EndOfFile      uint64
	FileAttributes FileAttributes
	FileID         FileID
	CreateContexts []byte
}

func (r *CreateResponse) Command() Command { return CommandCreate }

func (r *CreateResponse) StructureSize() uint16 { return 89 }

// Marshal encodes the response body.
func (r *CreateResponse) Marshal() []byte {
	w := encoding.NewWriter(96 + len(r.CreateContexts))
	w.PutUint16(89)
	w.PutUint8(r.OplockLevel)
	w.PutUint8(r.Flags)
	w.PutUint32(r.CreateAction)
	r.FileTimes.encode(w)
	w.PutUint64(r.AllocationSize)
	w.PutUint64(r.EndOfFile)
	w.PutUint32(uint32(r.FileAttributes))
	w.PutUint32(0)
	r.FileID.encode(w)
	w.PutUint32(0)
	w.PutUint32(0)
	if len(r.CreateContexts) == 0 {
		w.PutUint8(0)
		return w.Bytes()
	}
	w.PutUint32At(80, uint32(SMB2HeaderSize+w.Offset()))
	w.PutUint32At(84, uint32(len(r.CreateContexts)))
	w.PutBytes(r.CreateContexts)
	return w.Bytes()
}

// Unmarshal deserializes a CREATE response
func (r *CreateResponse) Unmarshal(body []byte) error {
	c, err := openBody(body, CommandCreate, 89)
	if err != nil {
		return err
	}
	r.OplockLevel = c.Uint8()
	r.Flags = c.Uint8()
	r.CreateAction = c.Uint32()
	r.FileTimes.decode(c)
	r.AllocationSize = c.Uint64()
	r.EndOfFile = c.Uint64()
	r.FileAttributes = FileAttributes(c.Uint32())
	c.Skip(4)
	r.FileID = decodeFileID(c)
	ctxOff, ctxLen := int(c.Uint32()), int(c.Uint32())
	if err := closeBody(c, CommandCreate); err != nil {
		return err
	}
	if r.CreateContexts, err = headerRelative(body, ctxOff, ctxLen); err != nil {
		return fmt.Errorf("%s: contexts: %w", CommandCreate, err)
	}
	return nil
}

// IsDirectory reports whether the opened object is a directory.
func (r *CreateResponse) IsDirectory() bool {
	return r.FileAttributes&FileAttributeDirectory != 0
}

// CloseFlagPostQueryAttrib asks the server to return attributes on close.
const CloseFlagPostQueryAttrib uint16 = 0x0001

// CloseRequest represents an SMB2 CLOSE request
type CloseRequest struct {
	Flags  uint16
	FileID FileID
}

// NewCloseRequest creates a CLOSE request
func NewCloseRequest(fileID FileID) *CloseRequest {
	return &CloseRequest{FileID: fileID}
}

func (r *CloseRequest) Command() Command { return CommandClose }

func (r *CloseRequest) Size() int { return 24 }

// Marshal serializes the CLOSE request
func (r *CloseRequest) Marshal() []byte {
	w := encoding.NewWriter(24)
	w.PutUint16(24)
	w.PutUint16(r.Flags)
	w.PutUint32(0)
	r.FileID.encode(w)
	return w.Bytes()
}

// Unmarshal decodes a CLOSE request body.
func (r *CloseRequest) Unmarshal(body []byte) error {
	c, err := openBody(body, CommandClose, 24)
	if err != nil {
		return err
	}
	r.Flags = c.Uint16()
	c.Skip(4)
	r.FileID = decodeFileID(c)
	return closeBody(c, CommandClose)
}

// CloseResponse represents an SMB2 CLOSE response
type CloseResponse struct {
	Flags uint16
	FileTimes
	AllocationSize uint64
	EndOfFile      uint64
	FileAttributes FileAttributes
}

func (r *CloseResponse) Command() Command { return CommandClose }

func (r *CloseResponse) StructureSize() uint16 { return 60 }

// Marshal encodes the response body.
func (r *CloseResponse) Marshal() []byte {
	w := encoding.NewWriter(60)
	w.PutUint16(60)
	w.PutUint16(r.Flags)
	w.PutUint32(0)
	r.FileTimes.encode(w)
	w.PutUint64(r.AllocationSize)
	w.PutUint64(r.EndOfFile)
	w.PutUint32(uint32(r.FileAttributes))
	return w.Bytes()
}

// Unmarshal deserializes a CLOSE response
func (r *CloseResponse) Unmarshal(body []byte) error {
	c, err := openBody(body, CommandClose, 60)
	if err != nil {
		return err
	}
	r.Flags = c.Uint16()
	c.Skip(4)
	r.FileTimes.decode(c)
	r.AllocationSize = c.Uint64()
	r.EndOfFile = c.Uint64()
	r.FileAttributes = FileAttributes(c.Uint32())
	return closeBody(c, CommandClose)
}

