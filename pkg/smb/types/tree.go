package types

import (
	"fmt"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
)

// TreeConnectFlags (SMB 3.1.1)
const (
	TreeConnectFlagClusterReconnect uint16 = 0x0001
	TreeConnectFlagRedirectToOwner  uint16 = 0x0002
	TreeConnectFlagExtensionPresent uint16 = 0x0004
)

// TreeConnectRequest represents an SMB2 TREE_CONNECT request
type TreeConnectRequest struct {
	Flags uint16
	Path  string // \\server\share
}

// NewTreeConnectRequest creates a tree connect request
func NewTreeConnectRequest(path string) *TreeConnectRequest {
	return &TreeConnectRequest{Path: path}
}

func (r *TreeConnectRequest) Command() Command { return CommandTreeConnect }

func (r *TreeConnectRequest) Size() int { return 8 + 2*encoding.UTF16Len(r.Path) }

// Marshal serializes the tree connect request
func (r *TreeConnectRequest) Marshal() []byte {
	w := encoding.NewWriter(r.Size())
	w.PutUint16(9)
	w.PutUint16(r.Flags)
	w.PutUint16(uint16(bufferOffset(8)))
	w.PutUint16(0) // PathLength, patched below
	n := w.PutUTF16(r.Path)
	w.PutUint16At(6, uint16(n))
	return w.Bytes()
}

// Unmarshal decodes a tree connect request body.
func (r *TreeConnectRequest) Unmarshal(body []byte) error {
	c, err := openBody(body, CommandTreeConnect, 9)
	if err != nil {
		return err
	}
	r.Flags = c.Uint16()
	off, n := int(c.Uint16()), int(c.Uint16())
	if err := closeBody(c, CommandTreeConnect); err != nil {
		return err
	}
	path, err := headerRelative(body, off, n)
	if err != nil {
		return fmt.Errorf("%s: %w", CommandTreeConnect, err)
	}
	r.Path = encoding.FromUTF16LE(path)
	return nil
}

// TreeConnectResponse represents an SMB2 TREE_CONNECT response
type TreeConnectResponse struct {
	ShareType     ShareType
	ShareFlags    ShareFlags
	Capabilities  ShareCapabilities
	MaximalAccess AccessMask
}

func (r *TreeConnectResponse) Command() Command { return CommandTreeConnect }

func (r *TreeConnectResponse) StructureSize() uint16 { return 16 }

// IsDFS reports whether the share takes part in a DFS namespace, either by
// capability or by per-connect share flags.
func (r *TreeConnectResponse) IsDFS() bool {
	return r.Capabilities&ShareCapDFS != 0 ||
		r.ShareFlags&(ShareFlagDFS|ShareFlagDFSRoot) != 0
}

// Marshal encodes the response body.
func (r *TreeConnectResponse) Marshal() []byte {
	w := encoding.NewWriter(16)
	w.PutUint16(16)
	w.PutUint8(uint8(r.ShareType))
	w.PutUint8(0)
	w.PutUint32(uint32(r.ShareFlags))
	w.PutUint32(uint32(r.Capabilities))
	w.PutUint32(uint32(r.MaximalAccess))
	return w.Bytes()
}

// Unmarshal deserializes a tree connect response
func (r *TreeConnectResponse) Unmarshal(body []byte) error {
	c, err := openBody(body, CommandTreeConnect, 16)
	if err != nil {
		return err
	}
	r.ShareType = ShareType(c.Uint8())
	c.Skip(1)
	r.ShareFlags = ShareFlags(c.Uint32())
	r.Capabilities = ShareCapabilities(c.Uint32())
	r.MaximalAccess = AccessMask(c.Uint32())
	return closeBody(c, CommandTreeConnect)
}

// TreeDisconnectRequest represents an SMB2 TREE_DISCONNECT request
type TreeDisconnectRequest struct{}

func (r *TreeDisconnectRequest) Command() Command { return CommandTreeDisconnect }
func (r *TreeDisconnectRequest) Size() int        { return 4 }
func (r *TreeDisconnectRequest) Marshal() []byte  { return marshalFour() }

// Unmarshal decodes a tree disconnect request body.
func (r *TreeDisconnectRequest) Unmarshal(body []byte) error {
	return unmarshalFour(body, CommandTreeDisconnect)
}

// TreeDisconnectResponse represents an SMB2 TREE_DISCONNECT response
type TreeDisconnectResponse struct{}

func (r *TreeDisconnectResponse) Command() Command      { return CommandTreeDisconnect }
func (r *TreeDisconnectResponse) StructureSize() uint16 { return 4 }
func (r *TreeDisconnectResponse) Marshal() []byte       { return marshalFour() }

// Unmarshal deserializes a tree disconnect response
func (r *TreeDisconnectResponse) Unmarshal(body []byte) error {
	return unmarshalFour(body, CommandTreeDisconnect)
}
