// Package dfs resolves DFS namespace paths to concrete server/share/path
// targets.
//
// It holds the REQ/RESP_GET_DFS_REFERRAL codec, the Referral model (an
// ordered list of equivalent targets with a primary index), a TTL cache keyed
// by normalized path prefix and the Resolver that walks domain, root and link
// referrals. The package never dials anything itself: referral requests go
// through a Source supplied by the SMB client.
package dfs

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
)

// Referral header flags
const (
	HeaderReferralServers uint32 = 0x00000001
	HeaderStorageServers  uint32 = 0x00000002
	HeaderTargetFailback  uint32 = 0x00000004
)

// Referral entry flags
const (
	EntryNameListReferral  uint16 = 0x0002
	EntryTargetSetBoundary uint16 = 0x0004
)

// Server types
const (
	ServerTypeLink uint16 = 0x0000
	ServerTypeRoot uint16 = 0x0001
)

// Fixed entry sizes per version. Versions 3 and 4 share a layout.
const (
	entrySizeV1 = 8
	entrySizeV2 = 22
	entrySizeV3 = 34
)

var (
	// ErrUnsupportedVersion is returned for referral entries other than versions 1 to 4.
	ErrUnsupportedVersion = errors.New("dfs: unsupported referral version")
	// ErrMalformed is returned for referral buffers that do not decode.
	ErrMalformed = errors.New("dfs: malformed referral")
)

// Request is REQ_GET_DFS_REFERRAL.
type Request struct {
	MaxReferralLevel uint16
	Path             string
}

// EncodeRequest builds the referral request for path.
func EncodeRequest(path string, maxLevel uint16) []byte {
	w := encoding.NewWriter(4 + 2*len(path))
	w.PutUint16(maxLevel)
	w.PutUTF16Z(path)
	return w.Bytes()
}

// DecodeRequest parses a referral request.
func DecodeRequest(buf []byte) (*Request, error) {
	r := encoding.NewReader(buf)
	req := &Request{MaxReferralLevel: r.Uint16(), Path: r.UTF16Z()}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: request: %w", ErrMalformed, err)
	}
	return req, nil
}

// Entry is one referral entry. Which fields are set depends on Version and
// on whether the entry is a name list.
type Entry struct {
	Version    uint16
	ServerType uint16
	Flags      uint16
	Proximity  uint32 // version 2
	TTL        uint32 // seconds; versions 2 to 4

	// Normal entries
	Path          string
	AlternatePath string
	Node          string // network address; version 1 share name

	// Name-list entries (versions 3 and 4)
	SpecialName   string
	ExpandedNames []string

	SiteGUID uuid.UUID
}

// IsNameList reports whether e lists domain or DC names.
func (e *Entry) IsNameList() bool {
	return e.Version >= 3 && e.Flags&EntryNameListReferral != 0
}

// Response is RESP_GET_DFS_REFERRAL. PathConsumed is the raw wire value, in
// bytes of the UTF-16 request path.
type Response struct {
	PathConsumed uint16
	Flags        uint32
	Entries      []Entry
}

// Decode parses a referral response. Every offset and count is checked
// against the buffer before it is followed.
func Decode(buf []byte) (*Response, error) {
	r := encoding.NewReader(buf)
	resp := &Response{PathConsumed: r.Uint16()}
	n := int(r.Uint16())
	resp.Flags = r.Uint32()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrMalformed, err)
	}
	if n*entrySizeV1 > r.Remaining() {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrMalformed, n, r.Remaining())
	}
	resp.Entries = make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		start := r.Index()
		e, size, err := decodeEntry(r)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		resp.Entries = append(resp.Entries, e)
		r.Seek(start + size)
		if r.Err() != nil {
			return nil, fmt.Errorf("%w: entry %d size %d", ErrMalformed, i, size)
		}
	}
	return resp, nil
}

func decodeEntry(r *encoding.Cursor) (Entry, int, error) {
	base := r.Sub()
	e := Entry{Version: r.Uint16()}
	size := int(r.Uint16())
	e.ServerType = r.Uint16()
	e.Flags = r.Uint16()
	if r.Err() != nil {
		return e, 0, fmt.Errorf("%w: entry header", ErrMalformed)
	}
	if size < entrySizeV1 || size > base.Remaining() {
		return e, 0, fmt.Errorf("%w: entry size %d", ErrMalformed, size)
	}

	switch e.Version {
	case 1:
		e.Node = r.UTF16Z()
	case 2:
		e.Proximity = r.Uint32()
		e.TTL = r.Uint32()
		pathOff, altOff, nodeOff := int(r.Uint16()), int(r.Uint16()), int(r.Uint16())
		e.Path = stringAt(base, pathOff)
		e.AlternatePath = stringAt(base, altOff)
		e.Node = stringAt(base, nodeOff)
	case 3, 4:
		e.TTL = r.Uint32()
		if e.Flags&EntryNameListReferral != 0 {
			specialOff, count, expandedOff := int(r.Uint16()), int(r.Uint16()), int(r.Uint16())
			e.SpecialName = stringAt(base, specialOff)
			if 2*count > base.Remaining() {
				return e, 0, fmt.Errorf("%w: %d expanded names", ErrMalformed, count)
			}
			names := base.At(base.Start() + expandedOff)
			for j := 0; j < count && names.Err() == nil; j++ {
				e.ExpandedNames = append(e.ExpandedNames, names.UTF16Z())
			}
		} else {
			pathOff, altOff, nodeOff := int(r.Uint16()), int(r.Uint16()), int(r.Uint16())
			if size >= entrySizeV3 {
				copy(e.SiteGUID[:], r.Read(16))
			}
			e.Path = stringAt(base, pathOff)
			e.AlternatePath = stringAt(base, altOff)
			e.Node = stringAt(base, nodeOff)
		}
	default:
		return e, 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, e.Version)
	}
	if err := r.Err(); err != nil {
		return e, 0, fmt.Errorf("%w: version %d: %w", ErrMalformed, e.Version, err)
	}
	return e, size, nil
}

// stringAt reads a null-terminated string at an offset relative to the entry.
func stringAt(base *encoding.Cursor, off int) string {
	if off == 0 {
		return ""
	}
	return base.At(base.Start() + off).UTF16Z()
}

// Encode lays the response out the way Windows servers do: every fixed
// entry first, then the strings they point at. Entries of version 1 carry
// their share name inline.
func (resp *Response) Encode() []byte {
	w := encoding.NewWriter(256)
	w.PutUint16(resp.PathConsumed)
	w.PutUint16(uint16(len(resp.Entries)))
	w.PutUint32(resp.Flags)

	type patch struct {
		entry, pos int
		s          string
	}
	type nameList struct {
		entry, pos int
		names      []string
	}
	var patches []patch
	var lists []nameList
	for _, e := range resp.Entries {
		start := w.Index()
		w.PutUint16(e.Version)
		switch e.Version {
		case 1:
			w.PutUint16(uint16(entrySizeV1 + 2*encoding.UTF16Len(e.Node) + 2))
			w.PutUint16(e.ServerType)
			w.PutUint16(e.Flags)
			w.PutUTF16Z(e.Node)
		case 2:
			w.PutUint16(entrySizeV2)
			w.PutUint16(e.ServerType)
			w.PutUint16(e.Flags)
			w.PutUint32(e.Proximity)
			w.PutUint32(e.TTL)
			for _, s := range []string{e.Path, e.AlternatePath, e.Node} {
				patches = append(patches, patch{start, w.Index(), s})
				w.PutUint16(0)
			}
		default:
			w.PutUint16(entrySizeV3)
			w.PutUint16(e.ServerType)
			w.PutUint16(e.Flags)
			w.PutUint32(e.TTL)
			if e.Flags&EntryNameListReferral != 0 {
				patches = append(patches, patch{start, w.Index(), e.SpecialName})
				w.PutUint16(0)
				w.PutUint16(uint16(len(e.ExpandedNames)))
				lists = append(lists, nameList{start, w.Index(), e.ExpandedNames})
				w.PutUint16(0)
				w.PutZeros(16)
			} else {
				for _, s := range []string{e.Path, e.AlternatePath, e.Node} {
					patches = append(patches, patch{start, w.Index(), s})
					w.PutUint16(0)
				}
				w.PutBytes(e.SiteGUID[:])
			}
		}
	}
	for _, p := range patches {
		w.PutUint16At(p.pos, uint16(w.Index()-p.entry))
		w.PutUTF16Z(p.s)
	}
	for _, l := range lists {
		w.PutUint16At(l.pos, uint16(w.Index()-l.entry))
		for _, n := range l.names {
			w.PutUTF16Z(n)
		}
	}
	return w.Bytes()
}
