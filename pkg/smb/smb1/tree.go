package smb1

// Service types
const (
	ServiceDisk = "A:"
	ServicePipe = "IPC"
	ServiceAny  = "?????"
)

// OptionalSupport bits of a TREE_CONNECT_ANDX response.
const (
	SupportSearchBits uint16 = 0x0001
	SupportShareInDFS uint16 = 0x0002
)

// TreeConnectAndXRequest represents a TREE_CONNECT_ANDX request
type TreeConnectAndXRequest struct {
	Flags    uint16
	Password []byte
	Path     string
	Service  string
}

// NewTreeConnectAndXRequest connects to a UNC path with any service type.
func NewTreeConnectAndXRequest(path string) *TreeConnectAndXRequest {
	return &TreeConnectAndXRequest{Password: []byte{0}, Path: path, Service: ServiceAny}
}

func (r *TreeConnectAndXRequest) Command() Command { return CommandTreeConnectAndX }

// Marshal serializes the tree connect request
func (r *TreeConnectAndXRequest) Marshal() []byte {
	w := newBody(4)
	w.PutUint8(andXNone)
	w.PutUint8(0)
	w.PutUint16(0)
	w.PutUint16(r.Flags)
	w.PutUint16(uint16(len(r.Password)))

	pos := beginData(w)
	w.PutBytes(r.Password)
	w.Align(2, true)
	w.PutUTF16Z(r.Path)
	w.PutASCIIZ(r.Service)
	return endData(w, pos)
}

// Unmarshal parses a tree connect request.
func (r *TreeConnectAndXRequest) Unmarshal(body []byte) error {
	b, err := openBlock(body, CommandTreeConnectAndX, 4)
	if err != nil {
		return err
	}
	b.words.Skip(4)
	r.Flags = b.words.Uint16()
	pwLen := int(b.words.Uint16())
	r.Password = b.data.Read(pwLen)
	b.data.Align(2, false)
	r.Path = b.data.UTF16Z()
	r.Service = b.data.ASCIIZ()
	return b.err(CommandTreeConnectAndX)
}

// TreeConnectAndXResponse represents a TREE_CONNECT_ANDX response
type TreeConnectAndXResponse struct {
	OptionalSupport  uint16
	Service          string
	NativeFileSystem string
}

func (r *TreeConnectAndXResponse) Command() Command { return CommandTreeConnectAndX }
func (r *TreeConnectAndXResponse) WordCount() int   { return 3 }

// Marshal serializes the response.
func (r *TreeConnectAndXResponse) Marshal() []byte {
	w := newBody(3)
	w.PutUint8(andXNone)
	w.PutUint8(0)
	w.PutUint16(0)
	w.PutUint16(r.OptionalSupport)
	pos := beginData(w)
	w.PutASCIIZ(r.Service)
	w.Align(2, true)
	w.PutUTF16Z(r.NativeFileSystem)
	return endData(w, pos)
}

// Unmarshal parses the tree connect response
func (r *TreeConnectAndXResponse) Unmarshal(body []byte) error {
	b, err := openBlock(body, CommandTreeConnectAndX, r.WordCount())
	if err != nil {
		return err
	}
	b.words.Skip(4)
	r.OptionalSupport = b.words.Uint16()
	// Extended responses carry 7 words; the access masks are not used.
	r.Service = b.data.ASCIIZ()
	if b.data.Index() < b.dataEnd() {
		b.data.Align(2, false)
		r.NativeFileSystem = b.data.UTF16Z()
	}
	return b.err(CommandTreeConnectAndX)
}

// IsDFS reports whether the share is in a DFS namespace.
func (r *TreeConnectAndXResponse) IsDFS() bool {
	return r.OptionalSupport&SupportShareInDFS != 0
}

// TreeDisconnectRequest releases the tree id in the header.
type TreeDisconnectRequest struct{}

func (r *TreeDisconnectRequest) Command() Command { return CommandTreeDisconnect }
func (r *TreeDisconnectRequest) Marshal() []byte  { return emptyBody() }

func (r *TreeDisconnectRequest) Unmarshal(body []byte) error {
	_, err := openBlock(body, CommandTreeDisconnect, 0)
	return err
}

// TreeDisconnectResponse acknowledges a tree disconnect.
type TreeDisconnectResponse struct{}

func (r *TreeDisconnectResponse) Command() Command { return CommandTreeDisconnect }
func (r *TreeDisconnectResponse) WordCount() int   { return 0 }
func (r *TreeDisconnectResponse) Marshal() []byte  { return emptyBody() }

func (r *TreeDisconnectResponse) Unmarshal(body []byte) error {
	_, err := openBlock(body, CommandTreeDisconnect, 0)
	return err
}

func emptyBody() []byte {
	return []byte{0, 0, 0}
}
