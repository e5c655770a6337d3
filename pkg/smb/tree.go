package smb

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ineffectivecoder/smbwire/internal/logger"
	"github.com/ineffectivecoder/smbwire/pkg/dfs"
	"github.com/ineffectivecoder/smbwire/pkg/smb/smb1"
	"github.com/ineffectivecoder/smbwire/pkg/smb/types"
)

// ipcShare is the share DFS referral requests are sent on.
const ipcShare = "IPC$"

// maxReferralOutput bounds the referral buffer a server may return.
const maxReferralOutput = 65536

// Tree is a connected share.
type Tree struct {
	conn  *Conn
	id    uint32
	share string
	dfs   bool
	pipe  bool
}

// ID returns the tree id stamped on requests to the share.
func (t *Tree) ID() uint32 { return t.id }

// Share returns the share name.
func (t *Tree) Share() string { return t.share }

// IsDFS reports whether the share is part of a DFS namespace.
func (t *Tree) IsDFS() bool { return t.dfs }

// IsPipe reports whether the share is the named-pipe (IPC) share.
func (t *Tree) IsPipe() bool { return t.pipe }

// Conn returns the connection the tree belongs to.
func (t *Tree) Conn() *Conn { return t.conn }

func (t *Tree) String() string {
	return fmt.Sprintf(`\\%s\%s (tid %#x)`, t.conn.host, t.share, t.id)
}

// TreeConnect connects share on the server. Several tree connects may be in
// flight at once; the connection is TREE_CONNECTING until all have settled.
func (c *Conn) TreeConnect(ctx context.Context, share string) (*Tree, error) {
	share = strings.Trim(share, `\/`)
	if share == "" {
		return nil, fmt.Errorf("tree connect: %w: empty share name", ErrInvalidParameter)
	}
	c.mu.Lock()
	switch c.state {
	case StateSessionActive, StateTreeConnecting, StateTreeActive:
	default:
		st := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: tree connect in state %s", ErrInvalidState, st)
	}
	if err := c.transitionLocked(StateTreeConnecting); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.connecting++
	c.mu.Unlock()

	t, err := c.treeConnect(ctx, share)

	c.mu.Lock()
	c.connecting--
	if err == nil {
		c.trees[t.id] = share
	}
	c.settleTrees()
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf(`tree connect \\%s\%s: %w`, c.host, share, err)
	}
	logger.DebugCtx(ctx, "tree connected", logger.KeyServer, c.host, logger.KeyShare, share,
		logger.Hex(logger.KeyTreeID, uint64(t.id)), "dfs", t.dfs)
	return t, nil
}

func (c *Conn) treeConnect(ctx context.Context, share string) (*Tree, error) {
	path := `\\` + c.host + `\` + share
	if c.mux.Family() == FamilySMB1 {
		resp, reply, err := Do1[*smb1.TreeConnectAndXResponse](ctx, c.mux, smb1.NewTreeConnectAndXRequest(path))
		if err != nil {
			return nil, err
		}
		return &Tree{conn: c, id: uint32(reply.Header.TID), share: share, dfs: resp.IsDFS(),
			pipe: resp.Service == smb1.ServicePipe}, nil
	}
	resp, reply, err := Do[*types.TreeConnectResponse](ctx, c.mux, types.NewTreeConnectRequest(path))
	if err != nil {
		return nil, err
	}
	return &Tree{conn: c, id: reply.Header.TreeID, share: share, dfs: resp.IsDFS(),
		pipe: resp.ShareType == types.ShareTypePipe}, nil
}

// Disconnect releases the tree. The tree id must not be used afterwards.
func (t *Tree) Disconnect(ctx context.Context) error {
	c := t.conn
	var err error
	if c.mux.Family() == FamilySMB1 {
		_, _, err = Do1[*smb1.TreeDisconnectResponse](ctx, c.mux, &smb1.TreeDisconnectRequest{}, WithTreeID(t.id))
	} else {
		_, _, err = Do[*types.TreeDisconnectResponse](ctx, c.mux, &types.TreeDisconnectRequest{}, WithTreeID(t.id))
	}

	c.ipcMu.Lock()
	if c.ipc == t {
		c.ipc = nil
	}
	c.ipcMu.Unlock()

	c.mu.Lock()
	if _, ok := c.trees[t.id]; ok {
		delete(c.trees, t.id)
		c.settleTrees()
	}
	c.mu.Unlock()

	if err != nil && !errors.Is(err, ErrConnClosed) {
		return fmt.Errorf("tree disconnect %s: %w", t, err)
	}
	return nil
}

// TreeDisconnect is Disconnect addressed through the connection.
func (c *Conn) TreeDisconnect(ctx context.Context, t *Tree) error {
	if t.conn != c {
		return fmt.Errorf("tree disconnect: %w: tree belongs to %s", ErrInvalidParameter, t.conn.host)
	}
	return t.Disconnect(ctx)
}

func (t *Tree) callOptions() []CallOption {
	opts := []CallOption{WithTreeID(t.id)}
	if t.dfs {
		opts = append(opts, WithDFS())
	}
	return opts
}

// createName is the CREATE path for name. DFS shares take the full
// server\share\path form.
func (t *Tree) createName(name string) string {
	name = strings.TrimLeft(strings.ReplaceAll(name, "/", `\`), `\`)
	if !t.dfs {
		return name
	}
	if name == "" {
		return t.conn.host + `\` + t.share
	}
	return t.conn.host + `\` + t.share + `\` + name
}

// ReadFile reads up to length bytes of name at offset in a single
// CREATE+READ+CLOSE compound. A length of zero reads as much as the server
// allows. Reading at or past end of file returns no data.
func (t *Tree) ReadFile(ctx context.Context, name string, offset uint64, length uint32) ([]byte, error) {
	c := t.conn
	if c.mux.Family() != FamilySMB2 {
		return nil, fmt.Errorf("read %s: %w on %s", name, ErrNotSupported, c.mux.Family())
	}
	if err := c.require("read", StateTreeActive, StateTreeConnecting); err != nil {
		return nil, err
	}
	limit := c.Info().MaxReadSize
	if length == 0 || length > limit {
		length = limit
	}
	chain := types.NewCompound(types.NewOpenReadRequest(t.createName(name))).
		Then(types.NewReadRequest(types.RelatedFileID, offset, length)).
		Then(types.NewCloseRequest(types.RelatedFileID))

	replies, err := c.mux.SendCompound(ctx, chain, t.callOptions()...)
	var se *StatusError
	if errors.As(err, &se) && se.Status == types.StatusEndOfFile && replies[0] != nil && replies[0].Header.Status == types.StatusSuccess {
		return []byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf(`read \\%s\%s\%s: %w`, c.host, t.share, name, err)
	}
	resp, ok := replies[1].Response.(*types.ReadResponse)
	if !ok {
		return nil, &DecodeError{Command: types.CommandRead.String(), MessageID: replies[1].Header.MessageID,
			Err: fmt.Errorf("unexpected response type %T", replies[1].Response)}
	}
	if uint64(len(resp.Data)) > uint64(length) {
		return nil, &DecodeError{Command: types.CommandRead.String(), MessageID: replies[1].Header.MessageID,
			Err: fmt.Errorf("server returned %d bytes for a %d byte read", len(resp.Data), length)}
	}
	logger.DebugCtx(ctx, "read", logger.KeyShare, t.share, logger.KeyPath, name, "offset", offset, "bytes", len(resp.Data))
	return resp.Data, nil
}

// ipcTree returns the connection's IPC$ tree, connecting it on first use.
func (c *Conn) ipcTree(ctx context.Context) (*Tree, error) {
	c.ipcMu.Lock()
	defer c.ipcMu.Unlock()
	if c.ipc != nil {
		return c.ipc, nil
	}
	t, err := c.TreeConnect(ctx, ipcShare)
	if err != nil {
		return nil, err
	}
	c.ipc = t
	return t, nil
}

// GetReferrals asks the server for the DFS referral of path and returns the
// encoded RESP_GET_DFS_REFERRAL.
func (c *Conn) GetReferrals(ctx context.Context, path string, maxLevel uint16) ([]byte, error) {
	ipc, err := c.ipcTree(ctx)
	if err != nil {
		return nil, err
	}
	input := dfs.EncodeRequest(path, maxLevel)
	maxOut := min(c.Info().MaxTransactSize, maxReferralOutput)

	if c.mux.Family() == FamilySMB1 {
		resp, _, err := Do1[*smb1.Trans2Response](ctx, c.mux, smb1.NewGetDFSReferralRequest(input, uint16(min(maxOut, 0xFFFF))),
			WithTreeID(ipc.id))
		if err != nil {
			return nil, fmt.Errorf("get DFS referral %s from %s: %w", path, c.host, err)
		}
		return resp.Data, nil
	}
	req := types.NewFsctlRequest(types.FsctlDFSGetReferrals, types.RelatedFileID, input, maxOut)
	resp, _, err := Do[*types.IoctlResponse](ctx, c.mux, req, WithTreeID(ipc.id))
	if err != nil {
		return nil, fmt.Errorf("get DFS referral %s from %s: %w", path, c.host, err)
	}
	return resp.Output, nil
}
