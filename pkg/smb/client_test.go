package smb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ineffectivecoder/smbwire/pkg/auth"
	"github.com/ineffectivecoder/smbwire/pkg/config"
	"github.com/ineffectivecoder/smbwire/pkg/dfs"
	"github.com/ineffectivecoder/smbwire/pkg/smb/types"
)

// storageReferral is a root referral for consumed listing nodes in order.
func storageReferral(consumed string, nodes ...string) []byte {
	resp := &dfs.Response{
		PathConsumed: uint16(2 * len(consumed)),
		Flags:        dfs.HeaderReferralServers | dfs.HeaderStorageServers,
	}
	for _, n := range nodes {
		resp.Entries = append(resp.Entries, dfs.Entry{Version: 4, ServerType: dfs.ServerTypeRoot, TTL: 300, Path: consumed, Node: n})
	}
	return resp.Encode()
}

func newTestClient(t *testing.T, net *fakeNetwork, configure func(*config.Config)) *Client {
	t.Helper()
	cfg := testConfig()
	if configure != nil {
		configure(cfg)
	}
	c, err := NewClient(cfg, nil,
		WithDialer(net.dial),
		WithInitiator(func(string) auth.Initiator { return &fakeInitiator{key: []byte("fake-session-key")} }))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

const testUNC = `\\ns1\dfs\docs\a.txt`

func TestClientReadFileFailsOverToAlternate(t *testing.T) {
	net := newFakeNetwork(t, func(host string, s *fakeServer) {
		switch host {
		case "ns1":
			s.referrals[`\ns1\dfs\docs\a.txt`] = storageReferral(`\ns1\dfs`, `\fs1\share`, `\fs2\share`)
		case "fs2":
			s.files[`docs\a.txt`] = []byte("from fs2")
		}
	})
	net.down["fs1"] = true
	c := newTestClient(t, net, nil)
	ctx := context.Background()

	data, err := c.ReadFile(ctx, testUNC)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "from fs2" {
		t.Errorf("data = %q", data)
	}

	key, ref, ok := c.Cache().Lookup(`\ns1\dfs\docs\a.txt`)
	if !ok {
		t.Fatal("referral not cached")
	}
	if !strings.EqualFold(key, `\ns1\dfs`) {
		t.Errorf("cache key = %q", key)
	}
	if got := ref.Primary().Server; got != "fs2" {
		t.Errorf("cached primary = %s, want fs2", got)
	}

	// The cached primary is tried first from now on.
	if _, err := c.ReadFile(ctx, testUNC); err != nil {
		t.Fatal(err)
	}
	if n := net.dialCount("fs1"); n != 1 {
		t.Errorf("dead target dialed %d times", n)
	}
	if n := net.dialCount("ns1"); n != 1 {
		t.Errorf("namespace server dialed %d times", n)
	}
}

func TestClientReadFileAllTargetsDown(t *testing.T) {
	net := newFakeNetwork(t, func(host string, s *fakeServer) {
		if host == "ns1" {
			s.referrals[`\ns1\dfs\docs\a.txt`] = storageReferral(`\ns1\dfs`, `\fs1\share`, `\fs2\share`)
		}
	})
	net.down["fs1"] = true
	net.down["fs2"] = true
	c := newTestClient(t, net, nil)

	_, err := c.ReadFile(context.Background(), testUNC)
	if err == nil || !IsTransportError(err) {
		t.Fatalf("err = %v", err)
	}
	_, ref, ok := c.Cache().Lookup(`\ns1\dfs\docs\a.txt`)
	if !ok || ref.Primary().Server != "fs1" {
		t.Error("primary moved although no target answered")
	}
}

func TestClientReadFileRetriesPathNotCovered(t *testing.T) {
	net := newFakeNetwork(t, func(host string, s *fakeServer) {
		switch host {
		case "ns1":
			s.referrals[`\ns1\dfs\docs\a.txt`] = storageReferral(`\ns1\dfs`, `\fs1\share`)
		case "fs1":
			s.handlers[types.CommandCreate] = func(*fakeServer, *types.Header, []byte) fakeReply {
				return fakeReply{status: types.StatusPathNotCovered}
			}
			s.referrals[`\ns1\dfs\docs\a.txt`] = storageReferral(`\ns1\dfs`, `\fs2\share`)
		case "fs2":
			s.files[`docs\a.txt`] = []byte("moved")
		}
	})
	c := newTestClient(t, net, nil)

	data, err := c.ReadFile(context.Background(), testUNC)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "moved" {
		t.Errorf("data = %q", data)
	}
	_, ref, ok := c.Cache().Lookup(`\ns1\dfs\docs\a.txt`)
	if !ok || ref.Primary().Server != "fs2" {
		t.Error("cache not refreshed from the target's referral")
	}
}

func TestClientConnectNonDFSPath(t *testing.T) {
	net := newFakeNetwork(t, func(host string, s *fakeServer) {
		s.files[`docs\a.txt`] = []byte("plain")
	})
	c := newTestClient(t, net, nil)
	ctx := context.Background()

	sh, err := c.Connect(ctx, `//fs3/share/docs/a.txt`)
	if err != nil {
		t.Fatal(err)
	}
	if sh.Target != nil {
		t.Error("plain share reported a DFS target")
	}
	if sh.Share() != "share" || sh.Path != `docs\a.txt` {
		t.Errorf("share %q path %q", sh.Share(), sh.Path)
	}
	if got := sh.UNC(); got != `\\fs3\share\docs\a.txt` {
		t.Errorf("UNC = %s", got)
	}
	data, err := sh.ReadFile(ctx, sh.Path, 0, 0)
	if err != nil || string(data) != "plain" {
		t.Fatalf("read = %q, %v", data, err)
	}
	if err := sh.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Cache().Len() != 0 {
		t.Error("failed referral cached")
	}
}

func TestClientDFSDisabled(t *testing.T) {
	net := newFakeNetwork(t, func(host string, s *fakeServer) {
		s.files[`docs\a.txt`] = []byte("direct")
	})
	c := newTestClient(t, net, func(cfg *config.Config) { cfg.DFS.Enabled = false })
	ctx := context.Background()

	if _, err := c.Resolve(ctx, testUNC); !errors.Is(err, ErrNotSupported) {
		t.Errorf("resolve with DFS disabled: %v", err)
	}
	data, err := c.ReadFile(ctx, testUNC)
	if err != nil || string(data) != "direct" {
		t.Fatalf("read = %q, %v", data, err)
	}
	if n := net.server("ns1", 0).count(types.CommandIoctl); n != 0 {
		t.Errorf("ns1 received %d referral requests", n)
	}
}

func TestClientEchoAndClose(t *testing.T) {
	net := newFakeNetwork(t, nil)
	c := newTestClient(t, net, nil)
	ctx := context.Background()
	if err := c.Echo(ctx, "fs1"); err != nil {
		t.Fatal(err)
	}
	conns := c.Pool().Conns()
	if len(conns) != 1 {
		t.Fatalf("pool holds %d connections", len(conns))
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	<-conns[0].Mux().Done()
	if err := c.Echo(ctx, "fs1"); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("echo after close: %v", err)
	}
}

func TestClientRejectsBadPaths(t *testing.T) {
	c := newTestClient(t, newFakeNetwork(t, nil), nil)
	if _, err := c.Connect(context.Background(), `\\serveronly`); err == nil {
		t.Error("path without a share accepted")
	}
}
