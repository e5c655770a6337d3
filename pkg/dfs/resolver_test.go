package dfs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineffectivecoder/smbwire/pkg/config"
)

var errNoReferral = errors.New("STATUS_NOT_FOUND")

// fakeSource answers referral requests from a table keyed by server|path.
type fakeSource struct {
	mu        sync.Mutex
	responses map[string]*Response
	fallback  func(server, path string) *Response
	calls     []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{responses: make(map[string]*Response)}
}

func (f *fakeSource) on(server, path string, resp *Response) {
	f.responses[strings.ToLower(server)+"|"+path] = resp
}

func (f *fakeSource) GetReferrals(_ context.Context, server, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(server) + "|" + path
	f.calls = append(f.calls, key)
	if resp, ok := f.responses[key]; ok {
		return resp.Encode(), nil
	}
	if f.fallback != nil {
		if resp := f.fallback(server, path); resp != nil {
			return resp.Encode(), nil
		}
	}
	return nil, errNoReferral
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func storage(consumed string, ttl uint32, nodes ...string) *Response {
	resp := &Response{PathConsumed: wireConsumed(len(consumed)), Flags: HeaderReferralServers | HeaderStorageServers}
	for _, n := range nodes {
		resp.Entries = append(resp.Entries, Entry{Version: 4, ServerType: ServerTypeRoot, TTL: ttl, Path: consumed, Node: n})
	}
	return resp
}

func dcList(domain string, dcs ...string) *Response {
	return &Response{Entries: []Entry{{
		Version:       3,
		Flags:         EntryNameListReferral,
		TTL:           600,
		SpecialName:   `\` + domain,
		ExpandedNames: dcs,
	}}}
}

func TestResolveDomainRoot(t *testing.T) {
	src := newFakeSource()
	src.on("corp", `\corp`, dcList("corp", `\dc1.corp.example.com`))
	src.on("dc1.corp.example.com", `\corp\root\dir\file.txt`, storage(`\corp\root`, 300, `\fs1.corp.example.com\root`, `\fs2.corp.example.com\root`))

	clk := &fakeClock{t: epoch}
	cfg := config.DFSConfig{Enabled: true, Domain: "corp.example.com"}
	r := NewResolver(src, NewCache(nil), cfg, WithClock(clk.now))

	rt, err := r.Resolve(context.Background(), `\\corp\root\dir\file.txt`)
	require.NoError(t, err)
	assert.Equal(t, "fs1.corp.example.com", rt.Server)
	assert.Equal(t, "root", rt.Share)
	assert.Equal(t, `dir\file.txt`, rt.Path)
	assert.Equal(t, `dir\file.txt`, rt.Rest)
	assert.Equal(t, `\corp\root`, rt.Key)
	assert.Equal(t, 300*time.Second, rt.TTL)
	assert.Equal(t, `\\fs2.corp.example.com\root\dir\file.txt`, rt.For(rt.Referral.Targets[1]).UNC())
	assert.Equal(t, 2, src.count())

	// A second path under the same root is served from the cache.
	rt, err = r.Resolve(context.Background(), `//corp/root/other`)
	require.NoError(t, err)
	assert.Equal(t, `\\fs1.corp.example.com\root\other`, rt.UNC())
	assert.Equal(t, 2, src.count())

	require.Len(t, r.DomainControllers(), 1)
	assert.Equal(t, `\corp`, r.DomainControllers()[0].Key)
}

func TestResolveRefetchesAfterExpiry(t *testing.T) {
	src := newFakeSource()
	src.on("fs1", `\fs1\dfs\a`, storage(`\fs1\dfs`, 60, `\fs2\data`))

	clk := &fakeClock{t: epoch}
	r := NewResolver(src, NewCache(nil), config.DFSConfig{Enabled: true}, WithClock(clk.now))

	_, err := r.Resolve(context.Background(), `\\fs1\dfs\a`)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), `\\fs1\dfs\a`)
	require.NoError(t, err)
	assert.Equal(t, 1, src.count())

	clk.advance(61 * time.Second)
	src.on("fs1", `\fs1\dfs\a`, storage(`\fs1\dfs`, 60, `\fs3\data`))
	rt, err := r.Resolve(context.Background(), `\\fs1\dfs\a`)
	require.NoError(t, err)
	assert.Equal(t, "fs3", rt.Server)
	assert.Equal(t, 2, src.count())
	assert.Equal(t, 1, r.Cache().Len())
}

func TestResolveFollowsIntermediateReferral(t *testing.T) {
	src := newFakeSource()
	root := storage(`\corp\root`, 300, `\fs1\root`)
	root.Flags = HeaderReferralServers
	src.on("corp", `\corp\root\link\file.txt`, root)
	// The link server answers relative to its own \fs1\root prefix.
	src.on("fs1", `\fs1\root\link\file.txt`, storage(`\fs1\root\link`, 120, `\fs2\data\sub`))

	r := NewResolver(src, NewCache(nil), config.DFSConfig{Enabled: true})
	rt, err := r.Resolve(context.Background(), `\\corp\root\link\file.txt`)
	require.NoError(t, err)
	assert.Equal(t, `\\fs2\data\sub\file.txt`, rt.UNC())
	assert.Equal(t, `\corp\root\link`, rt.Key)
	assert.Equal(t, len(`\corp\root\link`), rt.Referral.PathConsumed)
}

func TestResolveStopsAfterMaxHops(t *testing.T) {
	src := newFakeSource()
	src.fallback = func(server, path string) *Response {
		resp := storage(`\`+server+`\root`, 300, `\`+server+`x\root`)
		resp.Flags = HeaderReferralServers
		return resp
	}
	r := NewResolver(src, NewCache(nil), config.DFSConfig{Enabled: true, MaxHops: 3})

	_, err := r.Resolve(context.Background(), `\\loop\root\a`)
	var rerr *ReferralError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, ErrTooManyHops)
	assert.Equal(t, 3, src.count())
}

func TestResolveReferralError(t *testing.T) {
	src := newFakeSource()
	r := NewResolver(src, NewCache(nil), config.DFSConfig{Enabled: true})

	_, err := r.Resolve(context.Background(), `\\fs1\plain\file`)
	var rerr *ReferralError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "fs1", rerr.Server)
	assert.ErrorIs(t, err, errNoReferral)
	assert.Equal(t, 0, r.Cache().Len())
}

func TestResolveMalformedReferral(t *testing.T) {
	src := newFakeSource()
	src.on("fs1", `\fs1\dfs`, &Response{})
	r := NewResolver(src, NewCache(nil), config.DFSConfig{Enabled: true})

	_, err := r.Resolve(context.Background(), `\\fs1\dfs`)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestResolveLearnsTrustedDomains(t *testing.T) {
	src := newFakeSource()
	src.on("dc1.corp.example.com", "", &Response{Entries: []Entry{
		{Version: 3, Flags: EntryNameListReferral, TTL: 600, SpecialName: `\CORP`},
		{Version: 3, Flags: EntryNameListReferral, TTL: 600, SpecialName: `\corp.example.com`},
	}})
	src.on("dc1.corp.example.com", `\corp`, dcList("CORP", `\DC2.corp.example.com`))
	src.on("dc2.corp.example.com", `\corp\root`, storage(`\corp\root`, 300, `\fs1\root`))

	cfg := config.DFSConfig{Enabled: true, DomainController: "dc1.corp.example.com"}
	r := NewResolver(src, NewCache(nil), cfg)
	rt, err := r.Resolve(context.Background(), `\\corp\root`)
	require.NoError(t, err)
	assert.Equal(t, "fs1", rt.Server)
	assert.Empty(t, rt.Path)
}

func TestResolveQualifiesTargets(t *testing.T) {
	src := newFakeSource()
	src.on("fs1.corp.example.com", `\fs1.corp.example.com\dfs\a`, storage(`\fs1.corp.example.com\dfs`, 300, `\FS2\data`, `\fs1\data`))

	cfg := config.DFSConfig{Enabled: true, ConvertToFQDN: true, Domain: "corp.example.com"}
	r := NewResolver(src, NewCache(nil), cfg)
	rt, err := r.Resolve(context.Background(), `\\fs1.corp.example.com\dfs\a`)
	require.NoError(t, err)
	assert.Equal(t, "fs2.corp.example.com", rt.Server)
	assert.Equal(t, "fs1.corp.example.com", rt.Referral.Targets[1].Server)
}

func TestResolveFromBypassesCache(t *testing.T) {
	src := newFakeSource()
	src.on("fs1", `\fs1\dfs\link\x`, storage(`\fs1\dfs`, 300, `\fs2\data`))
	src.on("fs2", `\fs1\dfs\link\x`, storage(`\fs1\dfs\link`, 300, `\fs3\deep`))

	r := NewResolver(src, NewCache(nil), config.DFSConfig{Enabled: true})
	rt, err := r.Resolve(context.Background(), `\\fs1\dfs\link\x`)
	require.NoError(t, err)
	assert.Equal(t, "fs2", rt.Server)

	rt, err = r.ResolveFrom(context.Background(), "fs2", `\\fs1\dfs\link\x`)
	require.NoError(t, err)
	assert.Equal(t, `\\fs3\deep\x`, rt.UNC())
	assert.Equal(t, 2, r.Cache().Len())

	rt, err = r.Resolve(context.Background(), `\\fs1\dfs\link\y`)
	require.NoError(t, err)
	assert.Equal(t, "fs3", rt.Server)
}

func TestCanonical(t *testing.T) {
	p, err := Canonical(`//corp/root/a/`)
	require.NoError(t, err)
	assert.Equal(t, `\corp\root\a`, p)

	_, err = Canonical(`\\corp`)
	assert.Error(t, err)
}
