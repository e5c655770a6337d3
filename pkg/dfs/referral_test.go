package dfs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// wireConsumed returns the on-the-wire pathConsumed for n characters.
func wireConsumed(n int) uint16 { return uint16(2 * n) }

func normalResponse(consumed int, nodes ...string) *Response {
	resp := &Response{PathConsumed: wireConsumed(consumed), Flags: HeaderStorageServers}
	for _, n := range nodes {
		resp.Entries = append(resp.Entries, Entry{Version: 3, TTL: 300, Node: n, Path: n})
	}
	return resp
}

func TestNewReferralSplitsNode(t *testing.T) {
	req := `\corp\root\link\sub`
	ref, err := NewReferral(normalResponse(len(req), `\fs1.example.com\root\link\sub`), req, epoch, 0)
	require.NoError(t, err)

	p := ref.Primary()
	assert.Equal(t, "fs1.example.com", p.Server)
	assert.Equal(t, "root", p.Share)
	assert.Equal(t, `link\sub`, p.Path)
	assert.Equal(t, len(req), ref.PathConsumed)
	assert.Equal(t, 300*time.Second, ref.TTL)
	assert.Equal(t, epoch.Add(300*time.Second), ref.Expiration)
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		node                string
		server, share, path string
	}{
		{`\fs1.example.com\root\link\sub`, "fs1.example.com", "root", `link\sub`},
		{`\\fs1\data`, "fs1", "data", ""},
		{`\fs1\data\`, "fs1", "data", ""},
		{`\fs1`, "fs1", "", ""},
		{`\fs1\data\a\b\c\`, "fs1", "data", `a\b\c`},
	}
	for _, tt := range tests {
		t.Run(tt.node, func(t *testing.T) {
			server, share, path := SplitPath(tt.node)
			assert.Equal(t, tt.server, server)
			assert.Equal(t, tt.share, share)
			assert.Equal(t, tt.path, path)
		})
	}
}

func TestTrailingSlashCompensation(t *testing.T) {
	req := `\corp\root\`
	ref, err := NewReferral(normalResponse(len(req), `\fs1\root`), req, epoch, 0)
	require.NoError(t, err)
	assert.Equal(t, len(req)-1, ref.PathConsumed)

	// Without the trailing separator nothing is adjusted.
	req = `\corp\root`
	ref, err = NewReferral(normalResponse(len(req), `\fs1\root`), req, epoch, 0)
	require.NoError(t, err)
	assert.Equal(t, len(req), ref.PathConsumed)

	// A reported value beyond the request is clamped first.
	req = `\corp\root\`
	ref, err = NewReferral(normalResponse(len(req)+4, `\fs1\root`), req, epoch, 0)
	require.NoError(t, err)
	assert.Equal(t, len(req)-1, ref.PathConsumed)
}

func TestNameListReferral(t *testing.T) {
	resp := &Response{
		PathConsumed: wireConsumed(5),
		Entries: []Entry{{
			Version:       4,
			Flags:         EntryNameListReferral,
			TTL:           600,
			SpecialName:   `\CORP`,
			ExpandedNames: []string{`\DC1.corp.example.com`, `\dc2.corp.example.com`},
		}},
	}
	ref, err := NewReferral(resp, `\CORP`, epoch, 0)
	require.NoError(t, err)
	assert.True(t, ref.NameList)
	assert.Equal(t, "CORP", ref.Domain)
	require.Len(t, ref.Targets, 2)
	assert.Equal(t, "dc1.corp.example.com", ref.Primary().Server)
}

func TestFallbackTTL(t *testing.T) {
	resp := normalResponse(5, `\fs1\root`)
	resp.Entries[0].TTL = 0
	ref, err := NewReferral(resp, `\corp\root`, epoch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ref.TTL)
}

func TestNoEntries(t *testing.T) {
	_, err := NewReferral(&Response{}, `\corp\root`, epoch, 0)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCombinePathConsumed(t *testing.T) {
	tests := []struct {
		name     string
		rootPath string
		n, m     int
		want     int
	}{
		{"root without path", "", 10, 7, 17},
		{"root with path", "dir", 10, 7, 10 + 7 - 4},
		{"root with nested path", `a\bc`, 12, 20, 12 + 20 - 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := &Referral{
				Targets:      []Target{{Server: "fs1", Share: "root", Path: tt.rootPath}},
				PathConsumed: tt.n,
				Expiration:   epoch,
				Domain:       "root-domain",
			}
			link := &Referral{
				Targets:      []Target{{Server: "fs2", Share: "data", Path: "x"}, {Server: "fs3", Share: "data"}},
				PathConsumed: tt.m,
				Expiration:   epoch.Add(time.Hour),
				Domain:       "link-domain",
			}
			c := root.Combine(link)
			assert.Equal(t, tt.want, c.PathConsumed)
			assert.Equal(t, link.Targets, c.Targets)
			assert.Equal(t, link.Expiration, c.Expiration)
			assert.Equal(t, "link-domain", c.Domain)
			// The inputs are left alone.
			assert.Equal(t, tt.n, root.PathConsumed)
			assert.Equal(t, tt.m, link.PathConsumed)
		})
	}
}

func TestRing(t *testing.T) {
	ref := &Referral{Targets: []Target{{Server: "a"}, {Server: "b"}}}
	ref.Append(Target{Server: "c"})
	assert.Equal(t, "a", ref.Primary().Server)
	assert.Equal(t, "b", ref.Next().Server)
	assert.Equal(t, []Target{{Server: "b"}, {Server: "c"}, {Server: "a"}}, ref.Ring())
	assert.Equal(t, "c", ref.Next().Server)
	assert.Equal(t, "a", ref.Next().Server)

	require.NoError(t, ref.SetPrimary(2))
	assert.Equal(t, 2, ref.PrimaryIndex())
	assert.Error(t, ref.SetPrimary(3))

	clone := ref.Clone()
	clone.Next()
	assert.Equal(t, 2, ref.PrimaryIndex())
}

func TestFixupDomain(t *testing.T) {
	ref := &Referral{Targets: []Target{
		{Server: "FS1"},
		{Server: "fs2"},
		{Server: "FS3.OTHER.COM"},
	}}
	ref.FixupDomain("corp.example.com")
	assert.Equal(t, "fs1.corp.example.com", ref.Targets[0].Server)
	assert.Equal(t, "fs2", ref.Targets[1].Server, "mixed case names are left alone")
	assert.Equal(t, "FS3.OTHER.COM", ref.Targets[2].Server)
}

func TestFixupHost(t *testing.T) {
	ref := &Referral{Targets: []Target{{Server: "FS1"}, {Server: "fs2"}}}
	assert.False(t, ref.FixupHost("fs1.corp.example.com"))
	assert.Equal(t, "fs1.corp.example.com", ref.Targets[0].Server)
	assert.Equal(t, "fs2", ref.Targets[1].Server)
	assert.True(t, ref.FixupHost("FS2.corp.example.com"))
	assert.Equal(t, "fs2.corp.example.com", ref.Targets[1].Server)
}

func TestIntermediate(t *testing.T) {
	assert.True(t, (&Referral{HeaderFlags: HeaderReferralServers}).Intermediate())
	assert.False(t, (&Referral{HeaderFlags: HeaderReferralServers | HeaderStorageServers}).Intermediate())
	assert.False(t, (&Referral{HeaderFlags: HeaderStorageServers}).Intermediate())
}

func TestSplitConsumed(t *testing.T) {
	a, b := SplitConsumed(`\corp\root\link`, 10)
	assert.Equal(t, `\corp\root`, a)
	assert.Equal(t, `\link`, b)

	a, b = SplitConsumed(`\corp\räum\x`, 10)
	assert.Equal(t, `\corp\räum`, a)
	assert.Equal(t, `\x`, b)

	a, b = SplitConsumed(`\corp`, 99)
	assert.Equal(t, `\corp`, a)
	assert.Empty(t, b)
}
