package dfs

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
	"github.com/ineffectivecoder/smbwire/internal/logger"
)

// Target is one concrete location a referral points at.
type Target struct {
	Server string
	Share  string
	Path   string // below the share, no leading separator
}

// UNC renders the target as \\server\share[\path].
func (t Target) UNC() string {
	s := `\\` + t.Server + `\` + t.Share
	if t.Path != "" {
		s += `\` + t.Path
	}
	return s
}

// dfsPath renders the target in the single-backslash form used in referral
// requests.
func (t Target) dfsPath() string {
	return t.UNC()[1:]
}

// Referral maps a path prefix to a set of equivalent targets. Targets keep
// the server's order; primary marks the one currently in use and the rest
// are alternates tried in ring order after it.
type Referral struct {
	Targets []Target
	primary int

	// PathConsumed is the number of characters (UTF-16 code units) of the
	// requested path this referral accounts for.
	PathConsumed int
	TTL          time.Duration
	Expiration   time.Time

	HeaderFlags uint32
	EntryFlags  uint16
	ServerType  uint16

	// NameList is set for domain and DC referrals.
	NameList bool
	// Domain is the special name of a name-list referral.
	Domain string
}

// NewReferral converts a decoded response to a Referral. reqPath is the path
// the request was sent for; fallbackTTL applies to entries without a TTL.
//
// The wire PathConsumed counts UTF-16 bytes and is halved here. Some servers
// report a pathConsumed that swallows a trailing separator of the request
// path; that character is given back so the residual path keeps it.
func NewReferral(resp *Response, reqPath string, now time.Time, fallbackTTL time.Duration) (*Referral, error) {
	if len(resp.Entries) == 0 {
		return nil, fmt.Errorf("%w: no entries for %s", ErrMalformed, reqPath)
	}
	first := resp.Entries[0]
	r := &Referral{
		HeaderFlags: resp.Flags,
		EntryFlags:  first.Flags,
		ServerType:  first.ServerType,
		NameList:    first.IsNameList(),
	}

	ttl := time.Duration(first.TTL) * time.Second
	if ttl == 0 {
		ttl = fallbackTTL
	}
	r.TTL = ttl
	r.Expiration = now.Add(ttl)

	if r.NameList {
		r.Domain = strings.TrimPrefix(first.SpecialName, `\`)
		names := first.ExpandedNames
		if len(names) == 0 {
			names = []string{first.SpecialName}
		}
		for _, n := range names {
			r.Targets = append(r.Targets, Target{Server: strings.ToLower(strings.TrimPrefix(n, `\`))})
		}
	} else {
		for _, e := range resp.Entries {
			node := e.Node
			if node == "" {
				continue
			}
			server, share, path := SplitPath(node)
			r.Targets = append(r.Targets, Target{Server: server, Share: share, Path: path})
		}
		if len(r.Targets) == 0 {
			return nil, fmt.Errorf("%w: no usable targets for %s", ErrMalformed, reqPath)
		}
	}

	units := utf16.Encode([]rune(reqPath))
	consumed := min(int(resp.PathConsumed)/2, len(units))
	if consumed > 0 && units[consumed-1] == '\\' {
		consumed--
	}
	r.PathConsumed = consumed
	return r, nil
}

// SplitConsumed splits path after n UTF-16 code units.
func SplitConsumed(path string, n int) (consumed, rest string) {
	units := 0
	for i, c := range path {
		if units >= n {
			return path[:i], path[i:]
		}
		units += utf16.RuneLen(c)
	}
	return path, ""
}

// SplitPath splits a \server\share\path node into exactly three parts. Any
// number of leading separators is accepted; path keeps its inner separators.
func SplitPath(node string) (server, share, path string) {
	s := strings.TrimLeft(node, `\`)
	parts := strings.SplitN(s, `\`, 3)
	server = parts[0]
	if len(parts) > 1 {
		share = parts[1]
	}
	if len(parts) > 2 {
		path = strings.TrimRight(parts[2], `\`)
	}
	return server, share, path
}

// Primary returns the target in use.
func (r *Referral) Primary() Target {
	return r.Targets[r.primary]
}

// PrimaryIndex returns the index of the target in use.
func (r *Referral) PrimaryIndex() int {
	return r.primary
}

// SetPrimary makes Targets[i] the target in use.
func (r *Referral) SetPrimary(i int) error {
	if i < 0 || i >= len(r.Targets) {
		return fmt.Errorf("dfs: target %d of %d", i, len(r.Targets))
	}
	r.primary = i
	return nil
}

// Next advances the primary around the ring and returns the new primary.
func (r *Referral) Next() Target {
	r.primary = (r.primary + 1) % len(r.Targets)
	return r.Targets[r.primary]
}

// Ring returns the targets starting at the primary and wrapping around.
func (r *Referral) Ring() []Target {
	out := make([]Target, 0, len(r.Targets))
	for i := range r.Targets {
		out = append(out, r.Targets[(r.primary+i)%len(r.Targets)])
	}
	return out
}

// Append adds an alternate target at the end of the ring.
func (r *Referral) Append(t Target) {
	r.Targets = append(r.Targets, t)
}

// Intermediate reports whether the targets are themselves referral servers
// that must be asked again before the path can be used.
func (r *Referral) Intermediate() bool {
	return r.HeaderFlags&HeaderReferralServers != 0 && r.HeaderFlags&HeaderStorageServers == 0
}

// IsRoot reports whether the referral is for a namespace root.
func (r *Referral) IsRoot() bool {
	return r.ServerType == ServerTypeRoot
}

// Expired reports whether r is past its expiration at now.
func (r *Referral) Expired(now time.Time) bool {
	return !now.Before(r.Expiration)
}

// Remaining returns the time left before expiration.
func (r *Referral) Remaining(now time.Time) time.Duration {
	if d := r.Expiration.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Clone returns a deep copy.
func (r *Referral) Clone() *Referral {
	c := *r
	c.Targets = append([]Target(nil), r.Targets...)
	return &c
}

// Combine composes r, a root referral, with link, a referral for the
// remainder of the path. The result takes its targets, expiration and
// domain from link. Its PathConsumed is expressed against the original
// path: the root's own target path, plus its separator, is not counted
// twice.
func (r *Referral) Combine(link *Referral) *Referral {
	c := link.Clone()
	c.PathConsumed = r.PathConsumed + link.PathConsumed
	if p := r.Primary().Path; p != "" {
		c.PathConsumed -= encoding.UTF16Len(p) + 1
	}
	return c
}

// StripPathConsumed removes n leading characters from PathConsumed, used
// when the request path carried a prefix the caller's path does not have.
func (r *Referral) StripPathConsumed(n int) {
	r.PathConsumed = max(r.PathConsumed-n, 0)
}

// FixupDomain qualifies NetBIOS-style target names (no dot, all upper case)
// with domain.
func (r *Referral) FixupDomain(domain string) {
	if domain == "" {
		return
	}
	for i, t := range r.Targets {
		if strings.Contains(t.Server, ".") || strings.ToUpper(t.Server) != t.Server {
			continue
		}
		fqdn := strings.ToLower(t.Server + "." + domain)
		logger.Debug("qualifying referral target", logger.KeyServer, t.Server, "fqdn", fqdn)
		r.Targets[i].Server = fqdn
	}
}

// FixupHost rewrites unqualified targets whose name equals the first label
// of fqdn. It reports whether every target is qualified afterwards.
func (r *Referral) FixupHost(fqdn string) bool {
	fqdn = strings.ToLower(fqdn)
	label, _, ok := strings.Cut(fqdn, ".")
	qualified := true
	for i, t := range r.Targets {
		if strings.Contains(t.Server, ".") {
			continue
		}
		if ok && strings.EqualFold(t.Server, label) {
			r.Targets[i].Server = fqdn
			continue
		}
		qualified = false
	}
	return qualified
}

func (r *Referral) String() string {
	var b strings.Builder
	for i, t := range r.Targets {
		if i > 0 {
			b.WriteString(", ")
		}
		if i == r.primary {
			b.WriteString("*")
		}
		if r.NameList {
			b.WriteString(t.Server)
		} else {
			b.WriteString(t.UNC())
		}
	}
	return fmt.Sprintf("[%s] consumed=%d ttl=%s", b.String(), r.PathConsumed, r.TTL)
}
