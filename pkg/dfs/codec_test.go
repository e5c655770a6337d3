package dfs

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
)

func TestRequestEncoding(t *testing.T) {
	buf := EncodeRequest(`\corp\root`, 4)
	assert.Equal(t, uint16(4), encoding.Uint16LE(buf))
	assert.Len(t, buf, 2+2*len(`\corp\root`)+2)

	req, err := DecodeRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, `\corp\root`, req.Path)
	assert.Equal(t, uint16(4), req.MaxReferralLevel)
}

func TestDecodeVersions(t *testing.T) {
	guid := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	resp := &Response{
		PathConsumed: 20,
		Flags:        HeaderReferralServers | HeaderStorageServers,
		Entries: []Entry{
			{Version: 1, ServerType: ServerTypeRoot, Node: `\fs0\root`},
			{Version: 2, ServerType: ServerTypeRoot, TTL: 60, Proximity: 3, Path: `\corp\root`, AlternatePath: `\corp\root`, Node: `\fs1\root`},
			{Version: 3, ServerType: ServerTypeRoot, TTL: 300, Path: `\corp\root`, Node: `\fs2\root`, SiteGUID: guid},
			{Version: 4, ServerType: ServerTypeRoot, Flags: EntryTargetSetBoundary, TTL: 300, Path: `\corp\root`, Node: `\fs3\root`},
		},
	}
	got, err := Decode(resp.Encode())
	require.NoError(t, err)
	assert.Equal(t, resp.PathConsumed, got.PathConsumed)
	assert.Equal(t, resp.Flags, got.Flags)
	require.Len(t, got.Entries, 4)

	assert.Equal(t, `\fs0\root`, got.Entries[0].Node)
	assert.Equal(t, uint32(3), got.Entries[1].Proximity)
	assert.Equal(t, `\fs1\root`, got.Entries[1].Node)
	assert.Equal(t, `\corp\root`, got.Entries[1].AlternatePath)
	assert.Equal(t, guid, got.Entries[2].SiteGUID)
	assert.Equal(t, `\fs3\root`, got.Entries[3].Node)
	assert.Equal(t, EntryTargetSetBoundary, got.Entries[3].Flags)
	for _, e := range got.Entries[1:] {
		assert.Equal(t, ServerTypeRoot, e.ServerType)
		assert.NotZero(t, e.TTL)
	}
}

func TestDecodeNameList(t *testing.T) {
	resp := &Response{Entries: []Entry{
		{Version: 3, Flags: EntryNameListReferral, TTL: 600, SpecialName: `\CORP`},
		{Version: 3, Flags: EntryNameListReferral, TTL: 600, SpecialName: `\corp.example.com`,
			ExpandedNames: []string{`\dc1.corp.example.com`, `\dc2.corp.example.com`}},
	}}
	got, err := Decode(resp.Encode())
	require.NoError(t, err)
	require.Len(t, got.Entries, 2)
	assert.True(t, got.Entries[0].IsNameList())
	assert.Equal(t, `\CORP`, got.Entries[0].SpecialName)
	assert.Empty(t, got.Entries[0].ExpandedNames)
	assert.Equal(t, []string{`\dc1.corp.example.com`, `\dc2.corp.example.com`}, got.Entries[1].ExpandedNames)
}

// The node in this buffer is laid out by hand, not by Encode.
func TestDecodeNormalReferralNode(t *testing.T) {
	node := `\fs1.example.com\root\link\sub`
	w := encoding.NewWriter(128)
	w.PutUint16(uint16(2 * len(`\corp\root\link\sub`)))
	w.PutUint16(1)
	w.PutUint32(HeaderStorageServers)
	// entry
	w.PutUint16(3)
	w.PutUint16(34)
	w.PutUint16(ServerTypeLink)
	w.PutUint16(0)
	w.PutUint32(1800)
	w.PutUint16(0) // path
	w.PutUint16(0) // alternate path
	w.PutUint16(34)
	w.PutZeros(16)
	w.PutUTF16Z(node)

	resp, err := Decode(w.Bytes())
	require.NoError(t, err)
	ref, err := NewReferral(resp, `\corp\root\link\sub`, epoch, 0)
	require.NoError(t, err)
	assert.Equal(t, Target{Server: "fs1.example.com", Share: "root", Path: `link\sub`}, ref.Primary())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	valid := (&Response{Entries: []Entry{{Version: 3, TTL: 1, Node: `\fs1\root`}}}).Encode()

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"short header", func(b []byte) []byte { return b[:6] }, ErrMalformed},
		{"entry count beyond buffer", func(b []byte) []byte { b[2] = 0xFF; return b }, ErrMalformed},
		{"entry size beyond buffer", func(b []byte) []byte { b[10] = 0xFF; b[11] = 0x7F; return b }, ErrMalformed},
		{"offset beyond buffer", func(b []byte) []byte { b[8+16] = 0xFF; b[8+17] = 0x7F; return b }, ErrMalformed},
		{"unknown version", func(b []byte) []byte { b[8] = 9; return b }, ErrUnsupportedVersion},
		{"truncated string", func(b []byte) []byte { return b[:len(b)-2] }, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := tt.mutate(append([]byte(nil), valid...))
			_, err := Decode(buf)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
