package smb1

import (
	"github.com/ineffectivecoder/smbwire/pkg/smb/types"
)

// andXNone marks the end of an AndX chain.
const andXNone uint8 = 0xFF

// Native strings the engine reports during session setup.
const (
	NativeOS     = "Unix"
	NativeLanMan = "smbwire"
)

// SessionSetupAndXRequest carries one extended-security (SPNEGO) leg.
type SessionSetupAndXRequest struct {
	MaxBufferSize uint16
	MaxMpxCount   uint16
	VcNumber      uint16
	SessionKey    uint32
	Capabilities  uint32
	SecurityBlob  []byte
	NativeOS      string
	NativeLanMan  string
}

// NewSessionSetupAndXRequest builds a leg for blob using the negotiated limits.
func NewSessionSetupAndXRequest(blob []byte, neg *NegotiateResponse) *SessionSetupAndXRequest {
	return &SessionSetupAndXRequest{
		MaxBufferSize: uint16(min(neg.MaxBufferSize, 0xFFFF)),
		MaxMpxCount:   neg.MaxMpxCount,
		VcNumber:      1,
		SessionKey:    neg.SessionKey,
		Capabilities:  CapUnicode | CapNTStatusCodes | CapNTSMBs | CapLargeFiles | CapExtendedSec | CapDFS,
		SecurityBlob:  blob,
		NativeOS:      NativeOS,
		NativeLanMan:  NativeLanMan,
	}
}

func (r *SessionSetupAndXRequest) Command() Command { return CommandSessionSetupAndX }

// Marshal serializes the session setup request
func (r *SessionSetupAndXRequest) Marshal() []byte {
	w := newBody(12)
	w.PutUint8(andXNone)
	w.PutUint8(0)
	w.PutUint16(0) // AndXOffset
	w.PutUint16(r.MaxBufferSize)
	w.PutUint16(r.MaxMpxCount)
	w.PutUint16(r.VcNumber)
	w.PutUint32(r.SessionKey)
	w.PutUint16(uint16(len(r.SecurityBlob)))
	w.PutUint32(0) // Reserved
	w.PutUint32(r.Capabilities)

	pos := beginData(w)
	w.PutBytes(r.SecurityBlob)
	w.Align(2, true)
	w.PutUTF16Z(r.NativeOS)
	w.PutUTF16Z(r.NativeLanMan)
	return endData(w, pos)
}

// Unmarshal parses a session setup request.
func (r *SessionSetupAndXRequest) Unmarshal(body []byte) error {
	b, err := openBlock(body, CommandSessionSetupAndX, 12)
	if err != nil {
		return err
	}
	wr := b.words
	wr.Skip(4)
	r.MaxBufferSize = wr.Uint16()
	r.MaxMpxCount = wr.Uint16()
	r.VcNumber = wr.Uint16()
	r.SessionKey = wr.Uint32()
	blobLen := int(wr.Uint16())
	wr.Skip(4)
	r.Capabilities = wr.Uint32()

	r.SecurityBlob = b.data.Read(blobLen)
	b.data.Align(2, false)
	r.NativeOS = b.data.UTF16Z()
	r.NativeLanMan = b.data.UTF16Z()
	return b.err(CommandSessionSetupAndX)
}

// SessionSetupAndXResponse represents a SESSION_SETUP_ANDX response
type SessionSetupAndXResponse struct {
	Action        uint16
	SecurityBlob  []byte
	NativeOS      string
	NativeLanMan  string
	PrimaryDomain string
}

func (r *SessionSetupAndXResponse) Command() Command { return CommandSessionSetupAndX }
func (r *SessionSetupAndXResponse) WordCount() int   { return 4 }

// IsErrorStatus accepts STATUS_MORE_PROCESSING_REQUIRED between legs.
func (r *SessionSetupAndXResponse) IsErrorStatus(s types.NTStatus) bool {
	return s != types.StatusSuccess && s != types.StatusMoreProcessingReq
}

// Marshal serializes the response.
func (r *SessionSetupAndXResponse) Marshal() []byte {
	w := newBody(4)
	w.PutUint8(andXNone)
	w.PutUint8(0)
	w.PutUint16(0)
	w.PutUint16(r.Action)
	w.PutUint16(uint16(len(r.SecurityBlob)))

	pos := beginData(w)
	w.PutBytes(r.SecurityBlob)
	w.Align(2, true)
	w.PutUTF16Z(r.NativeOS)
	w.PutUTF16Z(r.NativeLanMan)
	w.PutUTF16Z(r.PrimaryDomain)
	return endData(w, pos)
}

// Unmarshal parses the session setup response
func (r *SessionSetupAndXResponse) Unmarshal(body []byte) error {
	b, err := openBlock(body, CommandSessionSetupAndX, r.WordCount())
	if err != nil {
		return err
	}
	b.words.Skip(4)
	r.Action = b.words.Uint16()
	blobLen := int(b.words.Uint16())

	r.SecurityBlob = b.data.Read(blobLen)
	if err := b.err(CommandSessionSetupAndX); err != nil {
		return err
	}
	// The native strings are informational; servers often truncate them.
	b.data.Align(2, false)
	end := b.dataEnd()
	strs := make([]string, 0, 3)
	for len(strs) < 3 && b.data.Index() < end {
		s := b.data.UTF16Z()
		if b.data.Err() != nil {
			break
		}
		strs = append(strs, s)
	}
	strs = append(strs, "", "", "")
	r.NativeOS, r.NativeLanMan, r.PrimaryDomain = strs[0], strs[1], strs[2]
	return nil
}

// IsGuestLogon returns true if this is a guest logon
func (r *SessionSetupAndXResponse) IsGuestLogon() bool {
	return r.Action&0x01 != 0
}

// LogoffAndXRequest ends the session.
type LogoffAndXRequest struct{}

func (r *LogoffAndXRequest) Command() Command { return CommandLogoffAndX }

func (r *LogoffAndXRequest) Marshal() []byte { return marshalAndXOnly() }

func (r *LogoffAndXRequest) Unmarshal(body []byte) error {
	_, err := openBlock(body, CommandLogoffAndX, 2)
	return err
}

// LogoffAndXResponse acknowledges a logoff.
type LogoffAndXResponse struct{}

func (r *LogoffAndXResponse) Command() Command { return CommandLogoffAndX }
func (r *LogoffAndXResponse) WordCount() int   { return 2 }
func (r *LogoffAndXResponse) Marshal() []byte  { return marshalAndXOnly() }

func (r *LogoffAndXResponse) Unmarshal(body []byte) error {
	_, err := openBlock(body, CommandLogoffAndX, r.WordCount())
	return err
}

func marshalAndXOnly() []byte {
	w := newBody(2)
	w.PutUint8(andXNone)
	w.PutUint8(0)
	w.PutUint16(0)
	return endData(w, beginData(w))
}
