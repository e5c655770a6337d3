package auth

import (
	"context"
	"encoding/asn1"
	"fmt"

	"github.com/geoffgarside/ber"
)

// Mechanism OIDs
var (
	OIDSPNEGO       = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 2}
	OIDNTLMSSP      = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 2, 10}
	OIDKerberosV5   = asn1.ObjectIdentifier{1, 2, 840, 113554, 1, 2, 2}
	OIDMSKerberosV5 = asn1.ObjectIdentifier{1, 2, 840, 48018, 1, 2, 2}
)

// NegState values of a NegTokenResp.
const (
	NegStateAcceptCompleted  asn1.Enumerated = 0
	NegStateAcceptIncomplete asn1.Enumerated = 1
	NegStateReject           asn1.Enumerated = 2
	NegStateRequestMIC       asn1.Enumerated = 3
)

// NegTokenInit is the initiator's first SPNEGO token.
type NegTokenInit struct {
	MechTypes   []asn1.ObjectIdentifier `asn1:"explicit,optional,tag:0"`
	ReqFlags    asn1.BitString          `asn1:"explicit,optional,tag:1"`
	MechToken   []byte                  `asn1:"explicit,optional,tag:2"`
	MechListMIC []byte                  `asn1:"explicit,optional,tag:3"`
}

// NegTokenInit2 is the acceptor's hint carried in the NEGOTIATE response.
type NegTokenInit2 struct {
	MechTypes   []asn1.ObjectIdentifier `asn1:"explicit,optional,tag:0"`
	ReqFlags    asn1.BitString          `asn1:"explicit,optional,tag:1"`
	MechToken   []byte                  `asn1:"explicit,optional,tag:2"`
	NegHints    asn1.RawValue           `asn1:"explicit,optional,tag:3"`
	MechListMIC []byte                  `asn1:"explicit,optional,tag:4"`
}

// NegTokenResp is every SPNEGO token after the first.
type NegTokenResp struct {
	NegState      asn1.Enumerated       `asn1:"optional,explicit,tag:0"`
	SupportedMech asn1.ObjectIdentifier `asn1:"optional,explicit,tag:1"`
	ResponseToken []byte                `asn1:"optional,explicit,tag:2"`
	MechListMIC   []byte                `asn1:"optional,explicit,tag:3"`
}

type initialContextToken struct { // [APPLICATION 0] IMPLICIT
	ThisMech asn1.ObjectIdentifier
	Init     NegTokenInit `asn1:"explicit,tag:0"`
}

type initialContextToken2 struct { // [APPLICATION 0] IMPLICIT
	ThisMech asn1.ObjectIdentifier
	Init2    NegTokenInit2 `asn1:"explicit,tag:0"`
}

// negTokenRespOut is the encoder's view of NegTokenResp. negState is carried
// pre-tagged so that accept-completed (zero) is still emitted when set.
type negTokenRespOut struct {
	NegState      asn1.RawValue         `asn1:"optional"`
	SupportedMech asn1.ObjectIdentifier `asn1:"optional,explicit,tag:1"`
	ResponseToken []byte                `asn1:"optional,explicit,tag:2"`
	MechListMIC   []byte                `asn1:"optional,explicit,tag:3"`
}

// EncodeNegTokenInit wraps the first mechanism token in a GSS-API
// InitialContextToken.
func EncodeNegTokenInit(mechs []asn1.ObjectIdentifier, token []byte) ([]byte, error) {
	bs, err := asn1.Marshal(initialContextToken{
		ThisMech: OIDSPNEGO,
		Init:     NegTokenInit{MechTypes: mechs, MechToken: token},
	})
	if err != nil {
		return nil, fmt.Errorf("encode NegTokenInit: %w", err)
	}
	bs[0] = 0x60 // [APPLICATION 0] constructed
	return bs, nil
}

// EncodeNegTokenInit2 builds an acceptor hint listing mechs.
func EncodeNegTokenInit2(mechs []asn1.ObjectIdentifier) ([]byte, error) {
	bs, err := asn1.Marshal(initialContextToken2{
		ThisMech: OIDSPNEGO,
		Init2:    NegTokenInit2{MechTypes: mechs},
	})
	if err != nil {
		return nil, fmt.Errorf("encode NegTokenInit2: %w", err)
	}
	bs[0] = 0x60
	return bs, nil
}

// EncodeNegTokenResp builds a NegTokenResp. state < 0 omits negState, as
// initiators do after the first leg.
func EncodeNegTokenResp(state int, mech asn1.ObjectIdentifier, token []byte) ([]byte, error) {
	out := negTokenRespOut{SupportedMech: mech, ResponseToken: token}
	if state >= 0 {
		out.NegState = asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      []byte{asn1.TagEnum, 1, byte(state)},
		}
	}
	inner, err := asn1.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode NegTokenResp: %w", err)
	}
	bs, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        1,
		IsCompound: true,
		Bytes:      inner,
	})
	if err != nil {
		return nil, fmt.Errorf("encode NegTokenResp: %w", err)
	}
	return bs, nil
}

// DecodeNegTokenInit parses an initiator's GSS-API wrapped NegTokenInit.
func DecodeNegTokenInit(bs []byte) (*NegTokenInit, error) {
	var tok initialContextToken
	if _, err := ber.UnmarshalWithParams(bs, &tok, "application,tag:0"); err != nil {
		return nil, fmt.Errorf("decode NegTokenInit: %w", err)
	}
	if !tok.ThisMech.Equal(OIDSPNEGO) {
		return nil, fmt.Errorf("decode NegTokenInit: mechanism %v is not SPNEGO", tok.ThisMech)
	}
	return &tok.Init, nil
}

// DecodeNegTokenInit2 parses the acceptor hint from a NEGOTIATE response.
func DecodeNegTokenInit2(bs []byte) (*NegTokenInit2, error) {
	var tok initialContextToken2
	if _, err := ber.UnmarshalWithParams(bs, &tok, "application,tag:0"); err != nil {
		return nil, fmt.Errorf("decode NegTokenInit2: %w", err)
	}
	if !tok.ThisMech.Equal(OIDSPNEGO) {
		return nil, fmt.Errorf("decode NegTokenInit2: mechanism %v is not SPNEGO", tok.ThisMech)
	}
	return &tok.Init2, nil
}

// DecodeNegTokenResp parses a NegTokenResp.
func DecodeNegTokenResp(bs []byte) (*NegTokenResp, error) {
	var resp NegTokenResp
	if _, err := ber.UnmarshalWithParams(bs, &resp, "explicit,tag:1"); err != nil {
		return nil, fmt.Errorf("decode NegTokenResp: %w", err)
	}
	return &resp, nil
}

// SPNEGO negotiates a single mechanism and implements Initiator.
type SPNEGO struct {
	mech    Mechanism
	started bool
}

// NewSPNEGO wraps mech in SPNEGO.
func NewSPNEGO(mech Mechanism) *SPNEGO {
	return &SPNEGO{mech: mech}
}

// NewInitiator picks the mechanism for creds: Kerberos for Kerberos
// credentials, NTLM otherwise.
func NewInitiator(creds Credentials, workstation, spn string) Initiator {
	if k, ok := creds.(*KerberosCredentials); ok {
		return NewSPNEGO(NewKerberosMechanism(k, spn))
	}
	return NewSPNEGO(NewNTLMMechanism(creds, workstation))
}

// Name reports the inner mechanism.
func (s *SPNEGO) Name() string {
	switch {
	case s.mech.OID().Equal(OIDNTLMSSP):
		return "ntlmssp"
	case s.mech.OID().Equal(OIDKerberosV5):
		return "kerberos"
	default:
		return s.mech.OID().String()
	}
}

// mechTypes lists the OIDs advertised for the mechanism. Kerberos is offered
// under both the Microsoft and the standard OID.
func (s *SPNEGO) mechTypes() []asn1.ObjectIdentifier {
	if s.mech.OID().Equal(OIDKerberosV5) {
		return []asn1.ObjectIdentifier{OIDMSKerberosV5, OIDKerberosV5}
	}
	return []asn1.ObjectIdentifier{s.mech.OID()}
}

// InitSecContext produces the next session setup blob.
func (s *SPNEGO) InitSecContext(ctx context.Context, serverBlob []byte) ([]byte, error) {
	if !s.started {
		if err := s.checkHint(serverBlob); err != nil {
			return nil, err
		}
		tok, _, err := s.mech.Step(ctx, nil)
		if err != nil {
			return nil, err
		}
		s.started = true
		return EncodeNegTokenInit(s.mechTypes(), tok)
	}

	resp, err := DecodeNegTokenResp(serverBlob)
	if err != nil {
		return nil, err
	}
	if resp.NegState == NegStateReject {
		return nil, ErrRejected
	}
	tok, _, err := s.mech.Step(ctx, resp.ResponseToken)
	if err != nil {
		return nil, err
	}
	return EncodeNegTokenResp(-1, nil, tok)
}

// checkHint rejects servers whose hint lists mechanisms but none of ours.
// An empty or unparsable hint is not an error: many servers send none.
func (s *SPNEGO) checkHint(blob []byte) error {
	if len(blob) == 0 {
		return nil
	}
	hint, err := DecodeNegTokenInit2(blob)
	if err != nil || len(hint.MechTypes) == 0 {
		return nil
	}
	for _, offered := range hint.MechTypes {
		for _, ours := range s.mechTypes() {
			if offered.Equal(ours) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: server offers %v", ErrUnsupportedMech, hint.MechTypes)
}

// Complete checks the final token of a successful exchange.
func (s *SPNEGO) Complete(serverBlob []byte) error {
	if !s.started {
		return fmt.Errorf("%w: complete before first leg", ErrContextState)
	}
	if len(serverBlob) == 0 {
		return nil
	}
	resp, err := DecodeNegTokenResp(serverBlob)
	if err != nil {
		return err
	}
	if resp.NegState == NegStateReject {
		return ErrRejected
	}
	if f, ok := s.mech.(Finisher); ok && len(resp.ResponseToken) > 0 {
		return f.Finish(resp.ResponseToken)
	}
	return nil
}

// SessionKey returns the mechanism's session key.
func (s *SPNEGO) SessionKey() []byte {
	return s.mech.SessionKey()
}
