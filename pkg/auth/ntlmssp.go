package auth

import (
	"context"
	"encoding/asn1"
	"fmt"
)

// NTLMMechanism runs the three-message NTLMSSP exchange.
type NTLMMechanism struct {
	creds       Credentials
	workstation string

	negotiate  []byte
	sessionKey []byte
	done       bool
}

// NewNTLMMechanism creates an NTLM mechanism for password, hash or anonymous credentials.
func NewNTLMMechanism(creds Credentials, workstation string) *NTLMMechanism {
	return &NTLMMechanism{creds: creds, workstation: workstation}
}

func (n *NTLMMechanism) OID() asn1.ObjectIdentifier { return OIDNTLMSSP }

// Step sends NEGOTIATE on the first call and AUTHENTICATE in answer to CHALLENGE.
func (n *NTLMMechanism) Step(_ context.Context, in []byte) ([]byte, bool, error) {
	switch {
	case n.negotiate == nil:
		n.negotiate = NewNegotiateMessage().Marshal()
		return n.negotiate, false, nil
	case !n.done:
		challenge, err := ParseChallengeMessage(in)
		if err != nil {
			return nil, false, err
		}
		res, err := buildAuthenticate(n.creds, n.workstation, n.negotiate, in, challenge)
		if err != nil {
			return nil, false, err
		}
		n.sessionKey = res.sessionKey
		n.done = true
		return res.msg, true, nil
	default:
		return nil, true, fmt.Errorf("%w: NTLM exchange already complete", ErrContextState)
	}
}

// SessionKey returns the exported session key, nil for anonymous logons.
func (n *NTLMMechanism) SessionKey() []byte {
	return n.sessionKey
}
