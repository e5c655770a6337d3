package auth

import (
	"fmt"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
)

const (
	authenticateFixedLen = 88
	micOffset            = 72
)

// AuthenticateMessage represents NTLMSSP Type 3 message (AUTHENTICATE_MESSAGE)
type AuthenticateMessage struct {
	NegotiateFlags            uint32
	LmChallengeResponse       []byte
	NtChallengeResponse       []byte
	DomainName                string
	UserName                  string
	Workstation               string
	EncryptedRandomSessionKey []byte
	Version                   NTLMVersion
	MIC                       [16]byte
}

// Marshal serializes the Type 3 message with Unicode strings.
func (m *AuthenticateMessage) Marshal() []byte {
	w := encoding.NewWriter(authenticateFixedLen + 256)
	w.PutBytes(ntlmSignature[:])
	w.PutUint32(NtLmAuthenticate)
	fields := w.Index()
	w.PutZeros(48)
	w.PutUint32(m.NegotiateFlags)
	m.Version.put(w)
	w.PutBytes(m.MIC[:])

	payload := w.Deferred()
	hdr := w.At(fields)
	putPayload(hdr, payload, m.LmChallengeResponse)
	putPayload(hdr, payload, m.NtChallengeResponse)
	putPayload(hdr, payload, encoding.ToUTF16LE(m.DomainName))
	putPayload(hdr, payload, encoding.ToUTF16LE(m.UserName))
	putPayload(hdr, payload, encoding.ToUTF16LE(m.Workstation))
	putPayload(hdr, payload, m.EncryptedRandomSessionKey)
	return w.Bytes()
}

// ParseAuthenticateMessage decodes a Type 3 message.
func ParseAuthenticateMessage(data []byte) (*AuthenticateMessage, error) {
	r, err := openMessage(data, NtLmAuthenticate)
	if err != nil {
		return nil, err
	}
	var bufs [6]securityBuffer
	for i := range bufs {
		bufs[i] = readSecurityBuffer(r)
	}
	m := &AuthenticateMessage{NegotiateFlags: r.Uint32()}
	m.Version = readVersion(r)
	copy(m.MIC[:], r.Read(16))
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNTLMMessage, err)
	}

	var fields [6][]byte
	for i, sb := range bufs {
		if fields[i], err = sb.payload(data); err != nil {
			return nil, err
		}
	}
	m.LmChallengeResponse = fields[0]
	m.NtChallengeResponse = fields[1]
	m.DomainName = encoding.FromUTF16LE(fields[2])
	m.UserName = encoding.FromUTF16LE(fields[3])
	m.Workstation = encoding.FromUTF16LE(fields[4])
	m.EncryptedRandomSessionKey = fields[5]
	return m, nil
}

// authenticateResult is a Type 3 message together with the key it establishes.
type authenticateResult struct {
	msg        []byte
	sessionKey []byte
}

// buildAuthenticate answers a challenge. negotiate and challenge are the raw
// Type 1 and Type 2 messages, needed for the MIC.
func buildAuthenticate(creds Credentials, workstation string, negotiate, challengeRaw []byte, challenge *ChallengeMessage) (*authenticateResult, error) {
	m := &AuthenticateMessage{
		NegotiateFlags: challenge.NegotiateFlags &^ NtlmsspNegotiateVersion,
		DomainName:     creds.Domain(),
		UserName:       creds.Username(),
		Workstation:    workstation,
		Version:        DefaultVersion(),
	}
	if challenge.NegotiateFlags&NtlmsspNegotiateVersion != 0 {
		m.NegotiateFlags |= NtlmsspNegotiateVersion
	}

	if _, anon := creds.(*AnonymousCredentials); anon {
		m.NegotiateFlags |= NtlmsspNegotiateAnonymous
		m.NegotiateFlags &^= NtlmsspNegotiateKeyExchange
		m.LmChallengeResponse = []byte{0}
		return &authenticateResult{msg: m.Marshal()}, nil
	}

	hash, err := ntlmv2HashFor(creds)
	if err != nil {
		return nil, err
	}

	// A MIC is only expected when the server sent a timestamp.
	timestamp := challenge.Timestamp()
	targetInfo := challenge.TargetInfo
	withMIC := timestamp != nil
	if withMIC {
		targetInfo = withMICFlag(challenge.AvPairs)
	}

	clientChallenge := randomBytes(8)
	nt, baseKey := NTLMv2Response(hash, challenge.ServerChallenge[:], clientChallenge, timestamp, targetInfo)
	m.NtChallengeResponse = nt
	if withMIC {
		m.LmChallengeResponse = make([]byte, 24)
	} else {
		m.LmChallengeResponse = LMv2Response(hash, challenge.ServerChallenge[:], clientChallenge)
	}

	exported := baseKey
	if m.NegotiateFlags&NtlmsspNegotiateKeyExchange != 0 {
		exported = randomBytes(16)
		m.EncryptedRandomSessionKey = rc4Encrypt(baseKey, exported)
	}

	msg := m.Marshal()
	if withMIC {
		mic := hmacMD5(exported, negotiate, challengeRaw, msg)
		copy(msg[micOffset:micOffset+16], mic)
	}
	return &authenticateResult{msg: msg, sessionKey: exported}, nil
}

func ntlmv2HashFor(creds Credentials) ([]byte, error) {
	switch c := creds.(type) {
	case *PasswordCredentials:
		return NTLMv2Hash(NTHash(c.Password()), c.Username(), c.Domain()), nil
	case *HashCredentials:
		return NTLMv2Hash(c.NTHash(), c.Username(), c.Domain()), nil
	default:
		return nil, fmt.Errorf("%w: %T cannot answer an NTLM challenge", ErrUnsupportedCredentials, creds)
	}
}

// withMICFlag re-encodes TargetInfo with MsvAvFlags announcing a MIC.
func withMICFlag(pairs []AvPair) []byte {
	out := make([]AvPair, 0, len(pairs)+1)
	found := false
	for _, p := range pairs {
		if p.AvID == MsvAvFlags && len(p.Value) == 4 {
			v := make([]byte, 4)
			encoding.PutUint32LE(v, encoding.Uint32LE(p.Value)|avFlagMICPresent)
			p = AvPair{AvID: MsvAvFlags, Value: v}
			found = true
		}
		out = append(out, p)
	}
	if !found {
		v := make([]byte, 4)
		encoding.PutUint32LE(v, avFlagMICPresent)
		out = append(out, AvPair{AvID: MsvAvFlags, Value: v})
	}
	return MarshalAvPairs(out)
}
