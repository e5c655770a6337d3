package auth

import (
	"fmt"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
)

// challengeFixedLen is the Type 2 header including TargetInfo and Version.
const challengeFixedLen = 56

// ChallengeMessage represents NTLMSSP Type 2 message (CHALLENGE_MESSAGE)
type ChallengeMessage struct {
	NegotiateFlags  uint32
	ServerChallenge [8]byte
	Version         NTLMVersion
	TargetName      []byte
	TargetInfo      []byte
	AvPairs         []AvPair
}

// ParseChallengeMessage parses a Type 2 message
func ParseChallengeMessage(data []byte) (*ChallengeMessage, error) {
	r, err := openMessage(data, NtLmChallenge)
	if err != nil {
		return nil, err
	}
	m := &ChallengeMessage{}
	name := readSecurityBuffer(r)
	m.NegotiateFlags = r.Uint32()
	copy(m.ServerChallenge[:], r.Read(8))
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNTLMMessage, err)
	}

	// Reserved, TargetInfo and Version are absent from very old servers.
	var info securityBuffer
	if r.Remaining() >= 16 {
		r.Skip(8)
		info = readSecurityBuffer(r)
	}
	if r.Remaining() >= 8 && m.NegotiateFlags&NtlmsspNegotiateVersion != 0 {
		m.Version = readVersion(r)
	}

	if m.TargetName, err = name.payload(data); err != nil {
		return nil, err
	}
	if m.TargetInfo, err = info.payload(data); err != nil {
		return nil, err
	}
	m.AvPairs = ParseAvPairs(m.TargetInfo)
	return m, nil
}

// Marshal serializes the Type 2 message.
func (m *ChallengeMessage) Marshal() []byte {
	w := encoding.NewWriter(challengeFixedLen + len(m.TargetName) + len(m.TargetInfo))
	w.PutBytes(ntlmSignature[:])
	w.PutUint32(NtLmChallenge)
	namePos := w.Index()
	w.PutZeros(8)
	w.PutUint32(m.NegotiateFlags)
	w.PutBytes(m.ServerChallenge[:])
	w.PutZeros(8)
	infoPos := w.Index()
	w.PutZeros(8)
	m.Version.put(w)

	payload := w.Deferred()
	putPayload(w.At(namePos), payload, m.TargetName)
	putPayload(w.At(infoPos), payload, m.TargetInfo)
	return w.Bytes()
}

// Timestamp returns the MsvAvTimestamp value if the server sent one.
func (m *ChallengeMessage) Timestamp() []byte {
	if pair := FindAvPair(m.AvPairs, MsvAvTimestamp); pair != nil && len(pair.Value) == 8 {
		return pair.Value
	}
	return nil
}

// TargetNameString returns the target name as string
func (m *ChallengeMessage) TargetNameString() string {
	if m.NegotiateFlags&NtlmsspNegotiateUnicode != 0 {
		return encoding.FromUTF16LE(m.TargetName)
	}
	return string(m.TargetName)
}

// DNSDomain returns the server's DNS domain name from TargetInfo, if present.
func (m *ChallengeMessage) DNSDomain() string {
	if pair := FindAvPair(m.AvPairs, MsvAvDnsDomainName); pair != nil {
		return encoding.FromUTF16LE(pair.Value)
	}
	return ""
}
