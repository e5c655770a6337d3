package smb1

import (
	"crypto/hmac"
	"crypto/md5"
	"sync"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
)

// Signer computes SMB1 message signatures: the first 8 bytes of
// MD5(key || message), with the sequence number written into the
// signature field while hashing.
type Signer struct {
	key []byte
}

// NewSigner creates a signer for the session key. With extended security the
// MAC key is the session key alone.
func NewSigner(sessionKey []byte) *Signer {
	return &Signer{key: append([]byte(nil), sessionKey...)}
}

// Sign sets the security-signature flag and writes the MAC into msg.
func (s *Signer) Sign(msg []byte, seq uint32) {
	if len(msg) < HeaderSize {
		return
	}
	flags2 := encoding.Uint16LE(msg[flags2Offset:])
	encoding.PutUint16LE(msg[flags2Offset:], flags2|Flags2SecuritySig)
	mac := s.mac(msg, seq)
	copy(msg[SecuritySigOffset:SecuritySigOffset+SecuritySigSize], mac)
}

// Verify recomputes the MAC of a received message and compares in constant time.
func (s *Signer) Verify(msg []byte, seq uint32) bool {
	if len(msg) < HeaderSize {
		return false
	}
	got := make([]byte, SecuritySigSize)
	copy(got, msg[SecuritySigOffset:SecuritySigOffset+SecuritySigSize])
	return hmac.Equal(got, s.mac(msg, seq))
}

func (s *Signer) mac(msg []byte, seq uint32) []byte {
	buf := make([]byte, len(msg))
	copy(buf, msg)
	sig := buf[SecuritySigOffset : SecuritySigOffset+SecuritySigSize]
	clear(sig)
	encoding.PutUint32LE(sig, seq)

	h := md5.New()
	h.Write(s.key)
	h.Write(buf)
	return h.Sum(nil)[:SecuritySigSize]
}

// Sequence hands out SMB1 signing sequence numbers. A request takes n and
// its response is verified with n+1; NT_CANCEL takes a single number and has
// no response. Numbers are never reused.
type Sequence struct {
	mu   sync.Mutex
	next uint32
}

// NewSequence starts numbering at start. After an extended-security
// session setup the first signed request uses 2.
func NewSequence(start uint32) *Sequence {
	return &Sequence{next: start}
}

// Pair reserves a request/response pair and returns the request number.
func (q *Sequence) Pair() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.next
	q.next += 2
	return n
}

// Single reserves one number for a message that gets no response.
func (q *Sequence) Single() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.next
	q.next++
	return n
}

// Peek returns the next number without reserving it.
func (q *Sequence) Peek() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.next
}
