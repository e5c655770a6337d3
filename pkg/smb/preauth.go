package smb

import "crypto/sha512"

// preauthHash is the SMB 3.1.1 preauthentication integrity hash. It starts
// as 64 zero bytes and is chained over each NEGOTIATE and SESSION_SETUP
// message: H = SHA-512(H || message).
type preauthHash []byte

func newPreauthHash() preauthHash {
	return make(preauthHash, sha512.Size)
}

// update returns the hash chained over msgs, leaving h untouched so a
// session can fork from the connection's value.
func (h preauthHash) update(msgs ...[]byte) preauthHash {
	cur := []byte(h)
	for _, m := range msgs {
		d := sha512.New()
		d.Write(cur)
		d.Write(m)
		cur = d.Sum(nil)
	}
	return preauthHash(cur)
}
