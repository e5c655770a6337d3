package smb

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
	"github.com/ineffectivecoder/smbwire/pkg/smb/types"
)

// Signer computes and checks message signatures. seq is the SMB1 signing
// sequence number and is ignored by SMB2/3 signers.
type Signer interface {
	Sign(msg []byte, seq uint32)
	Verify(msg []byte, seq uint32) bool
}

const (
	signatureOffset = types.SignatureOffset
	signatureSize   = types.SignatureSize
)

// smb2Signer signs SMB2/3 frames with HMAC-SHA256 or AES-CMAC.
type smb2Signer struct {
	key  []byte
	cmac bool
}

// newSigner derives the signing key for the dialect and returns the signer.
// preauthHash is only used by 3.1.1.
func newSigner(dialect types.Dialect, sessionKey, preauthHash []byte) Signer {
	return &smb2Signer{
		key:  deriveSigningKey(sessionKey, dialect, preauthHash),
		cmac: dialect >= types.DialectSMB3_0,
	}
}

// Sign sets SMB2_FLAGS_SIGNED and writes the signature into the header.
func (s *smb2Signer) Sign(msg []byte, _ uint32) {
	if len(msg) < types.SMB2HeaderSize {
		return
	}
	flags := encoding.Uint32LE(msg[types.FlagsOffset:])
	encoding.PutUint32LE(msg[types.FlagsOffset:], flags|uint32(types.FlagsSigned))
	clear(msg[signatureOffset : signatureOffset+signatureSize])
	copy(msg[signatureOffset:], s.mac(msg))
}

// Verify recomputes the signature over a copy with the field zeroed.
func (s *smb2Signer) Verify(msg []byte, _ uint32) bool {
	if len(msg) < types.SMB2HeaderSize {
		return false
	}
	buf := append([]byte(nil), msg...)
	clear(buf[signatureOffset : signatureOffset+signatureSize])
	return hmac.Equal(msg[signatureOffset:signatureOffset+signatureSize], s.mac(buf))
}

func (s *smb2Signer) mac(msg []byte) []byte {
	if s.cmac {
		return computeAESCMAC(s.key, msg)
	}
	return computeHMACSHA256(s.key, msg)[:signatureSize]
}

// computeHMACSHA256 computes HMAC-SHA256 signature for SMB2
func computeHMACSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// computeAESCMAC computes AES-128-CMAC (RFC 4493).
func computeAESCMAC(key, message []byte) []byte {
	block, err := aes.NewCipher(key[:16])
	if err != nil {
		return make([]byte, signatureSize)
	}
	k1, k2 := generateCMACSubkeys(block)

	bs := block.BlockSize()
	n := (len(message) + bs - 1) / bs
	if n == 0 {
		n = 1
	}

	x := make([]byte, bs)
	for i := 0; i < n-1; i++ {
		block.Encrypt(x, xorBytes(x, message[i*bs:(i+1)*bs]))
	}

	last := make([]byte, bs)
	rest := message[(n-1)*bs:]
	if len(rest) == bs {
		copy(last, rest)
		last = xorBytes(last, k1)
	} else {
		copy(last, rest)
		last[len(rest)] = 0x80
		last = xorBytes(last, k2)
	}

	out := make([]byte, bs)
	block.Encrypt(out, xorBytes(x, last))
	return out
}

// generateCMACSubkeys derives K1 and K2 from L = AES(K, 0^128).
func generateCMACSubkeys(block cipher.Block) (k1, k2 []byte) {
	bs := block.BlockSize()
	l := make([]byte, bs)
	block.Encrypt(l, l)

	k1 = shiftLeft(l)
	if l[0]&0x80 != 0 {
		k1[bs-1] ^= 0x87
	}
	k2 = shiftLeft(k1)
	if k1[0]&0x80 != 0 {
		k2[bs-1] ^= 0x87
	}
	return k1, k2
}

// shiftLeft shifts a byte slice left by 1 bit
func shiftLeft(data []byte) []byte {
	result := make([]byte, len(data))
	for i := 0; i < len(data)-1; i++ {
		result[i] = (data[i] << 1) | (data[i+1] >> 7)
	}
	result[len(data)-1] = data[len(data)-1] << 1
	return result
}

// xorBytes XORs two byte slices
func xorBytes(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := range a {
		result[i] = a[i] ^ b[i]
	}
	return result
}

// deriveSigningKey derives the signing key for a dialect.
// 2.x uses the session key, 3.0/3.0.2 KDF(key, "SMB2AESCMAC", "SmbSign"),
// 3.1.1 KDF(key, "SMBSigningKey", preauth hash).
func deriveSigningKey(sessionKey []byte, dialect types.Dialect, preauthHash []byte) []byte {
	if dialect < types.DialectSMB3_0 {
		return sessionKey
	}
	if dialect >= types.DialectSMB3_1_1 {
		return kdf(sessionKey, []byte("SMBSigningKey\x00"), preauthHash, 128)
	}
	return kdf(sessionKey, []byte("SMB2AESCMAC\x00"), []byte("SmbSign\x00"), 128)
}

// kdf is the SP800-108 counter-mode KDF with HMAC-SHA256 and a single
// iteration: PRF(KI, [1]_32 || Label || 0x00 || Context || [L]_32).
func kdf(ki, label, context []byte, bitLen int) []byte {
	h := hmac.New(sha256.New, ki)
	h.Write([]byte{0x00, 0x00, 0x00, 0x01})
	h.Write(label)
	h.Write([]byte{0x00})
	h.Write(context)
	l := uint32(bitLen)
	h.Write([]byte{byte(l >> 24), byte(l >> 16), byte(l >> 8), byte(l)})
	return h.Sum(nil)[:bitLen/8]
}

// sessionKey16 normalizes a mechanism key to the 16-byte SMB session key.
func sessionKey16(key []byte) []byte {
	out := make([]byte, 16)
	copy(out, key)
	return out
}
