package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"strings"
	"time"

	"golang.org/x/crypto/md4"

	"github.com/ineffectivecoder/smbwire/internal/encoding"
)

// randomBytes returns n bytes from the system CSPRNG.
func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("auth: crypto/rand unavailable: " + err.Error())
	}
	return b
}

// rc4Encrypt encrypts data with RC4 using the given key
func rc4Encrypt(key, plaintext []byte) []byte {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return plaintext
	}
	out := make([]byte, len(plaintext))
	c.XORKeyStream(out, plaintext)
	return out
}

func hmacMD5(key []byte, data ...[]byte) []byte {
	h := hmac.New(md5.New, key)
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// NTHash computes MD4(UTF-16LE(password)).
func NTHash(password string) []byte {
	h := md4.New()
	h.Write(encoding.ToUTF16LE(password))
	return h.Sum(nil)
}

// NTLMv2Hash computes HMAC-MD5(NT hash, UTF-16LE(UPPER(username) + domain)).
func NTLMv2Hash(ntHash []byte, username, domain string) []byte {
	return hmacMD5(ntHash, encoding.ToUTF16LE(strings.ToUpper(username)+domain))
}

// NTLMv2Response computes the NT challenge response and the session base key.
func NTLMv2Response(ntlmv2Hash, serverChallenge, clientChallenge, timestamp, targetInfo []byte) (response, sessionBaseKey []byte) {
	blob := ntlmv2Blob(clientChallenge, timestamp, targetInfo)
	ntProof := hmacMD5(ntlmv2Hash, serverChallenge, blob)
	response = append(append([]byte(nil), ntProof...), blob...)
	sessionBaseKey = hmacMD5(ntlmv2Hash, ntProof)
	return response, sessionBaseKey
}

// LMv2Response computes HMAC-MD5(hash, server || client challenge) || client challenge.
func LMv2Response(ntlmv2Hash, serverChallenge, clientChallenge []byte) []byte {
	resp := hmacMD5(ntlmv2Hash, serverChallenge, clientChallenge)
	return append(resp, clientChallenge...)
}

// ntlmv2Blob builds the NTLMv2_CLIENT_CHALLENGE structure. A missing server
// timestamp is replaced with the local clock.
func ntlmv2Blob(clientChallenge, timestamp, targetInfo []byte) []byte {
	w := encoding.NewWriter(32 + len(targetInfo))
	w.PutUint8(0x01) // RespType
	w.PutUint8(0x01) // HiRespType
	w.PutZeros(6)
	if len(timestamp) == 8 {
		w.PutBytes(timestamp)
	} else {
		w.PutUint64(encoding.TimeToFiletime(time.Now()))
	}
	w.PutBytes(clientChallenge)
	w.PutZeros(4)
	w.PutBytes(targetInfo)
	w.PutZeros(4)
	return w.Bytes()
}
