// Package auth produces the security blobs carried by SMB session setup:
// NTLMSSP and Kerberos tokens wrapped in SPNEGO.
package auth

import (
	"context"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedCredentials is returned when a mechanism cannot use the credentials it was given.
	ErrUnsupportedCredentials = errors.New("auth: unsupported credentials")
	// ErrUnsupportedMech is returned when the server offers none of the client's mechanisms.
	ErrUnsupportedMech = errors.New("auth: no common mechanism")
	// ErrRejected is returned when the acceptor rejects the exchange.
	ErrRejected = errors.New("auth: rejected by server")
	// ErrContextState is returned when a security context is driven out of order.
	ErrContextState = errors.New("auth: unexpected security context state")
)

// Credentials represents authentication credentials
type Credentials interface {
	Domain() string
	Username() string
}

// Mechanism is one GSS mechanism SPNEGO can negotiate.
type Mechanism interface {
	OID() asn1.ObjectIdentifier
	// Step consumes the acceptor's token (nil on the first call) and returns
	// the next token to send. done is set when no further token is expected.
	Step(ctx context.Context, in []byte) (out []byte, done bool, err error)
	// SessionKey is valid once the exchange is complete.
	SessionKey() []byte
}

// Finisher is implemented by mechanisms that check the acceptor's final token.
type Finisher interface {
	Finish(in []byte) error
}

// Initiator drives the client side of a session setup exchange.
type Initiator interface {
	// Name identifies the mechanism for logs.
	Name() string
	// InitSecContext returns the next security blob. The first call receives
	// the server's negotiate hint (possibly empty); later calls receive the
	// blob of each MORE_PROCESSING_REQUIRED response.
	InitSecContext(ctx context.Context, serverBlob []byte) ([]byte, error)
	// Complete processes the blob of the final successful response.
	Complete(serverBlob []byte) error
	// SessionKey returns the key established by the exchange, or nil when
	// the session is anonymous or guest.
	SessionKey() []byte
}

// PasswordCredentials for password-based authentication
type PasswordCredentials struct {
	domain   string
	username string
	password string
}

// NewPasswordCredentials creates password-based credentials
func NewPasswordCredentials(domain, username, password string) *PasswordCredentials {
	return &PasswordCredentials{domain: domain, username: username, password: password}
}

func (c *PasswordCredentials) Domain() string   { return c.domain }
func (c *PasswordCredentials) Username() string { return c.username }

// Password returns the password
func (c *PasswordCredentials) Password() string { return c.password }

// HashCredentials for pass-the-hash authentication
type HashCredentials struct {
	domain   string
	username string
	ntHash   [16]byte
}

// NewHashCredentials creates hash-based credentials
func NewHashCredentials(domain, username string, ntHash []byte) *HashCredentials {
	c := &HashCredentials{domain: domain, username: username}
	copy(c.ntHash[:], ntHash)
	return c
}

// ParseHashCredentials accepts an NT hash in hex, optionally prefixed by an
// LM hash and a colon.
func ParseHashCredentials(domain, username, hash string) (*HashCredentials, error) {
	if i := len(hash) - 33; i >= 0 && hash[i] == ':' {
		hash = hash[i+1:]
	}
	b, err := hex.DecodeString(hash)
	if err != nil || len(b) != 16 {
		return nil, fmt.Errorf("%w: NT hash must be 32 hex digits", ErrUnsupportedCredentials)
	}
	return NewHashCredentials(domain, username, b), nil
}

func (c *HashCredentials) Domain() string   { return c.domain }
func (c *HashCredentials) Username() string { return c.username }

// NTHash returns a copy of the NT hash
func (c *HashCredentials) NTHash() []byte {
	return append([]byte(nil), c.ntHash[:]...)
}

// AnonymousCredentials for anonymous/guest authentication
type AnonymousCredentials struct{}

// NewAnonymousCredentials creates anonymous credentials
func NewAnonymousCredentials() *AnonymousCredentials {
	return &AnonymousCredentials{}
}

func (c *AnonymousCredentials) Domain() string   { return "" }
func (c *AnonymousCredentials) Username() string { return "" }
