package auth

import (
	"context"
	"encoding/asn1"
	"fmt"
	"os"
	"strings"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/iana/flags"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/spnego"
	"github.com/jcmturner/gokrb5/v8/types"
)

// KerberosCredentials holds a Kerberos client built from a ccache, a keytab
// or a password.
type KerberosCredentials struct {
	domain    string
	username  string
	krbClient *client.Client
}

// NewKerberosCredentialsFromCCache creates credentials from a ccache file
func NewKerberosCredentialsFromCCache(ccachePath, realm, krb5Conf string) (*KerberosCredentials, error) {
	ccache, err := credentials.LoadCCache(ccachePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load ccache: %w", err)
	}
	cfg, err := LoadKrb5Config(krb5Conf)
	if err != nil {
		return nil, err
	}
	krbClient, err := client.NewFromCCache(ccache, cfg, client.DisablePAFXFAST(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create Kerberos client: %w", err)
	}

	username := ""
	if len(ccache.DefaultPrincipal.PrincipalName.NameString) > 0 {
		username = ccache.DefaultPrincipal.PrincipalName.NameString[0]
	}
	if realm == "" {
		realm = ccache.DefaultPrincipal.Realm
	}
	return &KerberosCredentials{domain: strings.ToUpper(realm), username: username, krbClient: krbClient}, nil
}

// NewKerberosCredentialsFromKeytab creates credentials from a keytab file
func NewKerberosCredentialsFromKeytab(keytabPath, username, realm, krb5Conf string) (*KerberosCredentials, error) {
	cfg, err := LoadKrb5Config(krb5Conf)
	if err != nil {
		return nil, err
	}
	kt, err := keytab.Load(keytabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load keytab: %w", err)
	}
	krbClient := client.NewWithKeytab(username, realm, kt, cfg, client.DisablePAFXFAST(true))
	return &KerberosCredentials{domain: strings.ToUpper(realm), username: username, krbClient: krbClient}, nil
}

// NewKerberosCredentialsFromPassword creates credentials from username/password
func NewKerberosCredentialsFromPassword(username, realm, password, krb5Conf string) (*KerberosCredentials, error) {
	cfg, err := LoadKrb5Config(krb5Conf)
	if err != nil {
		return nil, err
	}
	krbClient := client.NewWithPassword(username, realm, password, cfg, client.DisablePAFXFAST(true))
	return &KerberosCredentials{domain: strings.ToUpper(realm), username: username, krbClient: krbClient}, nil
}

func (k *KerberosCredentials) Domain() string   { return k.domain }
func (k *KerberosCredentials) Username() string { return k.username }

// Close destroys the Kerberos client
func (k *KerberosCredentials) Close() {
	if k.krbClient != nil {
		k.krbClient.Destroy()
	}
}

// LoadKrb5Config loads path if set, then the standard locations, and falls
// back to a DNS-driven configuration.
func LoadKrb5Config(path string) (*config.Config, error) {
	for _, p := range []string{path, os.Getenv("KRB5_CONFIG"), "/etc/krb5.conf", "/etc/krb5/krb5.conf"} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			cfg, err := config.Load(p)
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", p, err)
			}
			return cfg, nil
		}
	}
	return config.NewFromString("[libdefaults]\n dns_lookup_realm = true\n dns_lookup_kdc = true\n")
}

// KerberosMechanism sends an AP-REQ for the target SPN and reads the
// acceptor subkey from the AP-REP.
type KerberosMechanism struct {
	creds *KerberosCredentials
	spn   string

	ticketKey  types.EncryptionKey
	sessionKey []byte
	sent       bool
}

// NewKerberosMechanism targets spn, usually "cifs/<host>".
func NewKerberosMechanism(creds *KerberosCredentials, spn string) *KerberosMechanism {
	return &KerberosMechanism{creds: creds, spn: spn}
}

func (k *KerberosMechanism) OID() asn1.ObjectIdentifier { return OIDKerberosV5 }

// Step obtains a service ticket and returns the GSS-wrapped AP-REQ. A second
// call carries the AP-REP of a mutual authentication.
func (k *KerberosMechanism) Step(ctx context.Context, in []byte) ([]byte, bool, error) {
	if k.sent {
		return nil, true, k.Finish(in)
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	cl := k.creds.krbClient
	if cl == nil {
		return nil, false, fmt.Errorf("%w: Kerberos client not initialized", ErrUnsupportedCredentials)
	}
	if ok, err := cl.IsConfigured(); !ok {
		return nil, false, fmt.Errorf("kerberos client: %w", err)
	}

	tkt, key, err := cl.GetServiceTicket(k.spn)
	if err != nil {
		return nil, false, fmt.Errorf("service ticket for %s: %w", k.spn, err)
	}
	tok, err := spnego.NewKRB5TokenAPREQ(cl, tkt, key,
		[]int{gssapi.ContextFlagInteg, gssapi.ContextFlagConf, gssapi.ContextFlagMutual},
		[]int{flags.APOptionMutualRequired})
	if err != nil {
		return nil, false, fmt.Errorf("AP-REQ for %s: %w", k.spn, err)
	}
	out, err := tok.Marshal()
	if err != nil {
		return nil, false, fmt.Errorf("AP-REQ for %s: %w", k.spn, err)
	}
	k.ticketKey = key
	k.sessionKey = key.KeyValue
	k.sent = true
	return out, false, nil
}

// Finish decrypts the AP-REP and adopts the acceptor subkey when present.
func (k *KerberosMechanism) Finish(in []byte) error {
	if !k.sent {
		return fmt.Errorf("%w: AP-REP before AP-REQ", ErrContextState)
	}
	if len(in) == 0 {
		return nil
	}
	var tok spnego.KRB5Token
	if err := tok.Unmarshal(in); err != nil {
		return fmt.Errorf("decode AP-REP: %w", err)
	}
	if !tok.IsAPRep() {
		if tok.IsKRBError() {
			return fmt.Errorf("%w: %s", ErrRejected, tok.KRBError.Error())
		}
		return fmt.Errorf("%w: acceptor token is not an AP-REP", ErrContextState)
	}
	plain, err := crypto.DecryptEncPart(tok.APRep.EncPart, k.ticketKey, keyusage.AP_REP_ENCPART)
	if err != nil {
		return fmt.Errorf("decrypt AP-REP: %w", err)
	}
	var part messages.EncAPRepPart
	if err := part.Unmarshal(plain); err != nil {
		return fmt.Errorf("decode AP-REP: %w", err)
	}
	if part.Subkey.KeyType != 0 && len(part.Subkey.KeyValue) > 0 {
		k.sessionKey = part.Subkey.KeyValue
	}
	return nil
}

// SessionKey returns the ticket session key or the acceptor subkey.
func (k *KerberosMechanism) SessionKey() []byte {
	return k.sessionKey
}
