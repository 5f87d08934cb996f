package remctl

import (
	"fmt"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/service"
	"github.com/jcmturner/gokrb5/v8/spnego"
)

// Authenticator produces and verifies the single authentication token
// exchanged at the start of every remctl connection. It exists so the
// framing/dispatch logic in client.go and server.go never touches gokrb5
// types directly — this file is the one integration point with the
// Kerberos library.
type Authenticator interface {
	// Token returns the AP-REQ/SPNEGO token the client sends to authenticate
	// to spn.
	Token(spn string) ([]byte, error)
	// Verify checks a token presented by a client and returns the
	// authenticated principal name.
	Verify(token []byte) (principal string, err error)
}

// ClientCredentials identifies the restore host's own Kerberos identity,
// used to authenticate to the dump host's remctl service.
type ClientCredentials struct {
	Username string
	Realm    string
	KeytabPath string
	Krb5ConfPath string
}

// krb5ClientAuth authenticates outbound connections (restore host → dump host).
type krb5ClientAuth struct {
	creds ClientCredentials
}

// NewClientAuthenticator builds an Authenticator whose Token method
// authenticates as creds using the configured keytab.
func NewClientAuthenticator(creds ClientCredentials) (Authenticator, error) {
	return &krb5ClientAuth{creds: creds}, nil
}

func (a *krb5ClientAuth) Token(spn string) ([]byte, error) {
	krb5conf, err := config.Load(a.creds.Krb5ConfPath)
	if err != nil {
		return nil, fmt.Errorf("remctl: loading krb5.conf: %w", err)
	}
	kt, err := keytab.Load(a.creds.KeytabPath)
	if err != nil {
		return nil, fmt.Errorf("remctl: loading keytab: %w", err)
	}
	cl := client.NewWithKeytab(a.creds.Username, a.creds.Realm, kt, krb5conf, client.DisablePAFXFAST(true))
	if err := cl.Login(); err != nil {
		return nil, fmt.Errorf("remctl: kerberos login: %w", err)
	}
	defer cl.Destroy()

	spnegoCl := spnego.SPNEGOClient(cl, spn)
	if err := spnegoCl.AcquireCred(); err != nil {
		return nil, fmt.Errorf("remctl: acquiring credential: %w", err)
	}
	if err := spnegoCl.InitSecContext(); err != nil {
		return nil, fmt.Errorf("remctl: initializing security context: %w", err)
	}
	token, err := spnegoCl.Marshal()
	if err != nil {
		return nil, fmt.Errorf("remctl: marshaling token: %w", err)
	}
	return token, nil
}

func (a *krb5ClientAuth) Verify([]byte) (string, error) {
	return "", fmt.Errorf("remctl: client-side authenticator cannot verify tokens")
}

// krb5ServiceAuth verifies inbound connections (dump host side) against a
// service keytab.
type krb5ServiceAuth struct {
	kt *keytab.Keytab
}

// NewServiceAuthenticator builds an Authenticator whose Verify method
// checks tokens against the service keytab at keytabPath.
func NewServiceAuthenticator(keytabPath string) (Authenticator, error) {
	kt, err := keytab.Load(keytabPath)
	if err != nil {
		return nil, fmt.Errorf("remctl: loading service keytab: %w", err)
	}
	return &krb5ServiceAuth{kt: kt}, nil
}

func (a *krb5ServiceAuth) Token(string) ([]byte, error) {
	return nil, fmt.Errorf("remctl: service-side authenticator cannot produce tokens")
}

func (a *krb5ServiceAuth) Verify(token []byte) (string, error) {
	var spnegoToken spnego.SPNEGOToken
	if err := spnegoToken.Unmarshal(token); err != nil {
		return "", fmt.Errorf("remctl: unmarshaling token: %w", err)
	}
	ok, creds, status := spnegoToken.Verify(a.kt, service.KeytabPrincipal(""))
	if !ok {
		return "", fmt.Errorf("remctl: token verification failed: %v", status)
	}
	return creds.UserName() + "@" + creds.Domain(), nil
}
