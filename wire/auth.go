package wire

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"

	"github.com/rcowham/gosvnd/svnerr"
)

// Auth mechanism names.
const (
	MechAnonymous = "ANONYMOUS"
	MechExternal  = "EXTERNAL"
	MechCRAMMD5   = "CRAM-MD5"
)

// Authenticator negotiates one auth mechanism against a session and
// reports the authenticated principal (empty for ANONYMOUS). Write
// access for mutating commands is checked by the server against the
// session's configured access level, not through this interface;
// Authenticate itself only establishes identity.
type Authenticator interface {
	Mechanisms() []string
	Authenticate(mech string, r *Reader, w *Writer) (principal string, err error)
}

// PasswordStore resolves a CRAM-MD5 username to its shared secret,
// modeling the original's password file (config_auth.c) without
// depending on any particular on-disk format.
type PasswordStore interface {
	Lookup(username string) (secret string, ok bool, err error)
}

// UIDSource supplies the local process uid EXTERNAL authenticates
// against. Tunnel/SSH transport setup that would normally establish this
// out-of-band is out of scope; callers inject whatever
// uid the transport layer already determined.
type UIDSource interface {
	UID() (string, error)
}

// ChainAuthenticator tries ANONYMOUS, EXTERNAL, and CRAM-MD5 in whichever
// combination the caller configures, matching svnserve's own practice of
// advertising every mechanism its configuration allows and letting the
// client pick.
type ChainAuthenticator struct {
	AllowAnonymous bool
	UIDs           UIDSource
	Passwords      PasswordStore
	Realm          string
	challenge      func() string // overridable in tests; nonce source
}

func NewChainAuthenticator(allowAnonymous bool, uids UIDSource, passwords PasswordStore, realm string) *ChainAuthenticator {
	return &ChainAuthenticator{AllowAnonymous: allowAnonymous, UIDs: uids, Passwords: passwords, Realm: realm}
}

func (a *ChainAuthenticator) Mechanisms() []string {
	var mechs []string
	if a.AllowAnonymous {
		mechs = append(mechs, MechAnonymous)
	}
	if a.UIDs != nil {
		mechs = append(mechs, MechExternal)
	}
	if a.Passwords != nil {
		mechs = append(mechs, MechCRAMMD5)
	}
	return mechs
}

func (a *ChainAuthenticator) Authenticate(mech string, r *Reader, w *Writer) (string, error) {
	switch mech {
	case MechAnonymous:
		if !a.AllowAnonymous {
			return "", svnerr.New(svnerr.NotAuthorized, "", "anonymous access is not permitted")
		}
		return "", nil

	case MechExternal:
		if a.UIDs == nil {
			return "", svnerr.New(svnerr.UnsupportedFeature, "", "EXTERNAL is not configured")
		}
		// EXTERNAL still exchanges an (empty) response token, matching
		// the wire shape CRAM-MD5 uses, even though the uid itself comes
		// from the already-established transport identity.
		if _, err := r.ReadValue(); err != nil {
			return "", err
		}
		return a.UIDs.UID()

	case MechCRAMMD5:
		if a.Passwords == nil {
			return "", svnerr.New(svnerr.UnsupportedFeature, "", "CRAM-MD5 is not configured")
		}
		return a.cramMD5(r, w)

	default:
		return "", svnerr.New(svnerr.UnsupportedFeature, mech, "unsupported auth mechanism")
	}
}

func (a *ChainAuthenticator) nonce() string {
	if a.challenge != nil {
		return a.challenge()
	}
	return "<deadbeef.1700000000@" + a.Realm + ">"
}

// cramMD5 runs the challenge/response exchange of svnserve's CRAM-MD5
// mini-protocol: the server sends a nonce string, the client replies with
// "username digest", and the server recomputes HMAC-MD5(secret, nonce)
// to compare.
func (a *ChainAuthenticator) cramMD5(r *Reader, w *Writer) (string, error) {
	challenge := a.nonce()
	if err := w.WriteValue(Str(challenge)); err != nil {
		return "", err
	}
	resp, err := r.ReadValue()
	if err != nil {
		return "", err
	}
	if resp.Kind != KindString {
		return "", svnerr.New(svnerr.MalformedFile, "", "CRAM-MD5 response must be a string")
	}
	username, digest, ok := splitResponse(string(resp.String))
	if !ok {
		return "", svnerr.New(svnerr.MalformedFile, "", "CRAM-MD5 response must be \"username digest\"")
	}
	secret, found, err := a.Passwords.Lookup(username)
	if err != nil {
		return "", err
	}
	if !found || !hmac.Equal([]byte(digest), []byte(computeCRAMMD5(secret, challenge))) {
		return "", svnerr.New(svnerr.NotAuthorized, username, "CRAM-MD5 authentication failed")
	}
	return username, nil
}

func splitResponse(s string) (username, digest string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func computeCRAMMD5(secret, challenge string) string {
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}
