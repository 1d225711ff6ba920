package apns

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Provider token errors.
var (
	ErrPTBadKeyID      = errors.New("bad provider token key id")
	ErrPTBadTeamID     = errors.New("bad provider token team id")
	ErrPTBadPrivateKey = errors.New("bad provider token private key")
)

// providerTokenLifetime is how long a signed bearer token is reused
// before a fresh one is issued. The gateway accepts tokens for an hour;
// refreshing earlier keeps a safety margin.
const providerTokenLifetime = 50 * time.Minute

// ProviderToken authenticates the client with signed bearer tokens
// instead of a provider certificate. Tokens are signed with ES256 and
// cached; every request picks the cached token up until it approaches
// the acceptance window, then a new one is signed transparently.
//
// If the signing key is suspected to be compromised, revoke it from the
// developer account, issue a new key pair, and reconnect with tokens
// signed by the new key.
type ProviderToken struct {
	teamID     string
	keyID      string
	privateKey *ecdsa.PrivateKey

	mu      sync.Mutex
	cached  string
	created time.Time
}

// NewProviderToken returns a ProviderToken with the given team and key
// identifiers. Both are the 10-character values from the developer
// account.
func NewProviderToken(teamID, keyID string) (*ProviderToken, error) {
	if len(teamID) != 10 {
		return nil, ErrPTBadTeamID
	}
	if len(keyID) != 10 {
		return nil, ErrPTBadKeyID
	}
	return &ProviderToken{teamID: teamID, keyID: keyID}, nil
}

// LoadPrivateKey loads the ES256 signing key from a PKCS#8 file (.p8).
func (pt *ProviderToken) LoadPrivateKey(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	return pt.setKeyDER(data)
}

// SetPrivateKey installs an ES256 signing key given in PKCS#8 or EC DER
// form.
func (pt *ProviderToken) SetPrivateKey(der []byte) error {
	return pt.setKeyDER(der)
}

func (pt *ProviderToken) setKeyDER(der []byte) error {
	var key *ecdsa.PrivateKey
	if parsed, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		var ok bool
		if key, ok = parsed.(*ecdsa.PrivateKey); !ok {
			return ErrPTBadPrivateKey
		}
	} else if key, err = x509.ParseECPrivateKey(der); err != nil {
		return ErrPTBadPrivateKey
	}
	pt.mu.Lock()
	pt.privateKey = key
	pt.cached = ""
	pt.created = time.Time{}
	pt.mu.Unlock()
	return nil
}

// String returns the team and key identifiers.
func (pt *ProviderToken) String() string {
	return pt.teamID + ":" + pt.keyID
}

// JWT returns a signed bearer token, issuing a fresh one when the cached
// token is older than the reuse window.
func (pt *ProviderToken) JWT() (string, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.privateKey == nil {
		return "", ErrPTBadPrivateKey
	}
	if pt.cached != "" && time.Since(pt.created) < providerTokenLifetime {
		return pt.cached, nil
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": pt.teamID,
		"iat": now.Unix(),
	})
	token.Header["kid"] = pt.keyID
	signed, err := token.SignedString(pt.privateKey)
	if err != nil {
		return "", err
	}
	pt.cached = signed
	pt.created = now
	return signed, nil
}

// Authorization returns the value of the authorization request header.
func (pt *ProviderToken) Authorization() (string, error) {
	token, err := pt.JWT()
	if err != nil {
		return "", err
	}
	return "bearer " + token, nil
}
