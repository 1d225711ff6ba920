package apns

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTeamID = "ASWJQKSFJ2"
	testKeyID  = "KAJSJDH3SS"
)

func newTestProviderToken(t *testing.T) (*ProviderToken, *ecdsa.PrivateKey) {
	t.Helper()
	pt, err := NewProviderToken(testTeamID, testKeyID)
	require.NoError(t, err)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	require.NoError(t, pt.SetPrivateKey(der))
	return pt, key
}

func TestNewProviderToken(t *testing.T) {
	_, err := NewProviderToken("short", testKeyID)
	assert.ErrorIs(t, err, ErrPTBadTeamID)

	_, err = NewProviderToken(testTeamID, "short")
	assert.ErrorIs(t, err, ErrPTBadKeyID)

	pt, err := NewProviderToken(testTeamID, testKeyID)
	require.NoError(t, err)
	assert.Equal(t, testTeamID+":"+testKeyID, pt.String())
}

func TestProviderTokenJWT(t *testing.T) {
	pt, key := newTestProviderToken(t)
	signed, err := pt.JWT()
	require.NoError(t, err)

	token, err := jwt.Parse(signed, func(token *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	require.NoError(t, err)
	require.True(t, token.Valid)
	assert.Equal(t, testKeyID, token.Header["kid"])
	issuer, err := token.Claims.GetIssuer()
	require.NoError(t, err)
	assert.Equal(t, testTeamID, issuer)
	iat, err := token.Claims.GetIssuedAt()
	require.NoError(t, err)
	assert.NotNil(t, iat)
}

func TestProviderTokenCaching(t *testing.T) {
	pt, _ := newTestProviderToken(t)
	first, err := pt.JWT()
	require.NoError(t, err)
	second, err := pt.JWT()
	require.NoError(t, err)
	assert.Equal(t, first, second, "tokens are reused within the window")

	// installing a new key invalidates the cache
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	require.NoError(t, pt.SetPrivateKey(der))
	third, err := pt.JWT()
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestProviderTokenNoKey(t *testing.T) {
	pt, err := NewProviderToken(testTeamID, testKeyID)
	require.NoError(t, err)
	_, err = pt.JWT()
	assert.ErrorIs(t, err, ErrPTBadPrivateKey)

	assert.ErrorIs(t, pt.SetPrivateKey([]byte("garbage")), ErrPTBadPrivateKey)
}

func TestProviderTokenAuthorization(t *testing.T) {
	pt, _ := newTestProviderToken(t)
	auth, err := pt.Authorization()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(auth, "bearer "))
	assert.Len(t, strings.Split(strings.TrimPrefix(auth, "bearer "), "."), 3)
}
