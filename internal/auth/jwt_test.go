package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeys(t *testing.T) (jwk.Key, jwk.Set) {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "test-key"))
	require.NoError(t, priv.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := jwk.PublicKeyOf(priv)
	require.NoError(t, err)

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	return priv, set
}

func signToken(t *testing.T, key jwk.Key, subject string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewBuilder().
		Subject(subject).
		Expiration(exp).
		Claim("email", "ops@example.com").
		Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)
	return string(signed)
}

func TestCallerFromRequest(t *testing.T) {
	priv, set := testKeys(t)
	v := NewStaticVerifier(set)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, priv, "user-1", time.Now().Add(time.Hour)))

	caller, err := v.CallerFromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "user-1", caller.ID)
	assert.Equal(t, "ops@example.com", caller.Email)
	assert.Equal(t, 1, v.Stats()["keys_cached"])
}

func TestCallerFromRequest_Rejects(t *testing.T) {
	priv, set := testKeys(t)
	v := NewStaticVerifier(set)

	expired := httptest.NewRequest("GET", "/", nil)
	expired.Header.Set("Authorization", "Bearer "+signToken(t, priv, "user-1", time.Now().Add(-time.Hour)))
	_, err := v.CallerFromRequest(expired)
	assert.Error(t, err)

	missing := httptest.NewRequest("GET", "/", nil)
	_, err = v.CallerFromRequest(missing)
	assert.Error(t, err)

	otherPriv, _ := testKeys(t)
	forged := httptest.NewRequest("GET", "/", nil)
	forged.Header.Set("Authorization", "Bearer "+signToken(t, otherPriv, "user-1", time.Now().Add(time.Hour)))
	_, err = v.CallerFromRequest(forged)
	assert.Error(t, err)
}

func TestTokenValid(t *testing.T) {
	assert.False(t, Token{}.Valid())
	assert.True(t, Token{AccessToken: "x"}.Valid())
	assert.True(t, Token{AccessToken: "x", Expiry: time.Now().Add(time.Minute)}.Valid())
	assert.False(t, Token{AccessToken: "x", Expiry: time.Now().Add(-time.Minute)}.Valid())
}
