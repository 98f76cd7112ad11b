package security

import (
	"errors"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PPChat/tools/errs"
)

var secret = []byte("unit-test-secret")

func sign(t *testing.T, key []byte, method jwtlib.SigningMethod, claims jwtlib.MapClaims) string {
	t.Helper()
	s, err := jwtlib.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestVerifyOK(t *testing.T) {
	v, err := NewVerifier(Options{Secret: secret})
	require.NoError(t, err)
	tok := sign(t, secret, jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "u1", "did": "web-1", "exp": time.Now().Add(time.Hour).Unix(),
	})
	c, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", c.UserID)
	assert.Equal(t, "web-1", c.DeviceID)
}

func TestVerifyRejects(t *testing.T) {
	v, err := NewVerifier(Options{Secret: secret})
	require.NoError(t, err)

	cases := map[string]string{
		"expired":    sign(t, secret, jwtlib.SigningMethodHS256, jwtlib.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()}),
		"wrong key":  sign(t, []byte("other"), jwtlib.SigningMethodHS256, jwtlib.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()}),
		"no exp":     sign(t, secret, jwtlib.SigningMethodHS256, jwtlib.MapClaims{"sub": "u1"}),
		"no sub":     sign(t, secret, jwtlib.SigningMethodHS256, jwtlib.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}),
		"other alg":  sign(t, secret, jwtlib.SigningMethodHS512, jwtlib.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()}),
		"empty":      "",
		"not a jwt":  "abc.def",
	}
	for name, tok := range cases {
		_, err := v.Verify(tok)
		if !errors.Is(err, errs.ErrUnauthorized) {
			t.Fatalf("%s: want ErrUnauthorized, got %v", name, err)
		}
	}
}

func TestNewVerifierValidation(t *testing.T) {
	_, err := NewVerifier(Options{})
	assert.Error(t, err)
	_, err = NewVerifier(Options{Secret: secret, Alg: "RS256"})
	assert.Error(t, err)
}
