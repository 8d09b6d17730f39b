package signature

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wa-router/internal/common/errors"
	"wa-router/internal/common/logging"
)

func newTestVerifier(t *testing.T, config Config) *Verifier {
	t.Helper()
	logger, err := logging.NewZapLogger(logging.LogConfig{Level: logging.ErrorLevel})
	require.NoError(t, err)
	return NewVerifier(config, logger)
}

func TestVerifyValidSignature(t *testing.T) {
	v := newTestVerifier(t, Config{AppSecret: "topsecret"})
	body := []byte(`{"entry":[]}`)

	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set(SignatureHeader, "sha256="+ComputeSignature("topsecret", body))

	assert.NoError(t, v.Verify(r, body))
}

func TestVerifyBadSignature(t *testing.T) {
	v := newTestVerifier(t, Config{AppSecret: "topsecret"})
	body := []byte(`{"entry":[]}`)

	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set(SignatureHeader, "sha256="+ComputeSignature("wrong-secret", body))

	err := v.Verify(r, body)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeAuth))
}

func TestVerifyTamperedBody(t *testing.T) {
	v := newTestVerifier(t, Config{AppSecret: "topsecret"})
	body := []byte(`{"entry":[]}`)

	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set(SignatureHeader, "sha256="+ComputeSignature("topsecret", body))

	err := v.Verify(r, []byte(`{"entry":[{}]}`))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeAuth))
}

func TestVerifyMissingSignatureRejected(t *testing.T) {
	v := newTestVerifier(t, Config{AppSecret: "topsecret"})

	r := httptest.NewRequest("POST", "/", nil)
	err := v.Verify(r, []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeAuth))
}

func TestVerifyUnsignedAllowedByFlag(t *testing.T) {
	v := newTestVerifier(t, Config{AppSecret: "topsecret", AllowUnsigned: true})

	r := httptest.NewRequest("POST", "/", nil)
	assert.NoError(t, v.Verify(r, []byte(`{}`)))
}

func TestVerifyBadSignatureRejectedEvenWhenUnsignedAllowed(t *testing.T) {
	v := newTestVerifier(t, Config{AppSecret: "topsecret", AllowUnsigned: true})
	body := []byte(`{}`)

	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set(SignatureHeader, "sha256=deadbeef")

	err := v.Verify(r, body)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeAuth))
}

func TestVerifyInternalToken(t *testing.T) {
	v := newTestVerifier(t, Config{AppSecret: "topsecret", InternalJWTSecret: "jwt-secret"})

	token, err := NewInternalToken("jwt-secret", time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set(InternalTokenHeader, token)

	assert.NoError(t, v.Verify(r, []byte(`{}`)))
}

func TestVerifyInternalTokenWrongSecret(t *testing.T) {
	v := newTestVerifier(t, Config{AppSecret: "topsecret", InternalJWTSecret: "jwt-secret"})

	token, err := NewInternalToken("other-secret", time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set(InternalTokenHeader, token)

	verr := v.Verify(r, []byte(`{}`))
	require.Error(t, verr)
	assert.True(t, errors.IsType(verr, errors.ErrTypeAuth))
}

func TestVerifyInternalTokenExpired(t *testing.T) {
	v := newTestVerifier(t, Config{AppSecret: "topsecret", InternalJWTSecret: "jwt-secret"})

	token, err := NewInternalToken("jwt-secret", -time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set(InternalTokenHeader, token)

	verr := v.Verify(r, []byte(`{}`))
	require.Error(t, verr)
	assert.True(t, errors.IsType(verr, errors.ErrTypeAuth))
}

func TestVerifyInternalTokenWrongIssuer(t *testing.T) {
	v := newTestVerifier(t, Config{AppSecret: "topsecret", InternalJWTSecret: "jwt-secret"})

	claims := jwt.RegisteredClaims{
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("jwt-secret"))
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set(InternalTokenHeader, token)

	verr := v.Verify(r, []byte(`{}`))
	require.Error(t, verr)
	assert.True(t, errors.IsType(verr, errors.ErrTypeAuth))
}

func TestVerifyInternalTokenNotConfigured(t *testing.T) {
	v := newTestVerifier(t, Config{AppSecret: "topsecret"})

	token, err := NewInternalToken("jwt-secret", time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set(InternalTokenHeader, token)

	verr := v.Verify(r, []byte(`{}`))
	require.Error(t, verr)
	assert.True(t, errors.IsType(verr, errors.ErrTypeAuth))
}

func TestComputeSignatureDeterministic(t *testing.T) {
	a := ComputeSignature("s", []byte("body"))
	b := ComputeSignature("s", []byte("body"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}
