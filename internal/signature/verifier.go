// Package signature authenticates inbound webhook requests. The provider
// signs the raw body with HMAC-SHA256 into the X-Hub-Signature-256 header;
// internal service-to-service forwards instead carry a short-lived JWT in
// X-Internal-Token. Unsigned traffic is accepted only behind an explicit
// configuration flag and always logged.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"wa-router/internal/common/errors"
	"wa-router/internal/common/logging"
)

// SignatureHeader is the provider's HMAC header
const SignatureHeader = "X-Hub-Signature-256"

// InternalTokenHeader carries the JWT for internal forwards
const InternalTokenHeader = "X-Internal-Token"

// internalIssuer is the iss claim required on internal tokens
const internalIssuer = "wa-router"

// Config holds verification settings
type Config struct {
	// AppSecret is the shared HMAC secret for provider signatures
	AppSecret string
	// InternalJWTSecret validates internal-forward tokens
	InternalJWTSecret string
	// AllowUnsigned accepts unsigned requests with a warning
	AllowUnsigned bool
}

// Verifier checks request authenticity
type Verifier struct {
	config Config
	logger logging.Logger
}

// NewVerifier creates a verifier
func NewVerifier(config Config, logger logging.Logger) *Verifier {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Verifier{config: config, logger: logger}
}

// Verify authenticates a request against its raw body. The checks run in
// order: provider signature, internal token, unsigned escape hatch. A
// request presenting a signature header is always judged on that signature,
// even when the escape hatch is enabled.
func (v *Verifier) Verify(r *http.Request, body []byte) error {
	if sig := r.Header.Get(SignatureHeader); sig != "" {
		return v.verifyHMAC(sig, body)
	}

	if token := r.Header.Get(InternalTokenHeader); token != "" {
		return v.verifyInternalToken(token)
	}

	if v.config.AllowUnsigned {
		v.logger.Warn("UNSIGNED_REQUEST_ACCEPTED",
			logging.String("path", r.URL.Path),
			logging.String("remote_addr", r.RemoteAddr),
		)
		return nil
	}

	return errors.AuthError("missing signature").WithCode("AUTH_MISSING_SIGNATURE")
}

func (v *Verifier) verifyHMAC(header string, body []byte) error {
	if v.config.AppSecret == "" {
		return errors.ConfigError("app secret not configured for signature verification")
	}

	provided := strings.TrimPrefix(header, "sha256=")
	expected := ComputeSignature(v.config.AppSecret, body)

	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return errors.AuthError("signature mismatch").WithCode("AUTH_INVALID_SIGNATURE")
	}
	return nil
}

func (v *Verifier) verifyInternalToken(token string) error {
	if v.config.InternalJWTSecret == "" {
		return errors.AuthError("internal tokens not configured").WithCode("AUTH_INTERNAL_DISABLED")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(v.config.InternalJWTSecret), nil
	}, jwt.WithIssuer(internalIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return errors.AuthError("invalid internal token").WithCode("AUTH_INVALID_INTERNAL_TOKEN").WithContext("cause", err.Error())
	}
	if !parsed.Valid {
		return errors.AuthError("invalid internal token").WithCode("AUTH_INVALID_INTERNAL_TOKEN")
	}

	v.logger.Info("INTERNAL_FORWARD_ACCEPTED")
	return nil
}

// ComputeSignature returns the hex HMAC-SHA256 of body under secret, without
// the sha256= prefix.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// NewInternalToken mints a JWT for internal forwards, signed with the shared
// internal secret.
func NewInternalToken(secret string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    internalIssuer,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
