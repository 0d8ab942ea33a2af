package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// JWTVerifier checks a bearer token's signature and expiry and extracts a
// "principal" (subject) and a "capabilities" claim (space-delimited,
// OAuth2-scope style) — SPEC_FULL.md §4.J. Grounded on the teacher pack's
// security.JWTService (_examples/evalgo-org-eve/security/jwt.go), carried
// over to HS256-signed session tokens.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewJWTVerifier builds a verifier for tokens signed with secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// WithIssuerAudience additionally requires the iss/aud claims to match.
func (v *JWTVerifier) WithIssuerAudience(issuer, audience string) *JWTVerifier {
	v.issuer = issuer
	v.audience = audience
	return v
}

// Verify implements Verifier. credential is the raw Authorization header
// value; the "Bearer " prefix, if present, is stripped.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (string, []string, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if raw == "" {
		return "", nil, fmt.Errorf("missing bearer token")
	}

	opts := []jwt.ParseOption{jwt.WithKey(jwa.HS256, v.secret)}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return "", nil, fmt.Errorf("invalid bearer token: %w", err)
	}

	principal := token.Subject()
	if principal == "" {
		return "", nil, fmt.Errorf("token missing subject claim")
	}

	var capabilities []string
	if raw, ok := token.Get("capabilities"); ok {
		if s, ok := raw.(string); ok && s != "" {
			capabilities = strings.Fields(s)
		}
	}
	return principal, capabilities, nil
}
