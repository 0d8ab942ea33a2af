// Package auth implements the Auth/Context Middleware (spec.md §4.H):
// extracting a principal and capability set from the transport-supplied
// credential at initialize time.
//
// Grounded on _examples/evalgo-org-eve/security/jwt.go's JWTService, which
// wraps github.com/lestrrat-go/jwx/v2 the same way.
package auth

import "context"

// Verifier turns a raw credential (bearer token, stdio handshake payload)
// into a principal name and capability set. Failure yields Unauthorized
// at the dispatcher layer.
type Verifier interface {
	Verify(ctx context.Context, credential string) (principal string, capabilities []string, err error)
}

// Anonymous is the zero-configuration Verifier: every credential
// (including an empty one) succeeds as the "anonymous" principal with no
// capabilities, matching the teacher's deployments that run without auth
// configured.
type Anonymous struct{}

func (Anonymous) Verify(_ context.Context, _ string) (string, []string, error) {
	return "anonymous", nil, nil
}

type principalKey struct{}

type principalValue struct {
	principal    string
	capabilities []string
}

// WithPrincipal attaches a principal/capability pair already verified at
// the transport edge (spec.md §4.H's HTTP Authorization header check) so
// the dispatcher's initialize handler does not re-verify it. Stdio has no
// such edge check, so its first-message handshake credential is verified
// by the dispatcher itself instead.
func WithPrincipal(ctx context.Context, principal string, capabilities []string) context.Context {
	return context.WithValue(ctx, principalKey{}, principalValue{principal: principal, capabilities: capabilities})
}

// PrincipalFromContext returns the principal/capabilities stashed by
// WithPrincipal, if any.
func PrincipalFromContext(ctx context.Context) (string, []string, bool) {
	v, ok := ctx.Value(principalKey{}).(principalValue)
	if !ok {
		return "", nil, false
	}
	return v.principal, v.capabilities, true
}
