package auth

import (
	"context"
	"net/http"

	"github.com/gibraltar-software/loupe/pkg/types"
)

// SharedSecret authenticates requests by signing each one with a secret
// shared between the client and the hub. The scheme is stateless: there is no
// login round trip and the signature is computed fresh for every request.
type SharedSecret struct {
	secret string
}

// NewSharedSecret creates a provider for the given shared secret.
func NewSharedSecret(secret string) *SharedSecret {
	return &SharedSecret{secret: secret}
}

// IsAuthenticated always returns true; the scheme needs no session.
func (p *SharedSecret) IsAuthenticated() bool { return true }

// LogoutIsSupported always returns false; there is no session to end.
func (p *SharedSecret) LogoutIsSupported() bool { return false }

// Login is a no-op for the stateless scheme.
func (p *SharedSecret) Login(_ context.Context, _ types.Channel) error { return nil }

// Logout is a no-op for the stateless scheme.
func (p *SharedSecret) Logout(_ context.Context, _ types.Channel) error { return nil }

// PreProcessRequest signs the outgoing request with the shared secret.
func (p *SharedSecret) PreProcessRequest(_ context.Context, _ types.Channel, req *http.Request, requestSupportsAuthentication bool) error {
	if !requestSupportsAuthentication {
		stripIdentity(req)

		return nil
	}

	req.Header.Set(AuthorizationHeader, sharedSecretScheme+": "+signature(p.secret, req))

	return nil
}
