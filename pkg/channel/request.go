package channel

import (
	"context"

	"github.com/gibraltar-software/loupe/pkg/types"
)

// RequestBase carries the authentication flags shared by concrete requests.
// Embed it and implement ProcessRequest to satisfy types.Request.
type RequestBase struct {
	requiresAuthentication bool
	supportsAuthentication bool
}

// NewRequestBase creates the flag set for a request. A request that requires
// authentication necessarily supports it.
func NewRequestBase(requiresAuthentication, supportsAuthentication bool) RequestBase {
	if requiresAuthentication {
		supportsAuthentication = true
	}

	return RequestBase{
		requiresAuthentication: requiresAuthentication,
		supportsAuthentication: supportsAuthentication,
	}
}

// RequiresAuthentication indicates the request cannot succeed anonymously.
func (r RequestBase) RequiresAuthentication() bool { return r.requiresAuthentication }

// SupportsAuthentication indicates the request may carry credentials.
func (r RequestBase) SupportsAuthentication() bool { return r.supportsAuthentication }

// RequestFunc adapts a plain function into an anonymous-capable request,
// useful for one-off transfers and tests.
type RequestFunc func(ctx context.Context, c types.Channel) error

// RequiresAuthentication always returns false for function requests.
func (f RequestFunc) RequiresAuthentication() bool { return false }

// SupportsAuthentication always returns true for function requests.
func (f RequestFunc) SupportsAuthentication() bool { return true }

// ProcessRequest invokes the wrapped function.
func (f RequestFunc) ProcessRequest(ctx context.Context, c types.Channel) error { return f(ctx, c) }
