package types

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// AuthenticationProvider implements a credential scheme for a web channel.
//
// A provider is consulted before each outgoing request to inject whatever
// headers its scheme requires, and is asked to log in when the server
// challenges a request or when a request that requires authentication is
// about to be attempted while unauthenticated.
type AuthenticationProvider interface {
	// IsAuthenticated reports whether the provider currently holds whatever
	// state it needs to authenticate requests. Stateless schemes always
	// return true.
	IsAuthenticated() bool

	// LogoutIsSupported reports whether Logout does anything for this scheme.
	LogoutIsSupported() bool

	// Login establishes the provider's session with the server, using the
	// channel for any round trips the scheme requires.
	Login(ctx context.Context, c Channel) error

	// Logout releases the provider's session with the server.
	Logout(ctx context.Context, c Channel) error

	// PreProcessRequest decorates the outgoing request with the scheme's
	// headers. When requestSupportsAuthentication is false the provider must
	// remove any identity headers instead of leaving them stale.
	PreProcessRequest(ctx context.Context, c Channel, req *http.Request, requestSupportsAuthentication bool) error
}

// Credentials is a username and password pair supplied by a credentials
// requester. The connection layer holds these only as long as a provider
// needs them and never persists them.
type Credentials struct {
	Username string
	Password string
}

// CredentialsReceiver is implemented by providers whose credentials can be
// replaced in place after the server rejects the current ones.
type CredentialsReceiver interface {
	SetCredentials(username, password string)
}

// CredentialsRequester obtains credentials for a hub endpoint on behalf of
// the connection, typically by consulting a persisted credential store or
// prompting the user. The connection layer never owns the prompting UI.
type CredentialsRequester interface {
	// RequestCredentials supplies credentials for the endpoint, preferring
	// any cached entry. The boolean is false when no credentials are
	// available and the user declined to provide any.
	RequestCredentials(ctx context.Context, entryURI *url.URL, repositoryID uuid.UUID) (Credentials, bool, error)

	// UpdateCredentials supplies replacement credentials after the server
	// rejected the current ones. The boolean is false when the user declined.
	UpdateCredentials(ctx context.Context, entryURI *url.URL, repositoryID uuid.UUID) (Credentials, bool, error)
}
