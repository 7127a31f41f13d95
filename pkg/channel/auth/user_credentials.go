package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gibraltar-software/loupe/pkg/channel"
	"github.com/gibraltar-software/loupe/pkg/types"
)

// loginPath is the anonymous endpoint that exchanges a username and password
// for a session token.
const loginPath = "Login"

// errEmptySessionToken indicates the login succeeded but the server returned
// no token, leaving the provider unable to authenticate requests.
var errEmptySessionToken = errors.New("server returned an empty session token")

// UserCredentials authenticates requests with a session token obtained by
// posting a username and password to the hub's login endpoint. When the
// server rejects the credentials during login, the provider asks its
// credentials requester for replacements and retries once.
type UserCredentials struct {
	repositoryID uuid.UUID
	requester    types.CredentialsRequester

	mu       sync.Mutex
	username string
	password string
	token    string
}

// NewUserCredentials creates a provider for the given repository, username,
// and password. The requester is optional; without one, rejected credentials
// surface immediately.
func NewUserCredentials(repositoryID uuid.UUID, username, password string, requester types.CredentialsRequester) *UserCredentials {
	return &UserCredentials{
		repositoryID: repositoryID,
		requester:    requester,
		username:     username,
		password:     password,
	}
}

// RepositoryID returns the client repository this provider signs for.
func (p *UserCredentials) RepositoryID() uuid.UUID { return p.repositoryID }

// SetCredentials replaces the username and password used for the next login
// and invalidates any session token obtained with the previous pair.
func (p *UserCredentials) SetCredentials(username, password string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.username = username
	p.password = password
	p.token = ""
}

// IsAuthenticated reports whether a session token is currently held.
func (p *UserCredentials) IsAuthenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.token != ""
}

// LogoutIsSupported always returns true; Logout drops the session token.
func (p *UserCredentials) LogoutIsSupported() bool { return true }

// Login exchanges the username and password for a session token. A 401
// during login triggers one request for updated credentials through the
// requester before the failure surfaces.
func (p *UserCredentials) Login(ctx context.Context, c types.Channel) error {
	err := p.login(ctx, c)
	if err == nil {
		return nil
	}

	var httpErr *channel.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusUnauthorized || p.requester == nil {
		return err
	}

	entryURI, parseErr := url.Parse(c.EntryURI())
	if parseErr != nil {
		return err
	}

	credentials, supplied, reqErr := p.requester.UpdateCredentials(ctx, entryURI, p.repositoryID)
	if reqErr != nil || !supplied {
		return err
	}

	logrus.WithField("repository", p.repositoryID).Debug("Retrying login with updated credentials")

	p.SetCredentials(credentials.Username, credentials.Password)

	return p.login(ctx, c)
}

// login performs a single login round trip. Any held session token is stale
// once a new login starts, so it is dropped first and never rides along on
// the login request itself.
func (p *UserCredentials) login(ctx context.Context, c types.Channel) error {
	p.mu.Lock()
	p.token = ""
	form := url.Values{
		"userName": {p.username},
		"password": {p.password},
	}
	p.mu.Unlock()

	data, err := c.UploadForm(ctx, loginPath, form)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	if len(data) == 0 {
		return errEmptySessionToken
	}

	p.mu.Lock()
	p.token = string(data)
	p.mu.Unlock()

	return nil
}

// Logout discards the session token.
func (p *UserCredentials) Logout(_ context.Context, _ types.Channel) error {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()

	return nil
}

// PreProcessRequest attaches the session token and repository identity to the
// outgoing request. Anonymous-only requests have both headers removed.
func (p *UserCredentials) PreProcessRequest(_ context.Context, _ types.Channel, req *http.Request, requestSupportsAuthentication bool) error {
	if !requestSupportsAuthentication {
		stripIdentity(req)

		return nil
	}

	p.mu.Lock()
	token := p.token
	p.mu.Unlock()

	if token == "" {
		return nil
	}

	req.Header.Set(AuthorizationHeader, userCredentialsScheme+": "+token)
	req.Header.Set(RepositoryHeader, p.repositoryID.String())

	return nil
}
