package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gibraltar-software/loupe/pkg/types"
)

// errEmptyAccessToken indicates the server returned an empty access token
// document, leaving the provider unable to sign requests.
var errEmptyAccessToken = errors.New("server returned an empty repository access token")

// RepositoryToken authenticates requests by signing each one with an access
// token downloaded from the hub for a specific client repository. The token
// endpoint is anonymous; possession of the repository id bootstraps the
// scheme.
type RepositoryToken struct {
	repositoryID uuid.UUID

	mu    sync.Mutex
	token string
}

// NewRepositoryToken creates a provider for the given client repository.
// It is not authenticated until Login downloads the access token.
func NewRepositoryToken(repositoryID uuid.UUID) *RepositoryToken {
	return &RepositoryToken{repositoryID: repositoryID}
}

// RepositoryID returns the client repository this provider signs for.
func (p *RepositoryToken) RepositoryID() uuid.UUID { return p.repositoryID }

// IsAuthenticated reports whether an access token is currently held.
func (p *RepositoryToken) IsAuthenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.token != ""
}

// LogoutIsSupported always returns true; Logout drops the held token.
func (p *RepositoryToken) LogoutIsSupported() bool { return true }

// Login downloads the repository's access token from the hub.
func (p *RepositoryToken) Login(ctx context.Context, c types.Channel) error {
	data, err := c.DownloadData(
		ctx,
		fmt.Sprintf("Repositories/%s/AccessToken.bin", p.repositoryID),
		"application/octet-stream",
	)
	if err != nil {
		return fmt.Errorf("failed to download repository access token: %w", err)
	}

	if len(data) == 0 {
		return errEmptyAccessToken
	}

	p.mu.Lock()
	p.token = string(data)
	p.mu.Unlock()

	logrus.WithField("repository", p.repositoryID).Debug("Downloaded repository access token")

	return nil
}

// Logout discards the held access token.
func (p *RepositoryToken) Logout(_ context.Context, _ types.Channel) error {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()

	return nil
}

// PreProcessRequest signs the outgoing request with the access token and
// identifies the repository. Anonymous-only requests have both headers
// removed instead.
func (p *RepositoryToken) PreProcessRequest(_ context.Context, _ types.Channel, req *http.Request, requestSupportsAuthentication bool) error {
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

	req.Header.Set(AuthorizationHeader, repositoryTokenScheme+": "+signature(token, req))
	req.Header.Set(RepositoryHeader, p.repositoryID.String())

	return nil
}
