// Package auth provides the authentication providers for the hub client.
// It implements the three credential schemes the hub accepts: a stateless
// shared secret, a downloaded repository access token, and a user/password
// session token.
package auth

import (
	"crypto/sha1"
	"encoding/base64"
	"net/http"
)

// Header names and Authorization schemes used by the hub protocol.
const (
	// AuthorizationHeader carries the scheme-specific credential.
	AuthorizationHeader = "Authorization"
	// RepositoryHeader identifies the client repository on authenticated
	// requests for the token-based schemes.
	RepositoryHeader = "X-Gibraltar-Repository"

	sharedSecretScheme    = "Gibraltar-Shared"
	repositoryTokenScheme = "Gibraltar-Repository"
	userCredentialsScheme = "Gibraltar-User-Credentials"
)

// signature computes the request signature for the salted schemes: the
// Base64 form of SHA1(salt + path-and-query). The salt is the shared secret
// or access token, and the path includes the query string when present.
func signature(salt string, req *http.Request) string {
	sum := sha1.Sum([]byte(salt + req.URL.RequestURI()))

	return base64.StdEncoding.EncodeToString(sum[:])
}

// stripIdentity removes any credential headers from a request that must stay
// anonymous, so stale identity never leaks on anonymous-only requests.
func stripIdentity(req *http.Request) {
	req.Header.Del(AuthorizationHeader)
	req.Header.Del(RepositoryHeader)
}
