// Package hub implements the session-level connection manager for the hub
// client. A Connection resolves a usable web channel from static server
// configuration, following the server's redirect protocol, negotiating the
// protocol version, and caching the hub's status for callers.
package hub

import (
	"errors"
	"strings"
)

// LoupeServiceServerName is the root DNS name of the hosted Loupe service.
const LoupeServiceServerName = "hub.gibraltarsoftware.com"

// Static errors for invalid connection settings. Invalid settings are
// terminal: no retry or fallback can make them work.
var (
	errNoApplicationKey = errors.New(
		"a customer name or application key is required to connect to the hosted service",
	)
	errNoServerName = errors.New("a server name is required to connect to a self-hosted server")
	errBadPort      = errors.New("the server port must be zero or a positive number")
)

// Settings is the static server configuration the application supplies. It
// identifies either the hosted Loupe service (by customer name or application
// key) or a self-hosted server (by address and optional virtual directory).
type Settings struct {
	// UseHostedService selects the hosted Loupe service instead of a
	// self-hosted server.
	UseHostedService bool

	// ApplicationKey identifies the application to the hosted service, or
	// optionally scopes a self-hosted server to one application environment.
	ApplicationKey string

	// CustomerName identifies the customer account on the hosted service.
	// Ignored when an application key is present.
	CustomerName string

	// Server is the DNS name or address of a self-hosted server.
	Server string

	// Port is the TCP port of a self-hosted server, zero for the scheme
	// default.
	Port int

	// UseSSL selects HTTPS for a self-hosted server. The hosted service is
	// always HTTPS.
	UseSSL bool

	// ApplicationBaseDirectory is the virtual directory on a self-hosted
	// server hosting the hub application, empty when hosted at the root.
	ApplicationBaseDirectory string

	// Repository optionally names the specific repository on a self-hosted
	// server to send data to, when the server hosts more than one.
	Repository string
}

// Validate checks the settings for the terminal configuration errors that no
// amount of retrying can fix.
func (s Settings) Validate() error {
	if s.UseHostedService {
		if strings.TrimSpace(s.ApplicationKey) == "" && strings.TrimSpace(s.CustomerName) == "" {
			return errNoApplicationKey
		}

		return nil
	}

	if strings.TrimSpace(s.Server) == "" {
		return errNoServerName
	}

	if s.Port < 0 {
		return errBadPort
	}

	return nil
}

// endpoint is one resolved (server, port, ssl, path) target in a redirect
// chain. The first endpoint comes from the settings; later ones come from
// redirect instructions in configuration documents.
type endpoint struct {
	server        string
	port          int
	useSSL        bool
	baseDirectory string
	customerName  string
	// applicationKey carries forward across redirects so a redirected hub
	// still knows which application is calling.
	applicationKey string
}

// rootEndpoint composes the literal entry endpoint from the settings:
// hosted-service paths are Customers/{name}/Hub or Agent/{key}/Hub, and
// self-hosted paths combine the virtual directory with the optional key or
// repository segment, then Hub.
func (s Settings) rootEndpoint() endpoint {
	if s.UseHostedService {
		ep := endpoint{
			server:         LoupeServiceServerName,
			useSSL:         true,
			applicationKey: strings.TrimSpace(s.ApplicationKey),
			customerName:   strings.TrimSpace(s.CustomerName),
		}
		ep.baseDirectory = hostedEntryPath(ep.applicationKey, ep.customerName)

		return ep
	}

	ep := endpoint{
		server:         strings.TrimSpace(s.Server),
		port:           s.Port,
		useSSL:         s.UseSSL,
		applicationKey: strings.TrimSpace(s.ApplicationKey),
	}
	ep.baseDirectory = selfHostedEntryPath(
		s.ApplicationBaseDirectory,
		ep.applicationKey,
		s.Repository,
	)

	return ep
}

// hostedEntryPath builds the hosted-service entry path, preferring the
// application key over the customer name when both are present.
func hostedEntryPath(applicationKey, customerName string) string {
	if applicationKey != "" {
		return "Agent/" + applicationKey + "/Hub"
	}

	return "Customers/" + customerName + "/Hub"
}

// selfHostedEntryPath builds a self-hosted entry path from the optional
// virtual directory and the optional application key or repository segment.
// The application key wins over the repository when both are present.
func selfHostedEntryPath(baseDirectory, applicationKey, repository string) string {
	parts := make([]string, 0, 3)

	if dir := strings.Trim(strings.TrimSpace(baseDirectory), "/"); dir != "" {
		parts = append(parts, dir)
	}

	switch {
	case applicationKey != "":
		parts = append(parts, "Agent", applicationKey)
	case strings.TrimSpace(repository) != "":
		parts = append(parts, "Repositories", strings.TrimSpace(repository))
	}

	parts = append(parts, "Hub")

	return strings.Join(parts, "/")
}

// redirected produces the next endpoint in the chain from a redirect
// instruction, carrying the application key forward.
func (e endpoint) redirected(cfg *ServerConfiguration) endpoint {
	next := endpoint{
		server:         cfg.RedirectServerName,
		port:           cfg.RedirectPort,
		useSSL:         cfg.RedirectUseSSL,
		customerName:   cfg.RedirectCustomerName,
		applicationKey: e.applicationKey,
	}

	switch {
	case next.customerName != "":
		next.baseDirectory = hostedEntryPath(next.applicationKey, next.customerName)
	default:
		next.baseDirectory = selfHostedEntryPath(cfg.RedirectApplicationBaseDirectory, next.applicationKey, "")
	}

	return next
}
