package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gibraltar-software/loupe/pkg/channel"
	"github.com/gibraltar-software/loupe/pkg/channel/auth"
	"github.com/gibraltar-software/loupe/pkg/types"
)

// maxRedirectHops bounds how many redirect instructions a single connection
// attempt will follow. A misconfigured server pair can redirect to each other
// forever; past this depth we treat the chain as a loop.
const maxRedirectHops = 5

// minimumProtocolVersion is the lowest server protocol version this client
// can work with. Reachable servers below it are treated as incompatible.
const minimumProtocolVersion = "1.0"

// defaultRequestRetries is the retry budget for requests the connection
// issues on its own behalf when none was configured. The configuration fetch
// doubles as a liveness ping, so the default fails fast.
const defaultRequestRetries = 1

// ErrRedirectLoop indicates the server's redirect chain exceeded the
// supported depth, which almost always means two servers redirect to each
// other.
var ErrRedirectLoop = errors.New("the server redirect chain exceeded the supported depth")

// Human-readable status messages for non-available hubs.
const (
	statusMessageExpired             = "The license for this server has expired, so it can no longer accept new data."
	statusMessageInvalidCustomer     = "The customer name specified is not valid or the account is no longer active."
	statusMessageMaintenance         = "The server is currently undergoing maintenance and is not accepting new data."
	statusMessageInvalidDirectory    = "The server does not support this service or the specified directory is not valid."
	statusMessageUnreachable         = "The server could not be contacted. It may be down or unreachable from this computer."
	statusMessageIncompatible        = "The server does not support the minimum protocol version required by this agent."
	statusMessageCredentialsRejected = "The server rejected the supplied credentials."
	statusMessageRedirectLoop        = "The server's redirect configuration is circular, so no usable server could be resolved."
	statusMessageUnrecognized        = "The server returned a status this agent does not recognize."
)

// ConnectionConfig describes a new hub connection.
type ConnectionConfig struct {
	// Settings is the static server configuration. Required and validated at
	// construction; invalid settings are terminal.
	Settings Settings

	// ClientRepositoryID identifies the local session repository, used to key
	// credential lookups and repository-scoped requests.
	ClientRepositoryID uuid.UUID

	// AuthenticationProvider is the initial credential scheme for resolved
	// channels. Optional.
	AuthenticationProvider types.AuthenticationProvider

	// CredentialsRequester supplies credentials when the server challenges
	// and replacements when it rejects them. Optional.
	CredentialsRequester types.CredentialsRequester

	// MaxRetries is the retry budget for requests the connection issues on
	// its own behalf, such as configuration fetches and repository
	// registration. Zero keeps the fail-fast default of one retry;
	// channel.UnlimitedRetries retries until the context is canceled.
	MaxRetries int

	// HTTPClient overrides the transport used by resolved channels.
	HTTPClient *http.Client

	// Capabilities overrides the process-wide capability registry for
	// resolved channels.
	Capabilities *channel.CapabilityRegistry

	// OnStateChange observes connection-state transitions on the current
	// channel.
	OnStateChange channel.StateChangeHandler

	// Logger scopes log output for this connection.
	Logger *logrus.Entry
}

// Connection manages the session with one hub. It lazily resolves a web
// channel from the configured settings, follows server redirects, and swaps
// the channel when a redirected-to server stops answering. Callers see one
// stable connection regardless of which server is behind it at the moment.
type Connection struct {
	settings           Settings
	root               endpoint
	clientRepositoryID uuid.UUID
	requester          types.CredentialsRequester
	maxRetries         int
	httpClient         *http.Client
	capabilities       *channel.CapabilityRegistry
	onStateChange      channel.StateChangeHandler
	logger             *logrus.Entry

	authMu   sync.Mutex
	provider types.AuthenticationProvider

	// channelMu guards channel swaps so CanConnect, ExecuteRequest, and
	// Reconnect never race on replacing the current channel.
	channelMu sync.Mutex
	channel   *channel.WebChannel

	// statusMu guards the cached resolution results separately from the
	// channel so status reads never block on network I/O.
	statusMu           sync.Mutex
	status             types.HubStatus
	statusMessage      string
	serverRepositoryID uuid.UUID
	expirationDt       time.Time
	publicKey          string
	protocolVersion    string
	agentLiveStream    *types.NetworkConnectionOptions
	clientLiveStream   *types.NetworkConnectionOptions
}

// NewConnection creates a connection for the provided configuration. The
// settings are validated immediately; nothing touches the network until the
// first CanConnect or ExecuteRequest call.
func NewConnection(config ConnectionConfig) (*Connection, error) {
	if err := config.Settings.Validate(); err != nil {
		return nil, err
	}

	root := config.Settings.rootEndpoint()

	logger := config.Logger
	if logger == nil {
		logger = logrus.WithField("hub", root.server)
	}

	return &Connection{
		settings:           config.Settings,
		root:               root,
		clientRepositoryID: config.ClientRepositoryID,
		requester:          config.CredentialsRequester,
		maxRetries:         config.MaxRetries,
		httpClient:         config.HTTPClient,
		capabilities:       config.Capabilities,
		onStateChange:      config.OnStateChange,
		logger:             logger,
		provider:           config.AuthenticationProvider,
	}, nil
}

// Status returns the hub status cached from the most recent resolution.
func (h *Connection) Status() types.HubStatus {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()

	return h.status
}

// StatusMessage returns a human-readable explanation of the current status,
// empty when the hub is available.
func (h *Connection) StatusMessage() string {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()

	return h.statusMessage
}

// ServerRepositoryID returns the hub's repository id from the most recent
// resolution.
func (h *Connection) ServerRepositoryID() uuid.UUID {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()

	return h.serverRepositoryID
}

// ExpirationDt returns the hub's license expiration timestamp, zero when the
// server did not report one.
func (h *Connection) ExpirationDt() time.Time {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()

	return h.expirationDt
}

// PublicKey returns the hub's public key from the most recent resolution.
func (h *Connection) PublicKey() string {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()

	return h.publicKey
}

// ProtocolVersion returns the protocol version the hub reported.
func (h *Connection) ProtocolVersion() string {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()

	return h.protocolVersion
}

// AgentLiveStreamOptions returns the agent-facing live-stream endpoint, nil
// when the hub does not advertise live streaming.
func (h *Connection) AgentLiveStreamOptions() *types.NetworkConnectionOptions {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()

	return h.agentLiveStream
}

// ClientLiveStreamOptions returns the viewer-facing live-stream endpoint, nil
// when the hub does not advertise live streaming.
func (h *Connection) ClientLiveStreamOptions() *types.NetworkConnectionOptions {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()

	return h.clientLiveStream
}

// EntryURI returns the base address of the currently resolved server, or the
// originally configured server when no resolution has happened yet.
func (h *Connection) EntryURI() string {
	h.channelMu.Lock()
	defer h.channelMu.Unlock()

	if h.channel != nil {
		return h.channel.EntryURI()
	}

	return h.root.entryURI()
}

// SetCredentials replaces the authentication provider used by the current
// channel and any channel resolved later.
func (h *Connection) SetCredentials(provider types.AuthenticationProvider) {
	h.authMu.Lock()
	h.provider = provider
	h.authMu.Unlock()

	h.channelMu.Lock()
	defer h.channelMu.Unlock()

	if h.channel != nil {
		h.channel.SetAuthenticationProvider(provider)
	}
}

// currentProvider returns the provider new channels should start with.
func (h *Connection) currentProvider() types.AuthenticationProvider {
	h.authMu.Lock()
	defer h.authMu.Unlock()

	return h.provider
}

// CanConnect checks whether the hub can accept data right now, refreshing the
// cached status fields as a side effect. An existing live channel is reused
// when its configuration fetch still reports available and not redirected;
// otherwise the connection resolves afresh. The error return is reserved for
// caller mistakes (canceled context); server-side problems come back as a
// false result with the status fields explaining why.
func (h *Connection) CanConnect(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	h.channelMu.Lock()
	defer h.channelMu.Unlock()

	if h.channel != nil {
		cfg, err := h.fetchConfiguration(ctx, h.channel)
		if err == nil && !cfg.RedirectRequested {
			status, message := h.resolveStatus(cfg)
			if status == types.HubStatusAvailable || h.isRootChannel(h.channel) {
				h.storeConfiguration(cfg, status, message)

				return status == types.HubStatusAvailable, nil
			}
		}

		if isContextDone(err) {
			return false, err
		}

		if h.isRootChannel(h.channel) && err != nil {
			// The originally configured server is failing. Resolving afresh
			// would just repeat the same fetch, so classify and report.
			status, message := h.classifyFailure(err)
			h.storeFailure(status, message)

			return false, nil
		}

		// A redirected-to server that degraded or wants us elsewhere gets
		// re-resolved from the original configuration.
		h.channel.Cancel()
		h.channel = nil
	}

	ch, cfg, err := h.connect(ctx)
	if err != nil {
		if isContextDone(err) {
			return false, err
		}

		status, message := h.classifyFailure(err)
		h.storeFailure(status, message)

		return false, nil
	}

	status, message := h.resolveStatus(cfg)
	h.storeConfiguration(cfg, status, message)
	h.channel = ch

	return status == types.HubStatusAvailable, nil
}

// ConnectionCheckResult reports the outcome of an asynchronous connectivity
// probe.
type ConnectionCheckResult struct {
	CanConnect bool
	Status     types.HubStatus
	Message    string
	Err        error
}

// CanConnectAsync runs CanConnect on its own goroutine and delivers the
// result on the returned channel, which is closed after the single send.
func (h *Connection) CanConnectAsync(ctx context.Context) <-chan ConnectionCheckResult {
	results := make(chan ConnectionCheckResult, 1)

	go func() {
		defer close(results)

		ok, err := h.CanConnect(ctx)
		results <- ConnectionCheckResult{
			CanConnect: ok,
			Status:     h.Status(),
			Message:    h.StatusMessage(),
			Err:        err,
		}
	}()

	return results
}

// Reconnect drops the current channel, if any, and resolves a fresh one.
func (h *Connection) Reconnect(ctx context.Context) (bool, error) {
	h.channelMu.Lock()
	if h.channel != nil {
		h.channel.Cancel()
		h.channel = nil
	}
	h.channelMu.Unlock()

	return h.CanConnect(ctx)
}

// Close cancels the current channel and forgets it. The connection can still
// resolve a new channel afterwards; Close exists to release transport state
// promptly when the caller is done.
func (h *Connection) Close() {
	h.channelMu.Lock()
	defer h.channelMu.Unlock()

	if h.channel != nil {
		h.channel.Cancel()
		h.channel = nil
	}
}

// ExecuteRequest runs the request against the current channel, lazily
// resolving one first when needed.
//
// An authorization failure triggers one request for updated credentials; a
// rate-limited request waits out the server's delay once; and a connect
// failure on a redirected-to server falls back to one fresh resolution
// against the original configuration. A connect failure on the originally
// configured server surfaces as-is, since falling back past the root would
// loop forever against a server that was never reachable.
func (h *Connection) ExecuteRequest(ctx context.Context, request types.Request, maxRetries int) error {
	ch, err := h.ensureChannel(ctx)
	if err != nil {
		return err
	}

	err = h.runRequest(ctx, ch, request, maxRetries, nil)
	if err == nil {
		return nil
	}

	var rateErr *channel.RateLimitError
	if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
		h.logger.WithField("delay", rateErr.RetryAfter).
			Warn("Server rate limited the request, waiting out the requested delay")

		select {
		case <-time.After(rateErr.RetryAfter):
		case <-ctx.Done():
			return err
		}

		return h.runRequest(ctx, ch, request, maxRetries, nil)
	}

	var authErr *channel.AuthorizationError
	if errors.As(err, &authErr) && h.requester != nil {
		entryURI, parseErr := url.Parse(ch.EntryURI())
		if parseErr != nil {
			return err
		}

		credentials, supplied, reqErr := h.requester.UpdateCredentials(ctx, entryURI, h.clientRepositoryID)
		if reqErr != nil || !supplied {
			return err
		}

		h.applyCredentials(credentials)

		return h.runRequest(ctx, ch, request, maxRetries, nil)
	}

	var connectErr *channel.ConnectFailureError
	if errors.As(err, &connectErr) && !h.isRootChannel(ch) {
		h.logger.WithField("server", ch.HostName()).
			Warn("Redirected server is unreachable, falling back to the original configuration")

		h.channelMu.Lock()
		if h.channel == ch {
			h.channel.Cancel()
			h.channel = nil
		}
		h.channelMu.Unlock()

		fresh, freshErr := h.ensureChannel(ctx)
		if freshErr != nil {
			return err
		}

		return h.runRequest(ctx, fresh, request, maxRetries, nil)
	}

	return err
}

// CreateSubscription registers the client repository with the hub. When a
// shared secret is supplied it authenticates this one call, scoped to the
// call itself; the channel's configured provider is never disturbed.
func (h *Connection) CreateSubscription(ctx context.Context, repository ClientRepository, sharedSecret string) error {
	ch, err := h.ensureChannel(ctx)
	if err != nil {
		return err
	}

	request := newRepositoryUploadRequest(repository)

	if sharedSecret != "" {
		return h.runRequest(ctx, ch, request, h.requestRetries(), auth.NewSharedSecret(sharedSecret))
	}

	return h.runRequest(ctx, ch, request, h.requestRetries(), nil)
}

// runRequest executes the request on the channel, with the override provider
// when one is supplied. The channel stops silently when its execution is
// canceled, so a nil result with a dead context is translated back into the
// context's error rather than reported as a success.
func (h *Connection) runRequest(ctx context.Context, ch *channel.WebChannel, request types.Request, maxRetries int, override types.AuthenticationProvider) error {
	var err error
	if override != nil {
		err = ch.ExecuteRequestWithProvider(ctx, request, maxRetries, override)
	} else {
		err = ch.ExecuteRequest(ctx, request, maxRetries)
	}

	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}

	return err
}

// requestRetries returns the retry budget for the connection's own requests.
func (h *Connection) requestRetries() int {
	if h.maxRetries != 0 {
		return h.maxRetries
	}

	return defaultRequestRetries
}

// applyCredentials installs replacement credentials from the requester,
// updating the current provider in place when it supports that and replacing
// it with a user-credentials provider otherwise.
func (h *Connection) applyCredentials(credentials types.Credentials) {
	if receiver, ok := h.currentProvider().(types.CredentialsReceiver); ok {
		receiver.SetCredentials(credentials.Username, credentials.Password)

		return
	}

	h.SetCredentials(auth.NewUserCredentials(
		h.clientRepositoryID,
		credentials.Username,
		credentials.Password,
		h.requester,
	))
}

// ensureChannel returns the current channel, resolving one when none exists.
// Resolution failures update the cached status before surfacing.
func (h *Connection) ensureChannel(ctx context.Context) (*channel.WebChannel, error) {
	h.channelMu.Lock()
	defer h.channelMu.Unlock()

	if h.channel != nil {
		return h.channel, nil
	}

	ch, cfg, err := h.connect(ctx)
	if err != nil {
		if !isContextDone(err) {
			status, message := h.classifyFailure(err)
			h.storeFailure(status, message)
		}

		return nil, err
	}

	status, message := h.resolveStatus(cfg)
	h.storeConfiguration(cfg, status, message)
	h.channel = ch

	return ch, nil
}

// connect resolves a usable channel starting from the configured endpoint,
// following redirect instructions up to maxRedirectHops deep. Callers must
// hold channelMu.
func (h *Connection) connect(ctx context.Context) (*channel.WebChannel, *ServerConfiguration, error) {
	ep := h.root

	for hop := 0; hop <= maxRedirectHops; hop++ {
		ch, err := h.newChannel(ep)
		if err != nil {
			return nil, nil, err
		}

		cfg, err := h.fetchConfiguration(ctx, ch)
		if err != nil {
			ch.Cancel()

			return nil, nil, err
		}

		if cfg.RedirectRequested && cfg.RedirectServerName != "" {
			h.logger.WithFields(logrus.Fields{
				"from": ep.server,
				"to":   cfg.RedirectServerName,
				"hop":  hop + 1,
			}).Info("Following hub redirect")

			ch.Cancel()

			ep = ep.redirected(cfg)

			continue
		}

		return ch, cfg, nil
	}

	return nil, nil, ErrRedirectLoop
}

// newChannel builds a channel bound to the endpoint, carrying the
// connection's provider and collaborators.
func (h *Connection) newChannel(ep endpoint) (*channel.WebChannel, error) {
	return channel.New(channel.Config{
		HostName:                 ep.server,
		Port:                     ep.port,
		UseSSL:                   ep.useSSL,
		ApplicationBaseDirectory: ep.baseDirectory,
		AuthenticationProvider:   h.currentProvider(),
		HTTPClient:               h.httpClient,
		Capabilities:             h.capabilities,
		OnStateChange:            h.onStateChange,
		Logger:                   h.logger.WithField("server", ep.server),
	})
}

// fetchConfiguration retrieves and parses the hub's configuration document
// with a single retry. A 401 challenge triggers one request for fresh
// credentials through the requester; the whole attempt fails if the user
// declines.
func (h *Connection) fetchConfiguration(ctx context.Context, ch *channel.WebChannel) (*ServerConfiguration, error) {
	request := newConfigurationGetRequest()

	err := ch.ExecuteRequest(ctx, request, h.requestRetries())
	if err == nil {
		// The channel stops silently on cancellation, so a missing document
		// means the request never completed, not that the server sent none.
		if request.configuration == nil {
			return nil, cancellationCause(ctx)
		}

		return request.configuration, nil
	}

	var authErr *channel.AuthorizationError
	if !errors.As(err, &authErr) || h.requester == nil {
		return nil, err
	}

	entryURI, parseErr := url.Parse(ch.EntryURI())
	if parseErr != nil {
		return nil, err
	}

	credentials, supplied, reqErr := h.requester.RequestCredentials(ctx, entryURI, h.clientRepositoryID)
	if reqErr != nil || !supplied {
		return nil, err
	}

	provider := auth.NewUserCredentials(
		h.clientRepositoryID,
		credentials.Username,
		credentials.Password,
		h.requester,
	)

	h.authMu.Lock()
	h.provider = provider
	h.authMu.Unlock()

	ch.SetAuthenticationProvider(provider)

	request = newConfigurationGetRequest()
	if err := ch.ExecuteRequest(ctx, request, h.requestRetries()); err != nil {
		return nil, err
	}

	if request.configuration == nil {
		return nil, cancellationCause(ctx)
	}

	return request.configuration, nil
}

// cancellationCause reports why an execution stopped without producing a
// result, preferring the caller's context error.
func cancellationCause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return context.Canceled
}

// isContextDone reports whether err is the caller's context giving up rather
// than a server-side failure.
func isContextDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// resolveStatus maps a configuration document onto the status pair callers
// see. The hosted service reuses the expired status for unknown customers,
// so the message differs by deployment kind.
func (h *Connection) resolveStatus(cfg *ServerConfiguration) (types.HubStatus, string) {
	switch cfg.Status {
	case types.HubStatusAvailable:
		if cfg.ProtocolVersion != "" && !protocolVersionAtLeast(cfg.ProtocolVersion, minimumProtocolVersion) {
			return types.HubStatusMaintenance, statusMessageIncompatible
		}

		return types.HubStatusAvailable, ""
	case types.HubStatusExpired:
		if h.settings.UseHostedService {
			return types.HubStatusExpired, statusMessageInvalidCustomer
		}

		return types.HubStatusExpired, statusMessageExpired
	case types.HubStatusMaintenance:
		return types.HubStatusMaintenance, statusMessageMaintenance
	default:
		return types.HubStatusUnknown, statusMessageUnrecognized
	}
}

// classifyFailure maps a resolution error onto the status pair callers see,
// so UI layers never have to parse errors themselves.
func (h *Connection) classifyFailure(err error) (types.HubStatus, string) {
	var notFoundErr *channel.NotFoundError
	if errors.As(err, &notFoundErr) {
		// A routing failure means the customer is unknown on the hosted
		// service and a bad directory on a self-hosted server.
		if h.settings.UseHostedService {
			return types.HubStatusExpired, statusMessageInvalidCustomer
		}

		return types.HubStatusMaintenance, statusMessageInvalidDirectory
	}

	var connectErr *channel.ConnectFailureError
	if errors.As(err, &connectErr) {
		return types.HubStatusUnknown, statusMessageUnreachable
	}

	var authErr *channel.AuthorizationError
	if errors.As(err, &authErr) {
		return types.HubStatusUnknown, statusMessageCredentialsRejected
	}

	if errors.Is(err, ErrRedirectLoop) {
		return types.HubStatusMaintenance, statusMessageRedirectLoop
	}

	var httpErr *channel.HTTPError
	if errors.As(err, &httpErr) {
		return types.HubStatusUnknown, httpErr.Status
	}

	return types.HubStatusUnknown, fmt.Sprintf("Unable to contact the server: %v", err)
}

// storeConfiguration caches a successful resolution's results.
func (h *Connection) storeConfiguration(cfg *ServerConfiguration, status types.HubStatus, message string) {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()

	h.status = status
	h.statusMessage = message
	h.serverRepositoryID = cfg.RepositoryID
	h.expirationDt = cfg.ExpirationDt
	h.publicKey = cfg.PublicKey
	h.protocolVersion = cfg.ProtocolVersion
	h.agentLiveStream = cfg.AgentLiveStream
	h.clientLiveStream = cfg.ClientLiveStream
}

// storeFailure caches a failed resolution's status pair, leaving the other
// fields from the last successful resolution intact.
func (h *Connection) storeFailure(status types.HubStatus, message string) {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()

	h.status = status
	h.statusMessage = message
}

// isRootChannel reports whether the channel targets the originally
// configured server: host, port, ssl flag, and effective base directory must
// all match exactly.
func (h *Connection) isRootChannel(ch *channel.WebChannel) bool {
	if ch == nil {
		return false
	}

	return strings.EqualFold(ch.HostName(), h.root.server) &&
		effectivePort(ch.Port(), ch.UseSSL()) == effectivePort(h.root.port, h.root.useSSL) &&
		ch.UseSSL() == h.root.useSSL &&
		strings.Trim(ch.ApplicationBaseDirectory(), "/") == strings.Trim(h.root.baseDirectory, "/")
}

// effectivePort resolves a zero port to the scheme default so endpoint
// comparisons work on what actually goes over the wire.
func effectivePort(port int, useSSL bool) int {
	if port != 0 {
		return port
	}

	if useSSL {
		return 443
	}

	return 80
}

// entryURI composes the endpoint's base address the same way a channel bound
// to it would.
func (e endpoint) entryURI() string {
	scheme, defaultPort := "http", 80
	if e.useSSL {
		scheme, defaultPort = "https", 443
	}

	host := strings.ToLower(e.server)
	if e.port != 0 && e.port != defaultPort {
		host = net.JoinHostPort(host, strconv.Itoa(e.port))
	}

	base := strings.Trim(e.baseDirectory, "/")
	if base != "" {
		base += "/"
	}

	return fmt.Sprintf("%s://%s/%s", scheme, host, base)
}
