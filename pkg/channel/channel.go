// Package channel implements the low-level request executor for the hub
// client. A WebChannel executes one logical request at a time against one
// fixed endpoint, transparently retrying transient failures, backing off
// between attempts, and adapting to server deployment quirks it discovers
// along the way.
package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gibraltar-software/loupe/pkg/metrics"
	"github.com/gibraltar-software/loupe/pkg/types"
)

// UnlimitedRetries requests that ExecuteRequest keep retrying until the
// request succeeds or the channel is canceled.
const UnlimitedRetries = -1

// DefaultAppProtocolVersion is the protocol version the client advertises on
// every request via the X-Request-App-Protocol header.
const DefaultAppProtocolVersion = "1.2"

// defaultHTTPTimeout bounds a single transport round trip.
const defaultHTTPTimeout = 2 * time.Minute

// Names of the headers the channel injects on every request.
const (
	headerRequestTimestamp   = "X-Request-Timestamp"
	headerRequestAppProtocol = "X-Request-App-Protocol"
	headerRequestMethod      = "X-Request-Method"
)

// StateChangeHandler observes connection-state transitions on a channel.
// Handlers run on the goroutine executing the request and must return
// promptly.
type StateChangeHandler func(previous, current types.ConnectionState)

// Config describes the endpoint and collaborators for a new WebChannel.
type Config struct {
	HostName string // DNS name or address of the server. Required.
	Port     int    // TCP port, zero for the scheme default.
	UseSSL   bool   // Whether to use HTTPS.

	// ApplicationBaseDirectory is the virtual directory on the server hosting
	// the application, empty when it is hosted at the root.
	ApplicationBaseDirectory string

	// AuthenticationProvider supplies credentials for requests. Optional; a
	// channel without a provider can only execute anonymous requests.
	AuthenticationProvider types.AuthenticationProvider

	// AppProtocolVersion overrides the advertised protocol version.
	AppProtocolVersion string

	// HTTPClient overrides the transport, primarily for tests.
	HTTPClient *http.Client

	// Capabilities overrides the process-wide capability registry.
	Capabilities *CapabilityRegistry

	// OnStateChange is invoked whenever the connection state transitions.
	OnStateChange StateChangeHandler

	// Logger scopes log output for this channel.
	Logger *logrus.Entry
}

// WebChannel executes requests against one fixed endpoint.
//
// A channel serializes request execution internally; callers must still treat
// a single logical operation as owning the channel for its duration. State
// reads never block on an in-flight request.
type WebChannel struct {
	hostName           string
	port               int
	useSSL             bool
	baseDirectory      string
	appProtocolVersion string

	httpClient    *http.Client
	capabilities  *CapabilityRegistry
	onStateChange StateChangeHandler
	logger        *logrus.Entry

	// requestMu serializes request execution so attempts on one channel
	// always run in submission order.
	requestMu sync.Mutex

	authMu       sync.Mutex
	authProvider types.AuthenticationProvider

	// overrideProvider scopes a temporary provider to a single execute call
	// without disturbing the configured provider. Set only while requestMu is
	// held; guarded by authMu for readers outside the request path.
	overrideProvider types.AuthenticationProvider

	stateMu sync.Mutex
	state   types.ConnectionState

	// supportsAuth mirrors the executing request's SupportsAuthentication
	// flag so transfers issued from inside ProcessRequest carry it. Only
	// touched while requestMu is held; raw transfers outside a request
	// default to true.
	supportsAuth bool

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// New creates a channel bound to the endpoint described by config.
func New(config Config) (*WebChannel, error) {
	if config.HostName == "" {
		return nil, errNoHostName
	}

	if config.Port < 0 {
		return nil, errNegativePort
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	capabilities := config.Capabilities
	if capabilities == nil {
		capabilities = DefaultCapabilities
	}

	protocolVersion := config.AppProtocolVersion
	if protocolVersion == "" {
		protocolVersion = DefaultAppProtocolVersion
	}

	logger := config.Logger
	if logger == nil {
		logger = logrus.WithField("host", config.HostName)
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	return &WebChannel{
		hostName:           strings.ToLower(config.HostName),
		port:               config.Port,
		useSSL:             config.UseSSL,
		baseDirectory:      normalizeBaseDirectory(config.ApplicationBaseDirectory),
		appProtocolVersion: protocolVersion,
		httpClient:         httpClient,
		capabilities:       capabilities,
		onStateChange:      config.OnStateChange,
		logger:             logger,
		authProvider:       config.AuthenticationProvider,
		supportsAuth:       true,
		shutdownCtx:        shutdownCtx,
		shutdownCancel:     shutdownCancel,
	}, nil
}

// normalizeBaseDirectory trims separators and guarantees a single trailing
// slash on non-empty directories so URL composition stays mechanical.
func normalizeBaseDirectory(dir string) string {
	dir = strings.Trim(strings.TrimSpace(dir), "/")
	if dir == "" {
		return ""
	}

	return dir + "/"
}

// HostName returns the server name the channel is bound to.
func (c *WebChannel) HostName() string { return c.hostName }

// Port returns the TCP port the channel is bound to, zero when the scheme
// default is in use.
func (c *WebChannel) Port() int { return c.port }

// UseSSL reports whether the channel uses HTTPS.
func (c *WebChannel) UseSSL() bool { return c.useSSL }

// ApplicationBaseDirectory returns the normalized base directory, empty or
// with a trailing slash.
func (c *WebChannel) ApplicationBaseDirectory() string { return c.baseDirectory }

// EntryURI returns the fully qualified base address of the endpoint.
func (c *WebChannel) EntryURI() string {
	scheme, defaultPort := "http", 80
	if c.useSSL {
		scheme, defaultPort = "https", 443
	}

	host := c.hostName
	if c.port != 0 && c.port != defaultPort {
		host = net.JoinHostPort(c.hostName, strconv.Itoa(c.port))
	}

	return fmt.Sprintf("%s://%s/%s", scheme, host, c.baseDirectory)
}

// ConnectionState returns the channel's current state without blocking on any
// in-flight request.
func (c *WebChannel) ConnectionState() types.ConnectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	return c.state
}

// AuthenticationProvider returns the currently configured provider, nil when
// the channel is anonymous.
func (c *WebChannel) AuthenticationProvider() types.AuthenticationProvider {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	return c.authProvider
}

// SetAuthenticationProvider replaces the channel's provider for subsequent
// requests. In-flight requests keep the provider they started with.
func (c *WebChannel) SetAuthenticationProvider(provider types.AuthenticationProvider) {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	c.authProvider = provider
}

// currentProvider returns the provider transfers should use right now: the
// scoped override when one execute call supplied it, otherwise the configured
// provider.
func (c *WebChannel) currentProvider() types.AuthenticationProvider {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	if c.overrideProvider != nil {
		return c.overrideProvider
	}

	return c.authProvider
}

// setOverrideProvider installs or clears the scoped provider override.
func (c *WebChannel) setOverrideProvider(provider types.AuthenticationProvider) {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	c.overrideProvider = provider
}

// Cancel cooperatively stops the channel: in-flight transfers are aborted and
// no further attempts or backoff sleeps are started. Safe to call from any
// goroutine, repeatedly.
func (c *WebChannel) Cancel() {
	c.shutdownCancel()
}

// setState records a state transition, notifying the registered handler and
// the metrics gauge when the state actually changes. The handler runs outside
// the state lock so it may read channel state freely.
func (c *WebChannel) setState(state types.ConnectionState) {
	c.stateMu.Lock()
	previous := c.state
	c.state = state
	c.stateMu.Unlock()

	if previous == state {
		return
	}

	metrics.RecordConnectionState(c.hostName, int(state))

	if c.onStateChange != nil {
		c.onStateChange(previous, state)
	}
}

// ExecuteRequest runs the request against the endpoint, retrying transient
// failures up to maxRetries additional attempts. A negative maxRetries means
// unlimited: the request is retried until it succeeds or the channel is
// canceled. Cancellation observed between attempts or during a backoff sleep
// halts execution without an error.
//
// Terminal failures (authorization after one silent re-authentication, not
// found, request too large, rate limiting) surface immediately regardless of
// the retry budget. First-seen 405 and 417 responses switch the host into the
// matching compatibility mode and retry without consuming the budget.
func (c *WebChannel) ExecuteRequest(ctx context.Context, request types.Request, maxRetries int) error {
	return c.execute(ctx, request, maxRetries, nil)
}

// ExecuteRequestWithProvider runs the request exactly like ExecuteRequest but
// authenticates it with the supplied provider instead of the configured one.
// The override is scoped to this call; the configured provider is never
// touched, so concurrent observers of the channel see consistent state.
func (c *WebChannel) ExecuteRequestWithProvider(ctx context.Context, request types.Request, maxRetries int, provider types.AuthenticationProvider) error {
	return c.execute(ctx, request, maxRetries, provider)
}

func (c *WebChannel) execute(ctx context.Context, request types.Request, maxRetries int, override types.AuthenticationProvider) error {
	provider := override
	if provider == nil {
		provider = c.AuthenticationProvider()
	}

	if request.RequiresAuthentication() && provider == nil {
		return ErrNoAuthenticationProvider
	}

	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	c.supportsAuth = request.SupportsAuthentication()
	defer func() { c.supportsAuth = true }()

	if override != nil {
		c.setOverrideProvider(override)
		defer c.setOverrideProvider(nil)
	}

	// Bind the caller's context to the channel lifetime so Cancel aborts
	// in-flight transfers and sleeps.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(c.shutdownCtx, cancel)
	defer stop()

	var (
		failures        int
		retryDelay      time.Duration
		lastAttemptAuth bool
	)

	for {
		if ctx.Err() != nil {
			c.logger.WithField("uri", c.EntryURI()).Debug("Request canceled before attempt, abandoning execution")

			return nil
		}

		if c.ConnectionState() == types.ConnectionStateDisconnected {
			c.setState(types.ConnectionStateConnecting)
		} else {
			c.setState(types.ConnectionStateTransferringData)
		}

		// Authenticating up front when we know we aren't authenticated avoids
		// a guaranteed 401 round trip.
		if request.RequiresAuthentication() && !lastAttemptAuth && !provider.IsAuthenticated() {
			lastAttemptAuth = true

			if err := c.authenticateWith(ctx, provider); err != nil {
				var authErr *AuthorizationError
				if errors.As(err, &authErr) {
					metrics.RecordRequestFailure(c.hostName, "authorization")

					return err
				}

				c.logger.WithError(err).Debug("Proactive authentication failed, attempting request anyway")
			}
		}

		metrics.RecordRequestAttempt(c.hostName)

		err := request.ProcessRequest(ctx, c)
		if err == nil {
			c.setState(types.ConnectionStateConnected)

			return nil
		}

		// The attempt we just made was a real request, so a 401 on the next
		// attempt is again eligible for one silent re-authentication.
		precededByAuth := lastAttemptAuth
		lastAttemptAuth = false

		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			switch httpErr.StatusCode {
			case http.StatusRequestEntityTooLarge:
				metrics.RecordRequestFailure(c.hostName, "too-large")

				return &RequestTooLargeError{URI: httpErr.URI, Err: err}

			case http.StatusNotFound:
				metrics.RecordRequestFailure(c.hostName, "not-found")

				return &NotFoundError{URI: httpErr.URI, Err: err}

			case http.StatusUnauthorized:
				// One silent re-authentication per 401; a second 401 with no
				// intervening non-auth attempt surfaces instead of looping.
				if provider != nil && request.SupportsAuthentication() && !precededByAuth {
					lastAttemptAuth = true

					if authErr := c.authenticateWith(ctx, provider); authErr == nil {
						continue
					}
				}

				metrics.RecordRequestFailure(c.hostName, "authorization")

				return &AuthorizationError{URI: httpErr.URI, Err: err}

			case http.StatusMethodNotAllowed:
				if c.capabilities.RecordMethodOverride(c.hostName) {
					metrics.RecordCompatibilitySwitch(c.hostName, "method-override")

					continue
				}

			case http.StatusExpectationFailed:
				if c.capabilities.RecordHTTP10(c.hostName) {
					metrics.RecordCompatibilitySwitch(c.hostName, "http10")

					continue
				}

			case http.StatusTooManyRequests:
				metrics.RecordRequestFailure(c.hostName, "rate-limit")

				return &RateLimitError{
					URI:        httpErr.URI,
					RetryAfter: httpErr.RetryAfter,
					Timestamp:  time.Now(),
					Err:        err,
				}
			}
		}

		// Everything else is a transient transport failure: count it, drop
		// the connection, and retry if budget remains.
		failures++

		c.setState(types.ConnectionStateDisconnected)

		c.logger.WithFields(logrus.Fields{
			"failures": failures,
			"error":    err,
		}).Debug("Request attempt failed")

		if ctx.Err() != nil {
			c.logger.Debug("Request canceled after failed attempt, abandoning execution")

			return nil
		}

		if maxRetries >= 0 && failures > maxRetries {
			return c.classifyExhaustedError(err)
		}

		retryDelay = nextRetryDelay(retryDelay)

		c.logger.WithField("delay", retryDelay).Debug("Waiting before retrying request")

		select {
		case <-time.After(retryDelay):
			metrics.RecordRequestRetry(c.hostName)
		case <-ctx.Done():
			c.logger.Debug("Request canceled during backoff, abandoning execution")

			return nil
		}
	}
}

// classifyExhaustedError translates the final transport error once the retry
// budget is spent, distinguishing unreachable servers and timeouts from
// generic failures.
func (c *WebChannel) classifyExhaustedError(err error) error {
	uri := c.EntryURI()

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		uri = httpErr.URI
	}

	switch {
	case isConnectFailure(err):
		metrics.RecordRequestFailure(c.hostName, "connect-failure")

		return &ConnectFailureError{URI: uri, Err: err}
	case isTimeout(err):
		metrics.RecordRequestFailure(c.hostName, "timeout")

		return &TimeoutError{URI: uri, Err: err}
	default:
		metrics.RecordRequestFailure(c.hostName, "generic")

		return &Error{URI: uri, Err: err}
	}
}

// isConnectFailure reports whether the error means the server could not be
// reached at all: DNS resolution failed or the connection was refused/reset.
func isConnectFailure(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}

// isTimeout reports whether the error is a deadline expiry rather than a
// server-originated failure.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

// Authenticate establishes the configured provider's session with the
// server. A 401 or 404 raised by the provider's own transfers is translated
// to the same classified errors used during normal execution.
func (c *WebChannel) Authenticate(ctx context.Context) error {
	return c.authenticateWith(ctx, c.currentProvider())
}

func (c *WebChannel) authenticateWith(ctx context.Context, provider types.AuthenticationProvider) error {
	if provider == nil {
		return ErrNoAuthenticationProvider
	}

	c.logger.Debug("Authenticating channel with configured provider")

	err := provider.Login(ctx, c)
	if err == nil {
		return nil
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &AuthorizationError{URI: httpErr.URI, Err: err}
		case http.StatusNotFound:
			return &NotFoundError{URI: httpErr.URI, Err: err}
		}
	}

	return fmt.Errorf("authentication failed: %w", err)
}

// DownloadData performs a GET for the provided relative path and returns the
// raw response body.
func (c *WebChannel) DownloadData(ctx context.Context, relativeURL string, accept string) ([]byte, error) {
	return c.roundTrip(ctx, http.MethodGet, relativeURL, "", accept, nil)
}

// UploadData sends the provided body with the requested method and content
// type, returning the raw response body.
func (c *WebChannel) UploadData(ctx context.Context, relativeURL string, method string, contentType string, data []byte) ([]byte, error) {
	return c.roundTrip(ctx, method, relativeURL, contentType, "", data)
}

// UploadForm posts the provided values as a URL-encoded form.
func (c *WebChannel) UploadForm(ctx context.Context, relativeURL string, form url.Values) ([]byte, error) {
	return c.roundTrip(
		ctx,
		http.MethodPost,
		relativeURL,
		"application/x-www-form-urlencoded",
		"",
		[]byte(form.Encode()),
	)
}

// DeleteData removes the resource at the provided relative path.
func (c *WebChannel) DeleteData(ctx context.Context, relativeURL string) error {
	_, err := c.roundTrip(ctx, http.MethodDelete, relativeURL, "", "", nil)

	return err
}

// resolveURL combines the endpoint base address with a relative path.
func (c *WebChannel) resolveURL(relativeURL string) string {
	return c.EntryURI() + strings.TrimPrefix(relativeURL, "/")
}

// roundTrip performs a single HTTP exchange with the endpoint, applying the
// channel's standard headers, learned compatibility behavior, and the
// authentication provider's per-request decoration. Responses outside the 2xx
// range come back as an *HTTPError for the caller to classify.
func (c *WebChannel) roundTrip(ctx context.Context, method, relativeURL, contentType, accept string, body []byte) ([]byte, error) {
	fullURL := c.resolveURL(relativeURL)
	caps := c.capabilities.Get(c.hostName)

	effectiveMethod := method
	overrideMethod := ""

	if caps.UseMethodOverride && (method == http.MethodPut || method == http.MethodDelete) {
		effectiveMethod = http.MethodPost
		overrideMethod = method
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, effectiveMethod, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(headerRequestTimestamp, time.Now().UTC().Format(time.RFC3339))
	req.Header.Set(headerRequestAppProtocol, c.appProtocolVersion)

	if overrideMethod != "" {
		req.Header.Set(headerRequestMethod, overrideMethod)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	if caps.UseHTTP10 {
		// Persistent connections are what the broken intermediaries choke
		// on, so close after each exchange.
		req.Close = true
	}

	if provider := c.currentProvider(); provider != nil {
		if err := provider.PreProcessRequest(ctx, c, req, c.supportsAuth); err != nil {
			return nil, fmt.Errorf("failed to prepare request authentication: %w", err)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"method": effectiveMethod,
		"uri":    fullURL,
	}).Debug("Executing request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", fullURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", fullURL, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			URI:        fullURL,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return data, nil
}

// parseRetryAfter interprets a Retry-After header as either a delay in
// seconds or an HTTP date, returning zero when absent or malformed.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}

	if when, err := http.ParseTime(value); err == nil {
		if delay := time.Until(when); delay > 0 {
			return delay
		}
	}

	return 0
}
