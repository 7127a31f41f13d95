package types

import (
	"context"
	"net/url"
)

// Channel is the transfer surface a request or authentication provider uses to
// talk to a single hub endpoint. Implementations bind a fixed scheme, host,
// port, and base path; callers supply paths relative to that base.
type Channel interface {
	// EntryURI returns the fully qualified base address of the endpoint,
	// including the application base directory.
	EntryURI() string

	// HostName returns the DNS name or address of the remote server.
	HostName() string

	// DownloadData performs a GET for the provided relative path and returns
	// the raw response body. An empty accept string requests any content type.
	DownloadData(ctx context.Context, relativeURL string, accept string) ([]byte, error)

	// UploadData sends the provided body with the requested method and content
	// type and returns the raw response body, which may be empty.
	UploadData(ctx context.Context, relativeURL string, method string, contentType string, data []byte) ([]byte, error)

	// UploadForm posts the provided values as a URL-encoded form and returns
	// the raw response body.
	UploadForm(ctx context.Context, relativeURL string, form url.Values) ([]byte, error)

	// DeleteData removes the resource at the provided relative path.
	DeleteData(ctx context.Context, relativeURL string) error
}

// Request is a single-use operation executed against a channel.
//
// Requests are value-like: they own no connection state, and the channel never
// retains a reference once ProcessRequest returns.
type Request interface {
	// RequiresAuthentication indicates the request cannot succeed anonymously.
	// Executing such a request on a channel with no authentication provider
	// fails immediately without a round trip.
	RequiresAuthentication() bool

	// SupportsAuthentication indicates the request may carry credentials when
	// they are available. Requests that must stay anonymous return false and
	// have identity headers stripped.
	SupportsAuthentication() bool

	// ProcessRequest performs the request's transfers against the channel.
	ProcessRequest(ctx context.Context, c Channel) error
}
