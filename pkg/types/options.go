package types

import (
	"fmt"
	"net"
)

// NetworkConnectionOptions describes a live-stream proxy endpoint advertised by
// a hub's configuration document. The hub advertises separate endpoints for
// agents publishing data and for viewers consuming it.
type NetworkConnectionOptions struct {
	HostName string // DNS name or address of the live-stream endpoint.
	Port     int    // TCP port of the live-stream endpoint.
	UseSSL   bool   // Whether the endpoint expects TLS.
}

// String renders the endpoint as a URL-style address for logging.
func (o NetworkConnectionOptions) String() string {
	scheme := "tcp"
	if o.UseSSL {
		scheme = "tls"
	}

	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(o.HostName, fmt.Sprint(o.Port)))
}
