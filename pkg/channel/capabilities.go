package channel

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// HostCapabilities records durable facts learned about the infrastructure in
// front of a host. Once a deployment demonstrates a quirk it never un-learns
// it for the life of the process, so the flags only ever turn on.
type HostCapabilities struct {
	// UseMethodOverride indicates an intermediary rejects PUT and DELETE, so
	// they must be sent as POST with an X-Request-Method override header.
	UseMethodOverride bool
	// UseHTTP10 indicates an intermediary mishandles Expect/keep-alive
	// semantics, so requests must avoid persistent connections.
	UseHTTP10 bool
}

// CapabilityRegistry tracks host capabilities by server name. A process-wide
// default registry is shared by all channels so that one channel's discovery
// benefits every other channel talking to the same deployment; tests inject
// their own registry to stay isolated.
type CapabilityRegistry struct {
	mu    sync.Mutex
	hosts map[string]HostCapabilities
}

// DefaultCapabilities is the process-wide registry used by channels that are
// not given an explicit one.
var DefaultCapabilities = NewCapabilityRegistry()

// NewCapabilityRegistry creates an empty capability registry.
func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{hosts: make(map[string]HostCapabilities)}
}

// Get returns the capabilities recorded for the host, zero-valued when the
// host has not demonstrated any quirks.
func (r *CapabilityRegistry) Get(hostName string) HostCapabilities {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.hosts[hostName]
}

// RecordMethodOverride marks the host as requiring the POST method override.
// It returns false if the host was already marked, letting the caller tell a
// first discovery from a repeat failure.
func (r *CapabilityRegistry) RecordMethodOverride(hostName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	caps := r.hosts[hostName]
	if caps.UseMethodOverride {
		return false
	}

	caps.UseMethodOverride = true
	r.hosts[hostName] = caps

	logrus.WithField("host", hostName).
		Warn("Server does not support PUT/DELETE, switching to POST with method override for this host")

	return true
}

// RecordHTTP10 marks the host as requiring HTTP/1.0 style requests. It returns
// false if the host was already marked.
func (r *CapabilityRegistry) RecordHTTP10(hostName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	caps := r.hosts[hostName]
	if caps.UseHTTP10 {
		return false
	}

	caps.UseHTTP10 = true
	r.hosts[hostName] = caps

	logrus.WithField("host", hostName).
		Warn("Server intermediary mishandles request expectations, disabling persistent connections for this host")

	return true
}
