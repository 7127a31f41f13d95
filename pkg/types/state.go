package types

// ConnectionState represents the lifecycle of a web channel.
//
// A channel starts Disconnected, moves to Connecting when a request is first
// attempted, Connected once a request has completed, and TransferringData while
// an already-connected channel is executing another request. Any unrecoverable
// transport error drops the channel back to Disconnected.
type ConnectionState int

const (
	// ConnectionStateDisconnected indicates no live connection to the server.
	ConnectionStateDisconnected ConnectionState = iota
	// ConnectionStateConnecting indicates a request is being attempted on a
	// previously disconnected channel.
	ConnectionStateConnecting
	// ConnectionStateConnected indicates the last request completed successfully.
	ConnectionStateConnected
	// ConnectionStateTransferringData indicates a request is executing on an
	// already-connected channel.
	ConnectionStateTransferringData
)

// String returns the human-readable name of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "Disconnected"
	case ConnectionStateConnecting:
		return "Connecting"
	case ConnectionStateConnected:
		return "Connected"
	case ConnectionStateTransferringData:
		return "TransferringData"
	default:
		return "Unknown"
	}
}

// HubStatus reflects the operational status of a hub as reported by its
// configuration document during the most recent connection resolution.
type HubStatus int

const (
	// HubStatusUnknown indicates no resolution has completed yet.
	HubStatusUnknown HubStatus = iota
	// HubStatusAvailable indicates the hub is reachable and accepting data.
	HubStatusAvailable
	// HubStatusExpired indicates the hub's license or subscription has lapsed.
	// The hosted service also reports this status for an unknown customer name.
	HubStatusExpired
	// HubStatusMaintenance indicates the hub is reachable but not currently
	// accepting data.
	HubStatusMaintenance
)

// String returns the human-readable name of the hub status.
func (s HubStatus) String() string {
	switch s {
	case HubStatusUnknown:
		return "Unknown"
	case HubStatusAvailable:
		return "Available"
	case HubStatusExpired:
		return "Expired"
	case HubStatusMaintenance:
		return "Maintenance"
	default:
		return "Unknown"
	}
}
