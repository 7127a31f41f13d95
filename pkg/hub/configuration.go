package hub

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gibraltar-software/loupe/pkg/types"
)

// configurationPath is the anonymous discovery document every hub serves. It
// doubles as a liveness ping.
const configurationPath = "Configuration.xml"

// Hub status values as they appear in the configuration document.
const (
	statusValueAvailable   = "available"
	statusValueExpired     = "expired"
	statusValueMaintenance = "maintenance"
)

// ServerConfiguration is the parsed form of a hub's configuration document.
// It is immutable once parsed and consumed exactly once per connection
// attempt.
type ServerConfiguration struct {
	Status          types.HubStatus
	RepositoryID    uuid.UUID
	ExpirationDt    time.Time
	PublicKey       string
	ProtocolVersion string

	RedirectRequested                bool
	RedirectServerName               string
	RedirectPort                     int
	RedirectUseSSL                   bool
	RedirectApplicationBaseDirectory string
	RedirectCustomerName             string

	// AgentLiveStream and ClientLiveStream are nil when the server does not
	// advertise live streaming.
	AgentLiveStream  *types.NetworkConnectionOptions
	ClientLiveStream *types.NetworkConnectionOptions
}

// hubConfigurationXML mirrors the wire schema of the configuration document.
type hubConfigurationXML struct {
	XMLName           xml.Name       `xml:"HubConfigurationXml"`
	ID                string         `xml:"id,attr"`
	Status            string         `xml:"status,attr"`
	TimeToLive        int            `xml:"timeToLive,attr"`
	RedirectRequested bool           `xml:"redirectRequested,attr"`
	ProtocolVersion   string         `xml:"protocolVersion,attr"`
	ExpirationDt      string         `xml:"expirationDt,attr"`
	PublicKey         string         `xml:"publicKey"`
	Redirect          *redirectXML   `xml:"redirectConfiguration"`
	LiveStream        *liveStreamXML `xml:"liveStream"`
}

type redirectXML struct {
	ServerName               string `xml:"serverName,attr"`
	Port                     int    `xml:"port,attr"`
	UseGibraltarSds          bool   `xml:"useGibraltarSds,attr"`
	UseSSL                   bool   `xml:"useSsl,attr"`
	ApplicationBaseDirectory string `xml:"applicationBaseDirectory,attr"`
	CustomerName             string `xml:"customerName,attr"`
}

type liveStreamXML struct {
	AgentPort  int  `xml:"agentPort,attr"`
	ClientPort int  `xml:"clientPort,attr"`
	UseSSL     bool `xml:"useSsl,attr"`
}

// parseServerConfiguration decodes a configuration document, tolerating the
// optional fields older servers omit.
func parseServerConfiguration(data []byte, serverName string) (*ServerConfiguration, error) {
	var doc hubConfigurationXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse server configuration document: %w", err)
	}

	cfg := &ServerConfiguration{
		Status:            parseHubStatus(doc.Status),
		PublicKey:         strings.TrimSpace(doc.PublicKey),
		ProtocolVersion:   strings.TrimSpace(doc.ProtocolVersion),
		RedirectRequested: doc.RedirectRequested,
	}

	if doc.ID != "" {
		if id, err := uuid.Parse(doc.ID); err == nil {
			cfg.RepositoryID = id
		}
	}

	if doc.ExpirationDt != "" {
		if expiration, err := time.Parse(time.RFC3339, doc.ExpirationDt); err == nil {
			cfg.ExpirationDt = expiration
		}
	}

	if redirect := doc.Redirect; redirect != nil {
		cfg.RedirectServerName = redirect.ServerName
		cfg.RedirectPort = redirect.Port
		cfg.RedirectUseSSL = redirect.UseSSL
		cfg.RedirectApplicationBaseDirectory = redirect.ApplicationBaseDirectory
		cfg.RedirectCustomerName = redirect.CustomerName
	}

	if stream := doc.LiveStream; stream != nil {
		cfg.AgentLiveStream = &types.NetworkConnectionOptions{
			HostName: serverName,
			Port:     stream.AgentPort,
			UseSSL:   stream.UseSSL,
		}
		cfg.ClientLiveStream = &types.NetworkConnectionOptions{
			HostName: serverName,
			Port:     stream.ClientPort,
			UseSSL:   stream.UseSSL,
		}
	}

	return cfg, nil
}

// parseHubStatus maps the document's status value onto HubStatus.
func parseHubStatus(value string) types.HubStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case statusValueAvailable:
		return types.HubStatusAvailable
	case statusValueExpired:
		return types.HubStatusExpired
	case statusValueMaintenance:
		return types.HubStatusMaintenance
	default:
		return types.HubStatusUnknown
	}
}

// protocolVersionAtLeast compares dotted protocol versions numerically,
// segment by segment. Unparsable segments compare as zero.
func protocolVersionAtLeast(version, minimum string) bool {
	have := parseProtocolVersion(version)
	want := parseProtocolVersion(minimum)

	for i := 0; i < len(have) || i < len(want); i++ {
		h, w := 0, 0
		if i < len(have) {
			h = have[i]
		}

		if i < len(want) {
			w = want[i]
		}

		if h != w {
			return h > w
		}
	}

	return true
}

func parseProtocolVersion(version string) []int {
	segments := strings.Split(strings.TrimSpace(version), ".")
	parsed := make([]int, 0, len(segments))

	for _, segment := range segments {
		value, err := strconv.Atoi(segment)
		if err != nil {
			value = 0
		}

		parsed = append(parsed, value)
	}

	return parsed
}
