package hub

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gibraltar-software/loupe/pkg/channel"
	"github.com/gibraltar-software/loupe/pkg/types"
)

// ClientRepository describes a client-side session repository registered with
// the hub so the server can correlate uploaded session data with an account.
type ClientRepository struct {
	ID           uuid.UUID
	HostName     string
	ComputerKey  string
	CreatedDt    time.Time
	CurrentAgent string
}

// clientRepositoryXML mirrors the registration document uploaded to the hub.
type clientRepositoryXML struct {
	XMLName      xml.Name `xml:"ClientRepositoryXml"`
	ID           string   `xml:"id,attr"`
	HostName     string   `xml:"hostName,attr"`
	ComputerKey  string   `xml:"computerKey,attr"`
	CreatedDt    string   `xml:"createdDt,attr"`
	CurrentAgent string   `xml:"currentAgentVersion,attr"`
}

// configurationGetRequest fetches the hub's configuration document. The
// endpoint is anonymous-accessible, but the request still carries credentials
// when the channel has them so servers that lock down everything can answer.
type configurationGetRequest struct {
	channel.RequestBase

	configuration *ServerConfiguration
}

func newConfigurationGetRequest() *configurationGetRequest {
	return &configurationGetRequest{RequestBase: channel.NewRequestBase(false, true)}
}

// ProcessRequest downloads and parses the configuration document.
func (r *configurationGetRequest) ProcessRequest(ctx context.Context, c types.Channel) error {
	data, err := c.DownloadData(ctx, configurationPath, "application/xml")
	if err != nil {
		return err
	}

	configuration, err := parseServerConfiguration(data, c.HostName())
	if err != nil {
		return err
	}

	r.configuration = configuration

	return nil
}

// repositoryUploadRequest registers or updates a client repository on the
// hub. It supports authentication without requiring it because the required
// scheme depends on the server's configuration.
type repositoryUploadRequest struct {
	channel.RequestBase

	repository ClientRepository
}

func newRepositoryUploadRequest(repository ClientRepository) *repositoryUploadRequest {
	return &repositoryUploadRequest{
		RequestBase: channel.NewRequestBase(false, true),
		repository:  repository,
	}
}

// ProcessRequest uploads the registration document.
func (r *repositoryUploadRequest) ProcessRequest(ctx context.Context, c types.Channel) error {
	doc := clientRepositoryXML{
		ID:           r.repository.ID.String(),
		HostName:     r.repository.HostName,
		ComputerKey:  r.repository.ComputerKey,
		CurrentAgent: r.repository.CurrentAgent,
	}

	if !r.repository.CreatedDt.IsZero() {
		doc.CreatedDt = r.repository.CreatedDt.UTC().Format(time.RFC3339)
	}

	data, err := xml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to serialize client repository document: %w", err)
	}

	_, err = c.UploadData(
		ctx,
		fmt.Sprintf("Repositories/%s/Repository.xml", r.repository.ID),
		http.MethodPut,
		"application/xml",
		append([]byte(xml.Header), data...),
	)

	return err
}
