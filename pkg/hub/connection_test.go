package hub_test

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/gibraltar-software/loupe/pkg/channel"
	"github.com/gibraltar-software/loupe/pkg/hub"
	"github.com/gibraltar-software/loupe/pkg/types"
)

func TestHub(t *testing.T) {
	gomega.RegisterFailHandler(ginkgo.Fail)
	ginkgo.RunSpecs(t, "Hub Suite")
}

const availableConfiguration = `<HubConfigurationXml
	id="af5b2c7a-2ba8-4d54-b317-6a54a4bb4d26" status="available"
	timeToLive="60" protocolVersion="1.2" expirationDt="2027-01-01T00:00:00Z">
	<publicKey>key-data</publicKey>
	<liveStream agentPort="29971" clientPort="29972" useSsl="false"/>
</HubConfigurationXml>`

func redirectConfiguration(serverName string, port int, baseDirectory string) string {
	return fmt.Sprintf(
		`<HubConfigurationXml status="available" redirectRequested="true">
			<redirectConfiguration serverName="%s" port="%d" useSsl="false" applicationBaseDirectory="%s"/>
		</HubConfigurationXml>`,
		serverName, port, baseDirectory,
	)
}

func statusConfiguration(status, protocolVersion string) string {
	return fmt.Sprintf(
		`<HubConfigurationXml status="%s" protocolVersion="%s"/>`,
		status, protocolVersion,
	)
}

// serverSettings points connection settings at a ghttp server.
func serverSettings(server *ghttp.Server) hub.Settings {
	serverURL, err := url.Parse(server.URL())
	gomega.Expect(err).NotTo(gomega.HaveOccurred())

	port, err := strconv.Atoi(serverURL.Port())
	gomega.Expect(err).NotTo(gomega.HaveOccurred())

	return hub.Settings{Server: serverURL.Hostname(), Port: port}
}

func newConnection(settings hub.Settings, mutate func(*hub.ConnectionConfig)) *hub.Connection {
	config := hub.ConnectionConfig{
		Settings:           settings,
		ClientRepositoryID: uuid.MustParse("01234567-89ab-cdef-0123-456789abcdef"),
		Capabilities:       channel.NewCapabilityRegistry(),
	}
	if mutate != nil {
		mutate(&config)
	}

	conn, err := hub.NewConnection(config)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())

	return conn
}

var _ = ginkgo.Describe("Connection", func() {
	var server *ghttp.Server

	ginkgo.BeforeEach(func() {
		server = ghttp.NewServer()
	})

	ginkgo.AfterEach(func() {
		server.Close()
	})

	ginkgo.When("creating a connection", func() {
		ginkgo.It("rejects invalid settings immediately", func() {
			_, err := hub.NewConnection(hub.ConnectionConfig{})
			gomega.Expect(err).To(gomega.HaveOccurred())
		})

		ginkgo.It("reports the configured entry URI before any resolution", func() {
			conn := newConnection(hub.Settings{Server: "hub.example.com", Port: 8080}, nil)
			gomega.Expect(conn.EntryURI()).To(gomega.Equal("http://hub.example.com:8080/Hub/"))
		})
	})

	ginkgo.When("the server is available", func() {
		ginkgo.It("connects and caches the server's configuration", func() {
			server.AppendHandlers(
				ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodGet, "/Hub/Configuration.xml"),
					ghttp.RespondWith(http.StatusOK, availableConfiguration),
				),
			)

			conn := newConnection(serverSettings(server), nil)
			defer conn.Close()

			canConnect, err := conn.CanConnect(context.Background())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(canConnect).To(gomega.BeTrue())

			gomega.Expect(conn.Status()).To(gomega.Equal(types.HubStatusAvailable))
			gomega.Expect(conn.StatusMessage()).To(gomega.BeEmpty())
			gomega.Expect(conn.ProtocolVersion()).To(gomega.Equal("1.2"))
			gomega.Expect(conn.PublicKey()).To(gomega.Equal("key-data"))
			gomega.Expect(conn.ServerRepositoryID()).To(
				gomega.Equal(uuid.MustParse("af5b2c7a-2ba8-4d54-b317-6a54a4bb4d26")),
			)

			agentStream := conn.AgentLiveStreamOptions()
			gomega.Expect(agentStream).NotTo(gomega.BeNil())
			gomega.Expect(agentStream.Port).To(gomega.Equal(29971))
		})

		ginkgo.It("reuses the live channel on later checks", func() {
			server.AppendHandlers(
				ghttp.RespondWith(http.StatusOK, availableConfiguration),
				ghttp.RespondWith(http.StatusOK, availableConfiguration),
			)

			conn := newConnection(serverSettings(server), nil)
			defer conn.Close()

			first, err := conn.CanConnect(context.Background())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(first).To(gomega.BeTrue())

			second, err := conn.CanConnect(context.Background())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(second).To(gomega.BeTrue())
			gomega.Expect(server.ReceivedRequests()).To(gomega.HaveLen(2))
		})

		ginkgo.It("honors the configured retry budget when fetching configuration", func() {
			server.AppendHandlers(
				ghttp.RespondWith(http.StatusInternalServerError, ""),
				ghttp.RespondWith(http.StatusInternalServerError, ""),
				ghttp.RespondWith(http.StatusOK, availableConfiguration),
			)

			conn := newConnection(serverSettings(server), func(config *hub.ConnectionConfig) {
				config.MaxRetries = 2
			})
			defer conn.Close()

			canConnect, err := conn.CanConnect(context.Background())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(canConnect).To(gomega.BeTrue())
			gomega.Expect(server.ReceivedRequests()).To(gomega.HaveLen(3))
		})

		ginkgo.It("delivers the same answer asynchronously", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, availableConfiguration))

			conn := newConnection(serverSettings(server), nil)
			defer conn.Close()

			result := <-conn.CanConnectAsync(context.Background())
			gomega.Expect(result.Err).NotTo(gomega.HaveOccurred())
			gomega.Expect(result.CanConnect).To(gomega.BeTrue())
			gomega.Expect(result.Status).To(gomega.Equal(types.HubStatusAvailable))
		})
	})

	ginkgo.When("the server reports a non-available status", func() {
		ginkgo.It("maps an expired license on a private server", func() {
			server.AppendHandlers(
				ghttp.RespondWith(http.StatusOK, statusConfiguration("expired", "1.2")),
			)

			conn := newConnection(serverSettings(server), nil)
			defer conn.Close()

			canConnect, err := conn.CanConnect(context.Background())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(canConnect).To(gomega.BeFalse())
			gomega.Expect(conn.Status()).To(gomega.Equal(types.HubStatusExpired))
			gomega.Expect(conn.StatusMessage()).To(gomega.ContainSubstring("license"))
		})

		ginkgo.It("maps a maintenance window", func() {
			server.AppendHandlers(
				ghttp.RespondWith(http.StatusOK, statusConfiguration("maintenance", "1.2")),
			)

			conn := newConnection(serverSettings(server), nil)
			defer conn.Close()

			canConnect, err := conn.CanConnect(context.Background())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(canConnect).To(gomega.BeFalse())
			gomega.Expect(conn.Status()).To(gomega.Equal(types.HubStatusMaintenance))
		})

		ginkgo.It("treats a server below the minimum protocol as unusable", func() {
			server.AppendHandlers(
				ghttp.RespondWith(http.StatusOK, statusConfiguration("available", "0.9")),
			)

			conn := newConnection(serverSettings(server), nil)
			defer conn.Close()

			canConnect, err := conn.CanConnect(context.Background())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(canConnect).To(gomega.BeFalse())
			gomega.Expect(conn.Status()).To(gomega.Equal(types.HubStatusMaintenance))
			gomega.Expect(conn.StatusMessage()).To(gomega.ContainSubstring("protocol"))
		})
	})

	ginkgo.When("the server cannot answer", func() {
		ginkgo.It("maps a missing directory on a private server", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusNotFound, ""))

			conn := newConnection(serverSettings(server), nil)
			defer conn.Close()

			canConnect, err := conn.CanConnect(context.Background())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(canConnect).To(gomega.BeFalse())
			gomega.Expect(conn.Status()).To(gomega.Equal(types.HubStatusMaintenance))
			gomega.Expect(conn.StatusMessage()).To(gomega.Equal(
				"The server does not support this service or the specified directory is not valid.",
			))
		})

		ginkgo.It("maps an unreachable server", func() {
			settings := serverSettings(server)
			server.Close()

			conn := newConnection(settings, nil)
			defer conn.Close()

			canConnect, err := conn.CanConnect(context.Background())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(canConnect).To(gomega.BeFalse())
			gomega.Expect(conn.Status()).To(gomega.Equal(types.HubStatusUnknown))
			gomega.Expect(conn.StatusMessage()).To(gomega.ContainSubstring("could not be contacted"))
		})

		ginkgo.It("refuses to run with a canceled context", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			conn := newConnection(serverSettings(server), nil)
			defer conn.Close()

			_, err := conn.CanConnect(ctx)
			gomega.Expect(err).To(gomega.MatchError(context.Canceled))
		})

		ginkgo.It("reports cancellation that interrupts the configuration fetch", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			server.AppendHandlers(func(w http.ResponseWriter, _ *http.Request) {
				cancel()
				w.WriteHeader(http.StatusInternalServerError)
			})

			conn := newConnection(serverSettings(server), nil)
			defer conn.Close()

			canConnect, err := conn.CanConnect(ctx)
			gomega.Expect(err).To(gomega.MatchError(context.Canceled))
			gomega.Expect(canConnect).To(gomega.BeFalse())
		})
	})

	ginkgo.When("the server issues a redirect", func() {
		var target *ghttp.Server

		ginkgo.BeforeEach(func() {
			target = ghttp.NewServer()
		})

		ginkgo.AfterEach(func() {
			target.Close()
		})

		ginkgo.It("follows the redirect to the target server", func() {
			targetURL, err := url.Parse(target.URL())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())

			targetPort, err := strconv.Atoi(targetURL.Port())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())

			server.AppendHandlers(
				ghttp.RespondWith(http.StatusOK, redirectConfiguration(targetURL.Hostname(), targetPort, "Relay")),
			)
			target.AppendHandlers(
				ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodGet, "/Relay/Hub/Configuration.xml"),
					ghttp.RespondWith(http.StatusOK, availableConfiguration),
				),
			)

			conn := newConnection(serverSettings(server), nil)
			defer conn.Close()

			canConnect, err := conn.CanConnect(context.Background())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(canConnect).To(gomega.BeTrue())
			gomega.Expect(conn.EntryURI()).To(gomega.Equal(
				fmt.Sprintf("http://%s:%d/Relay/Hub/", targetURL.Hostname(), targetPort),
			))
		})

		ginkgo.It("re-resolves from the original server when a redirected server degrades", func() {
			targetURL, err := url.Parse(target.URL())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())

			targetPort, err := strconv.Atoi(targetURL.Port())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())

			settings := serverSettings(server)

			server.AppendHandlers(
				ghttp.RespondWith(http.StatusOK, redirectConfiguration(targetURL.Hostname(), targetPort, "Relay")),
			)
			target.AppendHandlers(
				ghttp.RespondWith(http.StatusOK, availableConfiguration),
				ghttp.RespondWith(http.StatusOK, statusConfiguration("maintenance", "1.2")),
			)

			conn := newConnection(settings, nil)
			defer conn.Close()

			first, err := conn.CanConnect(context.Background())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(first).To(gomega.BeTrue())

			// The redirected server enters maintenance while the original has
			// recovered; the next check must come back through the original
			// configuration instead of trusting the degraded server.
			server.RouteToHandler(
				http.MethodGet, "/Hub/Configuration.xml",
				ghttp.RespondWith(http.StatusOK, availableConfiguration),
			)

			second, err := conn.CanConnect(context.Background())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(second).To(gomega.BeTrue())
			gomega.Expect(conn.EntryURI()).To(gomega.Equal(
				fmt.Sprintf("http://%s:%d/Hub/", settings.Server, settings.Port),
			))
		})

		ginkgo.It("stops a circular redirect chain", func() {
			settings := serverSettings(server)

			// The server redirects to itself at the same path forever.
			server.RouteToHandler(
				http.MethodGet, "/Hub/Configuration.xml",
				ghttp.RespondWith(http.StatusOK, redirectConfiguration(settings.Server, settings.Port, "")),
			)

			conn := newConnection(settings, nil)
			defer conn.Close()

			canConnect, err := conn.CanConnect(context.Background())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(canConnect).To(gomega.BeFalse())
			gomega.Expect(conn.Status()).To(gomega.Equal(types.HubStatusMaintenance))
			gomega.Expect(conn.StatusMessage()).To(gomega.ContainSubstring("circular"))
		})
	})

	ginkgo.When("executing requests through the connection", func() {
		ginkgo.It("resolves a channel lazily and runs the request", func() {
			server.AppendHandlers(
				ghttp.RespondWith(http.StatusOK, availableConfiguration),
				ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodGet, "/Hub/Sessions.xml"),
					ghttp.RespondWith(http.StatusOK, "<sessions/>"),
				),
			)

			conn := newConnection(serverSettings(server), nil)
			defer conn.Close()

			request := channel.RequestFunc(func(ctx context.Context, c types.Channel) error {
				_, err := c.DownloadData(ctx, "Sessions.xml", "")

				return err
			})

			gomega.Expect(conn.ExecuteRequest(context.Background(), request, 0)).To(gomega.Succeed())
		})

		ginkgo.It("does not report success for a request canceled mid-flight", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			server.AppendHandlers(
				ghttp.RespondWith(http.StatusOK, availableConfiguration),
				func(w http.ResponseWriter, _ *http.Request) {
					cancel()
					w.WriteHeader(http.StatusInternalServerError)
				},
			)

			conn := newConnection(serverSettings(server), nil)
			defer conn.Close()

			request := channel.RequestFunc(func(rctx context.Context, c types.Channel) error {
				_, err := c.DownloadData(rctx, "Sessions.xml", "")

				return err
			})

			err := conn.ExecuteRequest(ctx, request, 0)
			gomega.Expect(err).To(gomega.MatchError(context.Canceled))
		})

		ginkgo.It("surfaces a connect failure on the original server as-is", func() {
			settings := serverSettings(server)
			server.Close()

			conn := newConnection(settings, nil)
			defer conn.Close()

			request := channel.RequestFunc(func(context.Context, types.Channel) error { return nil })

			err := conn.ExecuteRequest(context.Background(), request, 0)

			var connectErr *channel.ConnectFailureError
			gomega.Expect(errors.As(err, &connectErr)).To(gomega.BeTrue())
			gomega.Expect(conn.Status()).To(gomega.Equal(types.HubStatusUnknown))
		})

		ginkgo.It("falls back to the original server when a redirected server dies", func() {
			target := ghttp.NewServer()

			targetURL, err := url.Parse(target.URL())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())

			targetPort, err := strconv.Atoi(targetURL.Port())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())

			settings := serverSettings(server)

			server.AppendHandlers(
				ghttp.RespondWith(http.StatusOK, redirectConfiguration(targetURL.Hostname(), targetPort, "Relay")),
			)
			target.AppendHandlers(ghttp.RespondWith(http.StatusOK, availableConfiguration))

			conn := newConnection(settings, nil)
			defer conn.Close()

			canConnect, err := conn.CanConnect(context.Background())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(canConnect).To(gomega.BeTrue())

			// The redirected server goes away; the original now answers
			// directly.
			target.Close()
			server.RouteToHandler(
				http.MethodGet, "/Hub/Configuration.xml",
				ghttp.RespondWith(http.StatusOK, availableConfiguration),
			)
			server.RouteToHandler(
				http.MethodGet, "/Hub/Sessions.xml",
				ghttp.RespondWith(http.StatusOK, "<sessions/>"),
			)

			request := channel.RequestFunc(func(ctx context.Context, c types.Channel) error {
				_, err := c.DownloadData(ctx, "Sessions.xml", "")

				return err
			})

			gomega.Expect(conn.ExecuteRequest(context.Background(), request, 0)).To(gomega.Succeed())
			gomega.Expect(conn.EntryURI()).To(gomega.Equal(
				fmt.Sprintf("http://%s:%d/Hub/", settings.Server, settings.Port),
			))
		})
	})

	ginkgo.When("the server challenges for credentials", func() {
		ginkgo.It("asks the requester once and retries with a session", func() {
			server.AppendHandlers(
				ghttp.RespondWith(http.StatusUnauthorized, ""),
				ghttp.RespondWith(http.StatusUnauthorized, ""),
				ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodPost, "/Hub/Login"),
					ghttp.VerifyForm(url.Values{
						"userName": {"kendall"},
						"password": {"hunter2"},
					}),
					ghttp.RespondWith(http.StatusOK, "session-token"),
				),
				ghttp.CombineHandlers(
					ghttp.VerifyHeaderKV("Authorization", "Gibraltar-User-Credentials: session-token"),
					ghttp.RespondWith(http.StatusOK, availableConfiguration),
				),
			)

			requester := &staticRequester{
				credentials: types.Credentials{Username: "kendall", Password: "hunter2"},
				supplied:    true,
			}

			conn := newConnection(serverSettings(server), func(config *hub.ConnectionConfig) {
				config.CredentialsRequester = requester
			})
			defer conn.Close()

			canConnect, err := conn.CanConnect(context.Background())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(canConnect).To(gomega.BeTrue())
			gomega.Expect(requester.requests).To(gomega.Equal(1))
		})

		ginkgo.It("reports rejected credentials when the user declines", func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusUnauthorized, ""))

			conn := newConnection(serverSettings(server), nil)
			defer conn.Close()

			canConnect, err := conn.CanConnect(context.Background())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(canConnect).To(gomega.BeFalse())
			gomega.Expect(conn.Status()).To(gomega.Equal(types.HubStatusUnknown))
			gomega.Expect(conn.StatusMessage()).To(gomega.ContainSubstring("credentials"))
		})
	})

	ginkgo.When("registering a client repository", func() {
		ginkgo.It("uploads the registration signed with the shared secret", func() {
			repositoryID := uuid.MustParse("01234567-89ab-cdef-0123-456789abcdef")
			uploadPath := fmt.Sprintf("/Hub/Repositories/%s/Repository.xml", repositoryID)
			sum := sha1.Sum([]byte("s3cret" + uploadPath))
			expectedAuth := "Gibraltar-Shared: " + base64.StdEncoding.EncodeToString(sum[:])

			server.AppendHandlers(
				ghttp.RespondWith(http.StatusOK, availableConfiguration),
				ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodPut, uploadPath),
					ghttp.VerifyHeaderKV("Authorization", expectedAuth),
					ghttp.RespondWith(http.StatusOK, ""),
				),
			)

			conn := newConnection(serverSettings(server), nil)
			defer conn.Close()

			err := conn.CreateSubscription(context.Background(), hub.ClientRepository{
				ID:       repositoryID,
				HostName: "worker-01",
			}, "s3cret")
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
		})
	})
})

// staticRequester answers every credential request with a fixed pair.
type staticRequester struct {
	credentials types.Credentials
	supplied    bool
	requests    int
	updates     int
}

func (r *staticRequester) RequestCredentials(_ context.Context, _ *url.URL, _ uuid.UUID) (types.Credentials, bool, error) {
	r.requests++

	return r.credentials, r.supplied, nil
}

func (r *staticRequester) UpdateCredentials(_ context.Context, _ *url.URL, _ uuid.UUID) (types.Credentials, bool, error) {
	r.updates++

	return r.credentials, r.supplied, nil
}
