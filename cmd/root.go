// Package cmd contains the command-line interface for the hub client. The
// root command resolves a hub server from flags and environment variables,
// runs connectivity checks either once or on a cron schedule, and reports the
// hub's status to the operator.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gibraltar-software/loupe/internal/flags"
	"github.com/gibraltar-software/loupe/internal/logging"
	"github.com/gibraltar-software/loupe/internal/scheduling"
	"github.com/gibraltar-software/loupe/pkg/channel/auth"
	"github.com/gibraltar-software/loupe/pkg/hub"
	"github.com/gibraltar-software/loupe/pkg/types"
)

// Version is the client version reported at startup, set at build time via
// linker flags.
var Version = "dev"

// errHubUnavailable is returned by a single-shot check when the hub is not
// accepting data, so the process exit code reflects the result.
var errHubUnavailable = errors.New("hub is not available")

var rootCmd = NewRootCommand()

// NewRootCommand creates the root command for the hub client CLI.
func NewRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "loupe-hub",
		Short: "Check and monitor connectivity to a Loupe hub server",
		Long: `loupe-hub resolves a hub server from its configuration document, following
any redirects the server issues, and reports whether the hub is accepting
data. With a cron schedule it keeps checking and logs status transitions.`,
		PersistentPreRunE: preRun,
		RunE:              run,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}
}

func init() {
	flags.SetEnvBindings()
	flags.RegisterServerFlags(rootCmd)
	flags.RegisterSystemFlags(rootCmd)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

// preRun configures logging and resolves file-based secrets before any
// command logic runs.
func preRun(cmd *cobra.Command, _ []string) error {
	if err := flags.SetupLogging(cmd.PersistentFlags()); err != nil {
		return err
	}

	flags.GetSecretsFromFiles(cmd.Root())

	return nil
}

// run performs the connectivity checks described by the flags.
func run(cmd *cobra.Command, _ []string) error {
	f := cmd.PersistentFlags()

	settings, err := flags.ReadSettings(f)
	if err != nil {
		return err
	}

	provider, repositoryID, err := buildProvider(cmd)
	if err != nil {
		return err
	}

	maxRetries, err := f.GetInt("max-retries")
	if err != nil {
		return fmt.Errorf("failed to read max-retries flag: %w", err)
	}

	conn, err := hub.NewConnection(hub.ConnectionConfig{
		Settings:               settings,
		ClientRepositoryID:     repositoryID,
		AuthenticationProvider: provider,
		MaxRetries:             maxRetries,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	logging.WriteStartupMessage(cmd, conn, Version)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	scheduleSpec, _ := f.GetString("schedule")
	runOnce, _ := f.GetBool("run-once")

	if runOnce || scheduleSpec == "" {
		if !runCheck(ctx, conn) {
			return fmt.Errorf("%w: %s", errHubUnavailable, conn.StatusMessage())
		}

		return nil
	}

	return scheduling.RunChecksOnSchedule(ctx, scheduleSpec, func(ctx context.Context) {
		runCheck(ctx, conn)
	})
}

// runCheck performs one connectivity check and logs the outcome.
func runCheck(ctx context.Context, conn *hub.Connection) bool {
	started := time.Now()

	canConnect, err := conn.CanConnect(ctx)
	if err != nil {
		logrus.WithError(err).Error("Connectivity check did not complete")

		return false
	}

	logging.LogCheckResult(conn, canConnect, time.Since(started))

	return canConnect
}

// buildProvider selects the authentication scheme from the credential flags:
// a shared secret wins over user credentials, and neither flag leaves the
// connection anonymous. The generated repository id identifies this client
// instance to the server.
func buildProvider(cmd *cobra.Command) (types.AuthenticationProvider, uuid.UUID, error) {
	f := cmd.PersistentFlags()
	repositoryID := uuid.New()

	sharedSecret, err := f.GetString("shared-secret")
	if err != nil {
		return nil, repositoryID, fmt.Errorf("failed to read shared-secret flag: %w", err)
	}

	if sharedSecret != "" {
		return auth.NewSharedSecret(sharedSecret), repositoryID, nil
	}

	username, err := f.GetString("username")
	if err != nil {
		return nil, repositoryID, fmt.Errorf("failed to read username flag: %w", err)
	}

	if username == "" {
		return nil, repositoryID, nil
	}

	password, err := f.GetString("password")
	if err != nil {
		return nil, repositoryID, fmt.Errorf("failed to read password flag: %w", err)
	}

	return auth.NewUserCredentials(repositoryID, username, password, nil), repositoryID, nil
}
