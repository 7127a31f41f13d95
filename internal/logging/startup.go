// Package logging prints startup information for the hub client CLI: the
// client version, the resolved server target, and the check schedule.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gibraltar-software/loupe/pkg/hub"
)

// WriteStartupMessage logs the CLI's initial state: version, target server,
// and whether checks run once or on a schedule.
func WriteStartupMessage(c *cobra.Command, conn *hub.Connection, version string) {
	logrus.Info("Loupe hub client ", version)
	logrus.WithField("entry_uri", conn.EntryURI()).Info("Targeting hub server")

	scheduleSpec, _ := c.PersistentFlags().GetString("schedule")
	runOnce, _ := c.PersistentFlags().GetBool("run-once")

	switch {
	case runOnce || scheduleSpec == "":
		logrus.Info("Running a single connectivity check")
	default:
		logrus.WithField("schedule", scheduleSpec).Info("Running connectivity checks on a schedule")
	}

	if logrus.IsLevelEnabled(logrus.TraceLevel) {
		logrus.Warn(
			"Trace level enabled: log will include sensitive information as credentials and tokens",
		)
	}
}

// LogCheckResult logs the outcome of one connectivity check, including the
// hub's own explanation when it is not accepting data.
func LogCheckResult(conn *hub.Connection, canConnect bool, elapsed time.Duration) {
	fields := logrus.Fields{
		"status":  conn.Status(),
		"elapsed": elapsed,
	}

	if canConnect {
		logrus.WithFields(fields).
			WithFields(logrus.Fields{
				"protocol_version": conn.ProtocolVersion(),
				"repository":       conn.ServerRepositoryID(),
			}).
			Info("Hub is available")

		return
	}

	logrus.WithFields(fields).WithField("message", conn.StatusMessage()).
		Warn("Hub is not accepting data")
}
