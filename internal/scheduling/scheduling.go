// Package scheduling runs periodic hub connectivity checks on a cron
// schedule, with graceful shutdown on interrupt signals and context
// cancellation. Only one check runs at a time; a check that overruns its
// interval causes the next firing to be skipped rather than stacked.
package scheduling

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron"
	"github.com/sirupsen/logrus"
)

// checkWaitTimeout bounds how long shutdown waits for a running check.
const checkWaitTimeout = 30 * time.Second

// Check performs one connectivity probe.
type Check func(ctx context.Context)

// RunChecksOnSchedule executes the check per the cron specification until the
// context is canceled or an interrupt signal arrives. The first check runs
// immediately before the scheduler starts so operators get feedback without
// waiting out the first interval.
//
// Returns an error when the cron specification cannot be parsed.
func RunChecksOnSchedule(ctx context.Context, scheduleSpec string, check Check) error {
	// The lock carries a single token; a firing that cannot take it skips.
	lock := make(chan bool, 1)
	lock <- true

	runCheck := func() {
		select {
		case v := <-lock:
			defer func() { lock <- v }()

			check(ctx)
		default:
			logrus.Debug("Skipped connectivity check. A check is already running.")
		}
	}

	runCheck()

	scheduler := cron.New()
	if err := scheduler.AddFunc(scheduleSpec, runCheck); err != nil {
		return fmt.Errorf("failed to schedule connectivity checks: %w", err)
	}

	scheduler.Start()

	if entries := scheduler.Entries(); len(entries) > 0 {
		logrus.WithField("next_run", entries[0].Schedule.Next(time.Now())).
			Info("Scheduled connectivity checks started")
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	select {
	case <-ctx.Done():
		logrus.Debug("Context canceled, stopping scheduled checks.")
	case sig := <-interrupt:
		logrus.WithField("signal", sig).Info("Received signal, stopping scheduled checks")
	}

	scheduler.Stop()
	waitForRunningCheck(ctx, lock)

	return nil
}

// waitForRunningCheck blocks until any in-flight check finishes, with a
// timeout so shutdown cannot hang on a stuck probe.
func waitForRunningCheck(ctx context.Context, lock chan bool) {
	select {
	case <-lock:
		logrus.Debug("Lock acquired, no check running.")
	case <-time.After(checkWaitTimeout):
		logrus.Warn("Timeout waiting for running connectivity check to finish, proceeding with shutdown.")
	case <-ctx.Done():
		logrus.Warn("Context canceled while waiting for running connectivity check.")
	}
}
