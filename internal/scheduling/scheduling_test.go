package scheduling

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunChecksOnScheduleRejectsInvalidSpec(t *testing.T) {
	var checks atomic.Int32

	err := RunChecksOnSchedule(context.Background(), "not a cron spec", func(context.Context) {
		checks.Add(1)
	})

	require.Error(t, err)
	assert.Equal(t, int32(1), checks.Load(), "the immediate check runs before the spec is parsed")
}

func TestRunChecksOnScheduleRunsImmediately(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var checks atomic.Int32

	started := time.Now()

	err := RunChecksOnSchedule(ctx, "@every 1h", func(context.Context) {
		checks.Add(1)
	})

	require.NoError(t, err)
	assert.Equal(t, int32(1), checks.Load())
	assert.Less(t, time.Since(started), 2*time.Second, "shutdown must not wait out the interval")
}

func TestOverlappingChecksAreSkipped(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2200*time.Millisecond)
	defer cancel()

	var checks atomic.Int32

	// The immediate check returns at once; the first scheduled check holds
	// the lock across the next firing so that firing must be skipped.
	err := RunChecksOnSchedule(ctx, "@every 1s", func(context.Context) {
		if checks.Add(1) > 1 {
			time.Sleep(1500 * time.Millisecond)
		}
	})

	require.NoError(t, err)
	assert.Equal(t, int32(2), checks.Load(), "firings during a running check must be skipped, not queued")
}
