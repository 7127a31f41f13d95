package channel

import "time"

// minimumRetryDelay is the floor for the first backoff sleep.
const minimumRetryDelay = 1 * time.Second

// maximumRetryDelayStep caps how much a single failure can add to the delay,
// keeping growth roughly linear once the doubling phase passes 5 seconds.
const maximumRetryDelayStep = 5 * time.Second

// maximumRetryDelay is the ceiling for any backoff sleep.
const maximumRetryDelay = 120 * time.Second

// nextRetryDelay computes the sleep before the next retry given the previous
// sleep. The schedule starts at one second, doubles while the step stays under
// five seconds, then grows by five seconds per failure until it saturates at
// two minutes: 1, 2, 4, 8, 13, 18, ... 118, 120.
func nextRetryDelay(previous time.Duration) time.Duration {
	if previous < minimumRetryDelay {
		return minimumRetryDelay
	}

	step := previous
	if step > maximumRetryDelayStep {
		step = maximumRetryDelayStep
	}

	next := previous + step
	if next > maximumRetryDelay {
		next = maximumRetryDelay
	}

	return next
}
