package execengine

import (
	"math"
	"time"
)

// RetryPolicy is an exponential backoff schedule, grounded on
// jobs/retry.go's resolvedRetryPolicy/nextRetryDelay but fixed to the
// conductor's run/step defaults rather than being pack-configurable.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// defaultRetryPolicy implements exponential(initial=1s, factor=2,
// max_attempts=4, max_interval=30s).
func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		InitialBackoff: time.Second,
		Multiplier:     2,
		MaxBackoff:     30 * time.Second,
	}
}

// nextDelay returns the backoff before scheduling the attempt after
// failedAttempt.
func (p RetryPolicy) nextDelay(failedAttempt int) time.Duration {
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	exponent := float64(failedAttempt - 1)
	delay := time.Duration(float64(p.InitialBackoff) * math.Pow(p.Multiplier, exponent))
	if delay <= 0 {
		delay = p.InitialBackoff
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

func normalizeRetryCount(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func stepTimeout(timeoutSeconds int, fallback time.Duration) time.Duration {
	if timeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(timeoutSeconds) * time.Second
}
