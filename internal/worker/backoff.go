package worker

import "time"

type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// retryDelay returns how long to wait before the given retry (1-based).
// Fixed backoff always waits RetryDelay; exponential doubles it per retry up
// to MaxRetryDelay.
func retryDelay(cfg Config, retry int) time.Duration {
	d := cfg.RetryDelay
	if cfg.Backoff != BackoffExponential {
		return d
	}
	for i := 1; i < retry; i++ {
		d *= 2
		if cfg.MaxRetryDelay > 0 && d >= cfg.MaxRetryDelay {
			return cfg.MaxRetryDelay
		}
	}
	if cfg.MaxRetryDelay > 0 && d > cfg.MaxRetryDelay {
		return cfg.MaxRetryDelay
	}
	return d
}
