package dispatch

import "time"

// Config tunes the worker pool. Zero values take defaults.
type Config struct {
	Workers     int
	QueueSize   int
	RatePerSec  int
	MaxAttempts int

	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	AttemptTimeout time.Duration
}

const (
	DefaultWorkers        = 4
	DefaultQueueSize      = 256
	DefaultRatePerSec     = 20
	DefaultMaxAttempts    = 3
	DefaultRetryBase      = 500 * time.Millisecond
	DefaultRetryMaxDelay  = 30 * time.Second
	DefaultAttemptTimeout = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = DefaultRatePerSec
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	return c
}
