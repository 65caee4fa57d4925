// Package retry implements the bounded busy-retry discipline the store's
// single-writer connection needs. SQLITE_BUSY and "database is locked"
// failures are transient write contention: the attempt is repeated with
// exponential backoff and jitter up to a bounded attempt count. Any
// other error is structural and returns immediately, unretried.
package retry

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Config tunes the backoff schedule between busy attempts.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay after the first busy failure.
	InitialDelay time.Duration
	// MaxDelay caps the base delay between attempts.
	MaxDelay time.Duration
	// Factor is the multiplier applied to the delay after each attempt.
	Factor float64
	// Jitter randomizes each delay into [0.5, 1.5] of its base value, so
	// writers backing off from the same lock don't retry in lockstep.
	Jitter bool
}

// DefaultConfig matches the store's defaults: 8 attempts starting at
// 20ms, capped at 2s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  8,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 20 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.Factor <= 0 {
		c.Factor = 2.0
	}
	return c
}

// IsBusy reports whether err is SQLite write contention. mattn/go-sqlite3
// surfaces SQLITE_BUSY and SQLITE_LOCKED through error strings rather
// than exported sentinel values, so the check is textual.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "busy")
}

// Do runs op, retrying while it fails busy. It returns nil on success,
// the busy error after MaxAttempts are exhausted, or the first non-busy
// error unchanged. A canceled ctx wins over the schedule at any point.
func Do(ctx context.Context, cfg Config, op func() error) error {
	cfg = cfg.withDefaults()
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = op()
		if err == nil || !IsBusy(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Delay(attempt, cfg)):
		}
	}
	return err
}

// DoWithValue is Do for operations that also return a value. The value
// from the final attempt is returned alongside its error.
func DoWithValue[T any](ctx context.Context, cfg Config, op func() (T, error)) (T, error) {
	var value T
	err := Do(ctx, cfg, func() error {
		var opErr error
		value, opErr = op()
		return opErr
	})
	return value, err
}

// Delay returns the backoff to sleep after the given 1-indexed busy
// attempt: InitialDelay * Factor^(attempt-1), capped at MaxDelay, then
// jittered if configured. Jitter may overshoot MaxDelay by up to half.
func Delay(attempt int, cfg Config) time.Duration {
	cfg = cfg.withDefaults()
	if attempt <= 0 {
		attempt = 1
	}
	d := float64(cfg.InitialDelay) * math.Pow(cfg.Factor, float64(attempt-1))
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		d *= 0.5 + rand.Float64() // #nosec G404 -- jitter does not need cryptographic randomness
	}
	return time.Duration(d)
}
