// Package backoff implements the jittered exponential delay sequence used
// between RPC retry attempts.
package backoff

import (
	"math/rand"
	"time"
)

// Config mirrors the retry policy knobs. Zero fields fall back to the
// engine's defaults (200ms initial, 30s cap, doubling).
type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Exponential yields successive delays growing by Multiplier up to Max,
// each spread by +/-Jitter. It is not safe for concurrent use: every retry
// loop owns its own instance and discards it when the call resolves.
type Exponential struct {
	config  Config
	current time.Duration
}

func New(cfg Config) *Exponential {
	if cfg.Initial <= 0 {
		cfg.Initial = 200 * time.Millisecond
	}
	if cfg.Max <= 0 {
		cfg.Max = 30 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	return &Exponential{config: cfg}
}

func (e *Exponential) Next() time.Duration {
	if e.current <= 0 {
		e.current = e.config.Initial
	} else {
		e.current = time.Duration(float64(e.current) * e.config.Multiplier)
		if e.current > e.config.Max {
			e.current = e.config.Max
		}
	}
	interval := e.current
	if e.config.Jitter > 0 {
		span := float64(interval) * e.config.Jitter
		interval += time.Duration((rand.Float64()*2 - 1) * span)
		if interval < 0 {
			interval = e.config.Initial
		}
	}
	return interval
}
