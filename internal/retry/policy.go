// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

// Package retry computes backoff delays for failed network operations.
//
// The delay for attempt n (1-based) is
//
//	min(MaxDelay, InitialDelay * Multiplier^(n-1))
//
// optionally stretched by a uniform jitter factor in [1, 1.1).
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// JitterFraction is the upper bound of the random stretch applied to a delay.
const JitterFraction = 0.1

// Policy describes how many times an operation is attempted and how long to
// wait between attempts. The zero value is not useful; use DefaultPolicy.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool

	// random returns a value in [0, 1). nil means math/rand/v2.
	random func() float64
}

// DefaultPolicy returns 3 attempts starting at 1s, doubling, capped at 5 minutes, with jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// WithRandom returns a copy of p that draws jitter from fn.
func (p Policy) WithRandom(fn func() float64) Policy {
	p.random = fn
	return p
}

// Delay returns the wait before retrying after the given attempt (1-based).
// Attempts below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if math.IsInf(base, 0) || math.IsNaN(base) || base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	if base < 0 {
		base = 0
	}

	if p.Jitter {
		draw := p.random
		if draw == nil {
			draw = rand.Float64
		}
		base *= 1 + draw()*JitterFraction
	}

	return time.Duration(base)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
