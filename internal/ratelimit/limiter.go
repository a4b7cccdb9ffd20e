// Package ratelimit implements sliding-window admission control.
//
// A limiter keeps, per key, the request timestamps that fall inside the
// trailing window. A check prunes stale timestamps, admits the request when
// fewer than max remain and records it; a rejected request is not recorded.
// The limiter is not a queue: callers decide what to do with a rejection.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter admits or rejects a request for key. Implementations never fail:
// missing state is zero usage.
type Limiter interface {
	Check(ctx context.Context, key string, maxRequests int, window time.Duration) Decision
}

// Policy names a quota applied by the HTTP middleware.
type Policy struct {
	Name   string
	Max    int
	Window time.Duration
}

// decide applies the sliding-window rule to stamps, which must already be
// pruned to (now-window, now]. It returns the possibly extended slice.
func decide(stamps []time.Time, now time.Time, maxRequests int, window time.Duration) ([]time.Time, Decision) {
	d := Decision{Limit: maxRequests}
	if len(stamps) < maxRequests {
		stamps = append(stamps, now)
		d.Allowed = true
	}
	d.Remaining = max(0, maxRequests-len(stamps))
	if len(stamps) == 0 {
		d.ResetAt = now.Add(window)
	} else {
		d.ResetAt = stamps[0].Add(window)
	}
	return stamps, d
}

// prune drops timestamps older than now-window. stamps is ordered oldest
// first so the cut is a prefix.
func prune(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(stamps) && stamps[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
