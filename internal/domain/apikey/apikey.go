// Package apikey defines the pooled third-party API key model.
package apikey

import (
	"errors"
	"time"
)

// Key is one third-party API key managed by the pool. Multiple in-flight
// tasks may share a key; the daily quota is the only usage bound.
type Key struct {
	ID            string
	Secret        string // the upstream API key material
	Name          string
	UsedToday     int
	DailyLimit    int
	IsActive      bool
	InFlight      int    // concurrent leases, bookkeeping only
	LastResetDate string // YYYY-MM-DD of the last counter reset, UTC
	LastUsedAt    time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Exhausted reports whether the key has no remaining daily quota.
func (k Key) Exhausted() bool {
	return k.UsedToday >= k.DailyLimit
}

// Available reports whether the key may be leased for a new task.
func (k Key) Available() bool {
	return k.IsActive && !k.Exhausted()
}

// ErrNoKeyAvailable is returned when every key is inactive or exhausted.
// Callers surface it as a temporarily-unavailable condition; the pool does
// no queueing or backoff.
var ErrNoKeyAvailable = errors.New("no api key available")

// ErrKeyNotFound is returned for lookups of unknown key ids.
var ErrKeyNotFound = errors.New("api key not found")

// Today returns the current UTC calendar day in the format stored on keys.
func Today() string {
	return time.Now().UTC().Format("2006-01-02")
}
