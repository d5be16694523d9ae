// Package trial defines the anonymous trial gate model, keyed by a hashed
// browser fingerprint.
package trial

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Eligibility is the outcome of the backend's atomic eligibility check.
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
	Message  string `json:"message,omitempty"`
}

// Well-known eligibility reasons reported by the backend procedure.
const (
	ReasonOK          = "ok"
	ReasonAlreadyUsed = "already_used"
	ReasonBlocked     = "blocked"
)

// State is the durable per-fingerprint record.
type State struct {
	FingerprintHash string
	Consumed        bool
	UsageCount      int
	ConsumedAt      time.Time
	CreatedAt       time.Time
}

// Batch summarizes the tasks created by one trial start.
type Batch struct {
	ID        string   `json:"batchId"`
	TaskIDs   []string `json:"taskIds"`
	TaskCount int      `json:"taskCount"`
	Status    string   `json:"status"`
}

var (
	// ErrTrialUsed is returned when the fingerprint has already consumed
	// its trial.
	ErrTrialUsed = errors.New("trial already used")
	// ErrInvalidFingerprint is returned for empty or implausibly short
	// fingerprints.
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
)

// HashFingerprint normalizes and hashes a client-supplied fingerprint before
// it is stored or used as a database key.
func HashFingerprint(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) < 8 {
		return "", ErrInvalidFingerprint
	}
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:]), nil
}
