// Package task defines the durable record tracked for every image-processing job.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task. A task makes exactly one terminal
// transition: processing -> completed or processing -> failed.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus converts a string into a known Status.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusProcessing:
		return StatusProcessing, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusFailed:
		return StatusFailed, nil
	}
	return "", fmt.Errorf("unknown task status %q", raw)
}

// Engine identifies the kind of processing requested.
type Engine string

const (
	EngineUpscale           Engine = "upscale"
	EngineBackgroundRemoval Engine = "background_removal"
	EngineTextToImage       Engine = "text_to_image"
)

// ParseEngine converts a string into a known Engine.
func ParseEngine(raw string) (Engine, error) {
	switch Engine(strings.ToLower(strings.TrimSpace(raw))) {
	case EngineUpscale:
		return EngineUpscale, nil
	case EngineBackgroundRemoval:
		return EngineBackgroundRemoval, nil
	case EngineTextToImage:
		return EngineTextToImage, nil
	}
	return "", fmt.Errorf("unknown engine %q", raw)
}

// Task is one unit of image-processing work submitted to the third-party API
// and tracked to completion or failure.
type Task struct {
	ID          string
	UserID      string // empty for anonymous trial tasks
	Fingerprint string // set only for anonymous trial tasks
	BatchID     string // set when the task belongs to a trial batch
	Status      Status
	Engine      Engine
	InputKey    string // object-storage key of the source image
	OutputKey   string // object-storage key of the result, set on completion
	OutputURL   string // public URL of the result, set on completion
	Scale       int
	Creativity  float64
	Progress    int // 0-100, meaningful only while processing
	CreditsUsed int
	APIKeyID    string // pool key the upstream call was attributed to
	ErrorMsg    string // set on failure
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Result carries the data attached to a terminal transition.
type Result struct {
	OutputKey string
	OutputURL string
	ErrorMsg  string
}

// Anonymous reports whether the task was created through the trial gate.
func (t Task) Anonymous() bool { return t.UserID == "" }

// Sentinel errors shared by every store implementation.
var (
	ErrNotFound        = errors.New("task not found")
	ErrForbidden       = errors.New("task owned by another user")
	ErrDuplicate       = errors.New("task id already exists")
	ErrAlreadyTerminal = errors.New("task already in a terminal state")
)

// NewID generates an externally visible task identifier. The millisecond
// prefix keeps identifiers roughly sortable; the uuid fragment makes
// collisions across processes implausible.
func NewID() string {
	return fmt.Sprintf("task_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// NewBatchID generates an identifier for a trial batch.
func NewBatchID() string {
	return fmt.Sprintf("batch_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
