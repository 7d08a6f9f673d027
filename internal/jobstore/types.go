package jobstore

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of an analysis job. Values are stored as-is.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind selects which worker profile a job runs through.
type Kind string

const (
	KindDetection      Kind = "detection"
	KindRecommendation Kind = "recommendation"
)

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	return k == KindDetection || k == KindRecommendation
}

// Job is one persisted analysis request.
type Job struct {
	ID           string
	Kind         Kind
	OwnerID      string
	InputRef     string
	Status       Status
	Result       json.RawMessage
	ErrorMessage *string
	CreatedAt    time.Time
	StartedAt    *time.Time
	ResolvedAt   *time.Time
}

// CreateRequest carries the immutable fields of a new job.
type CreateRequest struct {
	Kind     Kind
	OwnerID  string
	InputRef string
}

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a status change would move a job
	// backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid job status transition")
)
