package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Interaction statuses.
const (
	StatusCompleted = "completed"
	StatusFallback  = "fallback"
	StatusFailed    = "failed"
)

// Interaction is one logged chat turn.
type Interaction struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	CreatedAt  time.Time `json:"createdAt"`
	Message    string    `json:"message"`
	Language   string    `json:"language"`
	ResourceID int       `json:"resourceId,omitempty"`
	Response   string    `json:"response"`
	Model      string    `json:"model,omitempty"`
	Cached     bool      `json:"cached"`
	Status     string    `json:"status"`
}

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
