package models

import (
	"time"
)

// ReadingStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusSubmitted  = "submitted"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
)

// Stable failure categories exposed to polling clients. Raw provider
// error text never leaves the worker.
const (
	FailureProviderError = "provider_error"
	FailureTimeout       = "timeout"
	FailureCancelled     = "cancelled"
	FailureInternal      = "internal_error"
)

// IsTerminal reports whether a status permits no further transition.
func IsTerminal(status string) bool {
	return status == StatusComplete || status == StatusFailed
}

// Reading represents one unit of generation work tracked from submission
// to its terminal state.
type Reading struct {
	ID             string         `json:"id"`
	AccountID      string         `json:"account_id"`
	Payload        ReadingPayload `json:"payload"`
	Status         string         `json:"status"`
	Result         *string        `json:"result,omitempty"`
	FailureReason  *string        `json:"failure_reason,omitempty"`
	ReservedCost   int64          `json:"reserved_cost"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	WorkerID       *string        `json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// ReadingPayload is the user-supplied request carried through the pipeline.
type ReadingPayload struct {
	Question string `json:"question"`
	Topic    string `json:"topic,omitempty"`
	Language string `json:"language,omitempty"`
}
