// Package payments applies externally-confirmed payment events to the
// credit ledger. Events arrive at-least-once (webhook retries, Kafka
// redelivery); the settler makes the credit idempotent.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/mojisejr/mimi-vibe-backend/internal/store"
	"github.com/mojisejr/mimi-vibe-backend/internal/telemetry"
)

var ErrBadEvent = errors.New("malformed payment event")

// Outcome reports what a settle call did.
type Outcome int

const (
	Applied Outcome = iota
	AlreadyApplied
)

// TopUpStore is the idempotent-apply primitive the settler needs.
type TopUpStore interface {
	ApplyTopUp(ctx context.Context, eventID, accountID string, stars int64) (bool, store.Balance, error)
}

// Settler deduplicates and credits payment events. Signature verification
// happens upstream; events reaching here are trusted.
type Settler struct {
	store TopUpStore
}

func NewSettler(st TopUpStore) *Settler {
	return &Settler{store: st}
}

// Settle credits the event's stars at most once. Repeated or concurrent
// calls with the same event id report AlreadyApplied without crediting.
func (s *Settler) Settle(ctx context.Context, eventID, accountID string, stars int64) (Outcome, error) {
	if eventID == "" || accountID == "" || stars <= 0 {
		return 0, fmt.Errorf("%w: event=%q account=%q stars=%d", ErrBadEvent, eventID, accountID, stars)
	}
	applied, _, err := s.store.ApplyTopUp(ctx, eventID, accountID, stars)
	if err != nil {
		return 0, err
	}
	if !applied {
		telemetry.TopUpDuplicates.Inc()
		return AlreadyApplied, nil
	}
	telemetry.TopUpApplied.Inc()
	return Applied, nil
}
