package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mojisejr/mimi-vibe-backend/internal/models"
)

// ApplyTopUp credits purchased stars for an external payment event at
// most once. The insert-if-absent on payment_events and the ledger credit
// share one transaction: either both happen or neither. A duplicate or
// concurrent delivery of the same event id loses the insert and returns
// applied=false without touching balances.
func (s *Store) ApplyTopUp(ctx context.Context, eventID, accountID string, stars int64) (bool, Balance, error) {
	if stars <= 0 {
		return false, Balance{}, fmt.Errorf("top-up stars must be positive, got %d", stars)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, Balance{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO payment_events (event_id, account_id, stars, applied_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, accountID, stars)
	if err != nil {
		return false, Balance{}, fmt.Errorf("insert payment event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race or a straight duplicate; the credit already happened.
		return false, Balance{}, nil
	}

	bal, err := creditInTx(ctx, tx, accountID, stars, 0, models.ReasonTopUp, eventID)
	if err != nil {
		return false, Balance{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, Balance{}, fmt.Errorf("commit: %w", err)
	}
	return true, bal, nil
}

// GetPaymentEvent returns the applied record for an event id, if any.
func (s *Store) GetPaymentEvent(ctx context.Context, eventID string) (models.PaymentEvent, bool, error) {
	var e models.PaymentEvent
	err := s.pool.QueryRow(ctx, `
		SELECT event_id, account_id, stars, applied_at
		FROM payment_events WHERE event_id = $1
	`, eventID).Scan(&e.EventID, &e.AccountID, &e.Stars, &e.AppliedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PaymentEvent{}, false, nil
	}
	if err != nil {
		return models.PaymentEvent{}, false, fmt.Errorf("query payment event: %w", err)
	}
	return e, true, nil
}
