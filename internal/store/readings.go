package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/mojisejr/mimi-vibe-backend/internal/models"
)

// CreateReadingParams collects inputs required to insert a reading.
// ReservedStars/ReservedCoins record how the paired debit was split so a
// later refund restores exactly what was taken.
type CreateReadingParams struct {
	ID            string
	AccountID     string
	Payload       models.ReadingPayload
	ReservedStars int64
	ReservedCoins int64
	MaxAttempts   int
}

// CreateReading inserts a reading row in status submitted. The admission
// service calls this only after the paired debit succeeded.
func (s *Store) CreateReading(ctx context.Context, p CreateReadingParams) (models.Reading, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Reading{}, fmt.Errorf("marshal payload: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO readings (id, account_id, payload, status, reserved_stars, reserved_coins, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $8)
	`, p.ID, p.AccountID, payloadJSON, models.StatusSubmitted, p.ReservedStars, p.ReservedCoins, p.MaxAttempts, now)
	if err != nil {
		return models.Reading{}, fmt.Errorf("insert reading: %w", err)
	}
	return models.Reading{
		ID:           p.ID,
		AccountID:    p.AccountID,
		Payload:      p.Payload,
		Status:       models.StatusSubmitted,
		ReservedCost: p.ReservedStars + p.ReservedCoins,
		MaxAttempts:  p.MaxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// MarkQueued advances submitted -> queued after the queue push succeeded.
func (s *Store) MarkQueued(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE readings SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusQueued, models.StatusSubmitted)
	if err != nil {
		return fmt.Errorf("mark queued: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reading %s not in submitted state", id)
	}
	return nil
}

// GetReading fetches a reading by id.
func (s *Store) GetReading(ctx context.Context, id string) (models.Reading, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_id, payload, status, result, failure_reason,
		       reserved_stars + reserved_coins, attempts, max_attempts,
		       worker_id, lease_expires_at, created_at, updated_at, completed_at
		FROM readings WHERE id = $1
	`, id)

	var r models.Reading
	var payloadJSON []byte
	var result, failure, workerID pgtype.Text
	var lease, completed pgtype.Timestamptz

	err := row.Scan(&r.ID, &r.AccountID, &payloadJSON, &r.Status, &result, &failure,
		&r.ReservedCost, &r.Attempts, &r.MaxAttempts, &workerID, &lease,
		&r.CreatedAt, &r.UpdatedAt, &completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Reading{}, ErrNotFound
	}
	if err != nil {
		return models.Reading{}, fmt.Errorf("scan reading: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &r.Payload); err != nil {
		return models.Reading{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	r.Result = textPtr(result)
	r.FailureReason = textPtr(failure)
	r.WorkerID = textPtr(workerID)
	r.LeaseExpiresAt = timePtr(lease)
	r.CompletedAt = timePtr(completed)
	return r, nil
}

// Claim transitions queued -> processing for exactly one worker. The
// conditional update is the claim: losers see zero rows affected. A
// successful claim stamps the worker id, a lease deadline, and counts an
// attempt.
func (s *Store) Claim(ctx context.Context, id, workerID string, lease time.Duration) (models.Reading, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE readings
		SET status = $3, worker_id = $2, lease_expires_at = $4, attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, workerID, models.StatusProcessing, time.Now().UTC().Add(lease), models.StatusQueued)
	if err != nil {
		return models.Reading{}, false, fmt.Errorf("claim reading: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Reading{}, false, nil
	}
	r, err := s.GetReading(ctx, id)
	if err != nil {
		return models.Reading{}, false, err
	}
	return r, true, nil
}

// ExtendLease pushes the lease deadline forward while the worker still
// holds the claim.
func (s *Store) ExtendLease(ctx context.Context, id, workerID string, lease time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE readings SET lease_expires_at = $3, updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status = $4
	`, id, workerID, time.Now().UTC().Add(lease), models.StatusProcessing)
	return err
}

// Complete transitions processing -> complete, conditioned on the claim
// still being held by this worker so a reaper-driven requeue cannot be
// silently overwritten. Returns false when the claim was lost.
func (s *Store) Complete(ctx context.Context, id, workerID, result string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE readings
		SET status = $3, result = $4, completed_at = NOW(), updated_at = NOW(),
		    worker_id = NULL, lease_expires_at = NULL
		WHERE id = $1 AND worker_id = $2 AND status = $5
	`, id, workerID, models.StatusComplete, result, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("complete reading: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailWithRefund transitions processing -> failed and credits the reserved
// cost back in the same transaction. The conditional transition makes the
// compensation exactly-once: whichever writer wins the transition is the
// only one that refunds.
func (s *Store) FailWithRefund(ctx context.Context, id, workerID, reason string) (bool, error) {
	return s.failAndRefund(ctx, `
		UPDATE readings
		SET status = 'failed', failure_reason = $3, completed_at = NOW(), updated_at = NOW(),
		    worker_id = NULL, lease_expires_at = NULL
		WHERE id = $1 AND worker_id = $2 AND status = 'processing'
		RETURNING account_id, reserved_stars, reserved_coins
	`, id, id, workerID, reason)
}

// FailExpired is the reaper's variant of FailWithRefund: it takes over a
// reading whose lease has lapsed regardless of which worker held it.
func (s *Store) FailExpired(ctx context.Context, id, reason string) (bool, error) {
	return s.failAndRefund(ctx, `
		UPDATE readings
		SET status = 'failed', failure_reason = $2, completed_at = NOW(), updated_at = NOW(),
		    worker_id = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'processing' AND lease_expires_at < NOW()
		RETURNING account_id, reserved_stars, reserved_coins
	`, id, id, reason)
}

// FailSubmission handles the admission rollback path: a reading that was
// debited but never made it onto the queue is failed and refunded.
func (s *Store) FailSubmission(ctx context.Context, id, reason string) (bool, error) {
	return s.failAndRefund(ctx, `
		UPDATE readings
		SET status = 'failed', failure_reason = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('submitted', 'queued')
		RETURNING account_id, reserved_stars, reserved_coins
	`, id, id, reason)
}

// CancelWithRefund cancels a queued reading. Processing readings cannot
// be cancelled; their in-flight provider call is allowed to finish.
func (s *Store) CancelWithRefund(ctx context.Context, id string) error {
	ok, err := s.failAndRefund(ctx, `
		UPDATE readings
		SET status = 'failed', failure_reason = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
		RETURNING account_id, reserved_stars, reserved_coins
	`, id, id, models.FailureCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotCancelable
	}
	return nil
}

// failAndRefund runs a conditional fail transition and, when it wins the
// transition, credits the reserved cost back in the same transaction.
// causedBy tags the refund's ledger op with the reading id.
func (s *Store) failAndRefund(ctx context.Context, query, causedBy string, args ...any) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID string
	var stars, coins int64
	err = tx.QueryRow(ctx, query, args...).Scan(&accountID, &stars, &coins)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail reading: %w", err)
	}

	if stars > 0 || coins > 0 {
		if _, err := creditInTx(ctx, tx, accountID, stars, coins, models.ReasonRefund, causedBy); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Requeue returns a claimed reading to the queue for another attempt,
// releasing this worker's claim.
func (s *Store) Requeue(ctx context.Context, id, workerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE readings
		SET status = $3, worker_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status = $4
	`, id, workerID, models.StatusQueued, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("requeue reading: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ExpiredLease describes a processing reading whose lease has lapsed.
type ExpiredLease struct {
	ID          string
	Attempts    int
	MaxAttempts int
}

// ExpiredLeases lists processing readings whose lease deadline passed,
// for the reaper to requeue or fail.
func (s *Store) ExpiredLeases(ctx context.Context, limit int) ([]ExpiredLease, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, attempts, max_attempts FROM readings
		WHERE status = $1 AND lease_expires_at < NOW()
		ORDER BY lease_expires_at
		LIMIT $2
	`, models.StatusProcessing, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired leases: %w", err)
	}
	defer rows.Close()

	var out []ExpiredLease
	for rows.Next() {
		var e ExpiredLease
		if err := rows.Scan(&e.ID, &e.Attempts, &e.MaxAttempts); err != nil {
			return nil, fmt.Errorf("scan expired lease: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResetExpired returns an expired processing reading to queued so it can
// be dispatched again. Conditional on the lease still being lapsed, so it
// cannot race with a worker that completed in the meantime.
func (s *Store) ResetExpired(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE readings
		SET status = $2, worker_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND lease_expires_at < NOW()
	`, id, models.StatusQueued, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("reset expired reading: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// StaleQueued claims queued readings untouched for longer than age. A
// queued row with no live queue entry (lost dispatch) is re-derived from
// here; the readings table is the system of record, not the queue.
// Touching updated_at stops the same row being returned every sweep.
func (s *Store) StaleQueued(ctx context.Context, age time.Duration, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE readings SET updated_at = NOW()
		WHERE id IN (
			SELECT id FROM readings
			WHERE status = $1 AND updated_at < $2
			ORDER BY updated_at
			LIMIT $3
		)
		RETURNING id
	`, models.StatusQueued, time.Now().UTC().Add(-age), limit)
	if err != nil {
		return nil, fmt.Errorf("query stale queued: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale queued: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
