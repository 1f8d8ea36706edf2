// Package admission gates submissions: it validates the payload, applies
// the per-account rate limit, reserves credits, records the reading, and
// hands it to the dispatch queue, with a rollback path so a debit can
// never be silently lost.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mojisejr/mimi-vibe-backend/internal/models"
	"github.com/mojisejr/mimi-vibe-backend/internal/store"
	"github.com/mojisejr/mimi-vibe-backend/internal/telemetry"
)

var (
	ErrRateLimited    = errors.New("rate limited")
	ErrInvalidPayload = errors.New("invalid payload")
)

const maxQuestionLen = 2000

// Store is the persistence surface admission needs. *store.Store
// satisfies it; tests inject fakes.
type Store interface {
	Debit(ctx context.Context, accountID string, amount int64, allowCoins bool, causedBy string) (store.DebitResult, error)
	Credit(ctx context.Context, accountID string, stars, coins int64, reason, causedBy string) (store.Balance, error)
	CreateReading(ctx context.Context, p store.CreateReadingParams) (models.Reading, error)
	MarkQueued(ctx context.Context, id string) error
	FailSubmission(ctx context.Context, id, reason string) (bool, error)
	CancelWithRefund(ctx context.Context, id string) error
	GetReading(ctx context.Context, id string) (models.Reading, error)
}

// Queue is the dispatch hand-off admission pushes to.
type Queue interface {
	Enqueue(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// Limiter bounds how often one account may submit.
type Limiter interface {
	Allow(ctx context.Context, accountID string) (bool, int64, error)
}

// Config holds admission policy knobs.
type Config struct {
	ReadingCost    int64
	AllowCoinSpend bool
	MaxAttempts    int
}

// Service implements the admission step.
type Service struct {
	cfg     Config
	store   Store
	queue   Queue
	limiter Limiter
}

// New constructs the service. limiter may be nil to disable rate limiting.
func New(cfg Config, st Store, q Queue, limiter Limiter) *Service {
	if cfg.ReadingCost <= 0 {
		cfg.ReadingCost = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Service{cfg: cfg, store: st, queue: q, limiter: limiter}
}

// Submit admits one reading: validate -> rate limit -> debit -> create
// row -> enqueue -> mark queued. Any failure after the debit refunds the
// reserved cost before returning.
func (s *Service) Submit(ctx context.Context, accountID string, payload models.ReadingPayload) (models.Reading, error) {
	if err := validate(accountID, payload); err != nil {
		return models.Reading{}, err
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(ctx, accountID)
		if err != nil {
			return models.Reading{}, fmt.Errorf("rate limiter: %w", err)
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			return models.Reading{}, ErrRateLimited
		}
	}

	id := uuid.New().String()
	debit, err := s.store.Debit(ctx, accountID, s.cfg.ReadingCost, s.cfg.AllowCoinSpend, id)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			telemetry.InsufficientFunds.Inc()
		}
		return models.Reading{}, err
	}

	reading, err := s.store.CreateReading(ctx, store.CreateReadingParams{
		ID:            id,
		AccountID:     accountID,
		Payload:       payload,
		ReservedStars: debit.Stars,
		ReservedCoins: debit.Coins,
		MaxAttempts:   s.cfg.MaxAttempts,
	})
	if err != nil {
		// The debit landed but no reading exists; credit it straight back.
		if _, cerr := s.store.Credit(ctx, accountID, debit.Stars, debit.Coins, models.ReasonRefund, id); cerr != nil {
			log.Printf("admission: refund after create failure for %s: %v", id, cerr)
		}
		return models.Reading{}, fmt.Errorf("create reading: %w", err)
	}

	if err := s.queue.Enqueue(ctx, id); err != nil {
		s.rollback(ctx, id)
		return models.Reading{}, fmt.Errorf("enqueue reading: %w", err)
	}

	if err := s.store.MarkQueued(ctx, id); err != nil {
		_ = s.queue.Remove(ctx, id)
		s.rollback(ctx, id)
		return models.Reading{}, fmt.Errorf("mark queued: %w", err)
	}

	telemetry.SubmitCounter.Inc()
	reading.Status = models.StatusQueued
	return reading, nil
}

// rollback fails the reading and refunds its reserved cost; the refund is
// part of the same transaction as the failed transition.
func (s *Service) rollback(ctx context.Context, id string) {
	if _, err := s.store.FailSubmission(ctx, id, models.FailureInternal); err != nil {
		log.Printf("admission: rollback of %s failed: %v", id, err)
		return
	}
	telemetry.RefundCounter.Inc()
}

// Status returns the reading for polling clients.
func (s *Service) Status(ctx context.Context, id string) (models.Reading, error) {
	return s.store.GetReading(ctx, id)
}

// Cancel aborts a queued reading with compensation. Readings already
// claimed by a worker cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.store.CancelWithRefund(ctx, id); err != nil {
		return err
	}
	telemetry.RefundCounter.Inc()
	// Best-effort: a stale queue entry is harmless, the claim will fail.
	if err := s.queue.Remove(ctx, id); err != nil {
		log.Printf("admission: remove cancelled %s from queue: %v", id, err)
	}
	return nil
}

func validate(accountID string, payload models.ReadingPayload) error {
	if accountID == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidPayload)
	}
	if payload.Question == "" {
		return fmt.Errorf("%w: question is required", ErrInvalidPayload)
	}
	if utf8.RuneCountInString(payload.Question) > maxQuestionLen {
		return fmt.Errorf("%w: question exceeds %d characters", ErrInvalidPayload, maxQuestionLen)
	}
	return nil
}
