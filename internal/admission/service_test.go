package admission

import (
	"context"
	"errors"
	"testing"

	"github.com/mojisejr/mimi-vibe-backend/internal/models"
	"github.com/mojisejr/mimi-vibe-backend/internal/store"
)

// fakeStore keeps one account's balances in memory and mirrors the real
// store's debit policy: stars first, coins only when allowed, no partial
// debit.
type fakeStore struct {
	stars, coins int64
	readings     map[string]*models.Reading
	refunds      int
	failCreate   bool
}

func newFakeStore(stars, coins int64) *fakeStore {
	return &fakeStore{stars: stars, coins: coins, readings: make(map[string]*models.Reading)}
}

func (f *fakeStore) Debit(_ context.Context, _ string, amount int64, allowCoins bool, _ string) (store.DebitResult, error) {
	useStars := amount
	if useStars > f.stars {
		useStars = f.stars
	}
	useCoins := amount - useStars
	if useCoins > 0 && (!allowCoins || f.coins < useCoins) {
		return store.DebitResult{}, store.ErrInsufficientFunds
	}
	f.stars -= useStars
	f.coins -= useCoins
	return store.DebitResult{
		Balance: store.Balance{Stars: f.stars, Coins: f.coins},
		Stars:   useStars,
		Coins:   useCoins,
	}, nil
}

func (f *fakeStore) Credit(_ context.Context, _ string, stars, coins int64, _, _ string) (store.Balance, error) {
	f.stars += stars
	f.coins += coins
	f.refunds++
	return store.Balance{Stars: f.stars, Coins: f.coins}, nil
}

func (f *fakeStore) CreateReading(_ context.Context, p store.CreateReadingParams) (models.Reading, error) {
	if f.failCreate {
		return models.Reading{}, errors.New("insert failed")
	}
	r := &models.Reading{
		ID:           p.ID,
		AccountID:    p.AccountID,
		Payload:      p.Payload,
		Status:       models.StatusSubmitted,
		ReservedCost: p.ReservedStars + p.ReservedCoins,
	}
	f.readings[p.ID] = r
	return *r, nil
}

func (f *fakeStore) MarkQueued(_ context.Context, id string) error {
	f.readings[id].Status = models.StatusQueued
	return nil
}

func (f *fakeStore) FailSubmission(_ context.Context, id, reason string) (bool, error) {
	r, ok := f.readings[id]
	if !ok {
		return false, nil
	}
	r.Status = models.StatusFailed
	r.FailureReason = &reason
	// Submissions in these tests debit stars only, so the whole
	// reserved cost returns as stars.
	f.stars += r.ReservedCost
	f.refunds++
	return true, nil
}

func (f *fakeStore) CancelWithRefund(_ context.Context, id string) error {
	r, ok := f.readings[id]
	if !ok || r.Status != models.StatusQueued {
		return store.ErrNotCancelable
	}
	reason := models.FailureCancelled
	r.Status = models.StatusFailed
	r.FailureReason = &reason
	f.stars += r.ReservedCost
	f.refunds++
	return nil
}

func (f *fakeStore) GetReading(_ context.Context, id string) (models.Reading, error) {
	r, ok := f.readings[id]
	if !ok {
		return models.Reading{}, store.ErrNotFound
	}
	return *r, nil
}

type fakeQueue struct {
	entries     []string
	failEnqueue bool
}

func (q *fakeQueue) Enqueue(_ context.Context, id string) error {
	if q.failEnqueue {
		return errors.New("redis down")
	}
	q.entries = append(q.entries, id)
	return nil
}

func (q *fakeQueue) Remove(_ context.Context, id string) error {
	for i, e := range q.entries {
		if e == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

type fakeLimiter struct {
	allowed bool
}

func (l *fakeLimiter) Allow(_ context.Context, _ string) (bool, int64, error) {
	return l.allowed, 1, nil
}

func payload() models.ReadingPayload {
	return models.ReadingPayload{Question: "will the rain come?"}
}

func TestSubmitDebitsAndEnqueues(t *testing.T) {
	st := newFakeStore(5, 0)
	q := &fakeQueue{}
	svc := New(Config{ReadingCost: 1}, st, q, &fakeLimiter{allowed: true})

	// Three submissions at cost 1 leave a balance of 2.
	for i := 0; i < 3; i++ {
		r, err := svc.Submit(context.Background(), "acct", payload())
		if err != nil {
			t.Fatalf("submit %d: %v", i+1, err)
		}
		if r.Status != models.StatusQueued {
			t.Fatalf("submit %d: status = %s, want queued", i+1, r.Status)
		}
	}
	if st.stars != 2 {
		t.Fatalf("stars = %d, want 2", st.stars)
	}
	if len(q.entries) != 3 {
		t.Fatalf("queue entries = %d, want 3", len(q.entries))
	}

	// A fourth submission at cost 3 must fail and leave the balance alone.
	big := New(Config{ReadingCost: 3}, st, q, &fakeLimiter{allowed: true})
	_, err := big.Submit(context.Background(), "acct", payload())
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if st.stars != 2 {
		t.Fatalf("failed submit changed balance: stars = %d, want 2", st.stars)
	}
	if len(st.readings) != 3 {
		t.Fatalf("failed submit created a reading row")
	}
}

func TestSubmitRateLimited(t *testing.T) {
	st := newFakeStore(5, 0)
	svc := New(Config{ReadingCost: 1}, st, &fakeQueue{}, &fakeLimiter{allowed: false})

	_, err := svc.Submit(context.Background(), "acct", payload())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if st.stars != 5 {
		t.Fatalf("rate-limited submit must not debit, stars = %d", st.stars)
	}
}

func TestSubmitInvalidPayload(t *testing.T) {
	st := newFakeStore(5, 0)
	svc := New(Config{ReadingCost: 1}, st, &fakeQueue{}, &fakeLimiter{allowed: true})

	_, err := svc.Submit(context.Background(), "acct", models.ReadingPayload{})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
	_, err = svc.Submit(context.Background(), "", payload())
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload for empty account, got %v", err)
	}
	if st.stars != 5 {
		t.Fatalf("invalid submit must not debit, stars = %d", st.stars)
	}
}

func TestSubmitEnqueueFailureRefunds(t *testing.T) {
	st := newFakeStore(5, 0)
	q := &fakeQueue{failEnqueue: true}
	svc := New(Config{ReadingCost: 2}, st, q, &fakeLimiter{allowed: true})

	_, err := svc.Submit(context.Background(), "acct", payload())
	if err == nil {
		t.Fatalf("expected submit to fail when enqueue fails")
	}
	if st.stars != 5 {
		t.Fatalf("debit must be compensated after enqueue failure, stars = %d", st.stars)
	}
	if st.refunds != 1 {
		t.Fatalf("expected exactly one refund, got %d", st.refunds)
	}
}

func TestSubmitCreateFailureRefunds(t *testing.T) {
	st := newFakeStore(5, 0)
	st.failCreate = true
	svc := New(Config{ReadingCost: 2}, st, &fakeQueue{}, &fakeLimiter{allowed: true})

	_, err := svc.Submit(context.Background(), "acct", payload())
	if err == nil {
		t.Fatalf("expected submit to fail when create fails")
	}
	if st.stars != 5 {
		t.Fatalf("debit must be compensated after create failure, stars = %d", st.stars)
	}
}

func TestCancelQueuedRefunds(t *testing.T) {
	st := newFakeStore(5, 0)
	q := &fakeQueue{}
	svc := New(Config{ReadingCost: 1}, st, q, &fakeLimiter{allowed: true})

	r, err := svc.Submit(context.Background(), "acct", payload())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := svc.Cancel(context.Background(), r.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if st.stars != 5 {
		t.Fatalf("cancel must refund, stars = %d", st.stars)
	}
	got, _ := svc.Status(context.Background(), r.ID)
	if got.Status != models.StatusFailed || got.FailureReason == nil || *got.FailureReason != models.FailureCancelled {
		t.Fatalf("cancelled reading = %+v", got)
	}

	// A second cancel finds nothing to cancel.
	if err := svc.Cancel(context.Background(), r.ID); !errors.Is(err, store.ErrNotCancelable) {
		t.Fatalf("expected not cancelable, got %v", err)
	}
}
