// Package worker runs the consuming side of the pipeline: a fixed pool
// of goroutines popping reading IDs, claiming them, calling the
// generation provider, and settling the outcome against the ledger.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mojisejr/mimi-vibe-backend/internal/models"
	"github.com/mojisejr/mimi-vibe-backend/internal/provider"
	"github.com/mojisejr/mimi-vibe-backend/internal/store"
	"github.com/mojisejr/mimi-vibe-backend/internal/telemetry"
)

// Store is the persistence surface the pool needs. *store.Store
// satisfies it; tests inject fakes.
type Store interface {
	Claim(ctx context.Context, id, workerID string, lease time.Duration) (models.Reading, bool, error)
	ExtendLease(ctx context.Context, id, workerID string, lease time.Duration) error
	Complete(ctx context.Context, id, workerID, result string) (bool, error)
	FailWithRefund(ctx context.Context, id, workerID, reason string) (bool, error)
	Requeue(ctx context.Context, id, workerID string) (bool, error)
	ExpiredLeases(ctx context.Context, limit int) ([]store.ExpiredLease, error)
	ResetExpired(ctx context.Context, id string) (bool, error)
	FailExpired(ctx context.Context, id, reason string) (bool, error)
	StaleQueued(ctx context.Context, age time.Duration, limit int) ([]string, error)
}

// Queue is the dispatch channel the pool consumes from.
type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) (string, error)
	Enqueue(ctx context.Context, id string) error
	Schedule(ctx context.Context, id string, runAt time.Time) error
	PromoteDue(ctx context.Context, now time.Time, limit int64) (int, error)
	Depth(ctx context.Context) (int64, error)
}

// Archiver stores completed results out of band. Optional.
type Archiver interface {
	Archive(ctx context.Context, reading models.Reading, result string) error
}

// Config holds pool tuning knobs.
type Config struct {
	Count              int
	WorkerID           string
	Lease              time.Duration
	Heartbeat          time.Duration
	PopTimeout         time.Duration
	ProviderTimeout    time.Duration
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	ReaperInterval     time.Duration
	RetryOnLeaseExpiry bool
	ScheduledBatchSize int
}

// Pool is a fixed-size set of workers plus one reaper.
type Pool struct {
	cfg      Config
	store    Store
	queue    Queue
	provider provider.Provider
	archiver Archiver
}

// New constructs the pool. archiver may be nil.
func New(cfg Config, st Store, q Queue, p provider.Provider, archiver Archiver) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 4
	}
	if cfg.Lease == 0 {
		cfg.Lease = 60 * time.Second
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = cfg.Lease / 3
	}
	if cfg.PopTimeout == 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	if cfg.ProviderTimeout == 0 {
		cfg.ProviderTimeout = 45 * time.Second
	}
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 2 * time.Minute
	}
	if cfg.ReaperInterval == 0 {
		cfg.ReaperInterval = 30 * time.Second
	}
	if cfg.ScheduledBatchSize == 0 {
		cfg.ScheduledBatchSize = 100
	}
	return &Pool{cfg: cfg, store: st, queue: q, provider: p, archiver: archiver}
}

// Run starts the workers and the reaper and blocks until ctx ends.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%d", p.cfg.WorkerID, i)
		go func() {
			defer wg.Done()
			p.runLoop(ctx, workerID)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runReaper(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) runLoop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, err := p.queue.Pop(ctx, p.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker %s: pop: %v", workerID, err)
			time.Sleep(time.Second)
			continue
		}
		if id == "" {
			continue
		}
		p.process(ctx, workerID, id)
	}
}

// process claims one reading and drives it to a terminal state or back
// onto the queue.
func (p *Pool) process(ctx context.Context, workerID, id string) {
	reading, claimed, err := p.store.Claim(ctx, id, workerID, p.cfg.Lease)
	if err != nil {
		log.Printf("worker %s: claim %s: %v", workerID, id, err)
		return
	}
	if !claimed {
		// Another worker holds it, or it was cancelled while queued.
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	result, err := p.generate(ctx, workerID, reading)
	if err == nil {
		ok, cerr := p.store.Complete(ctx, id, workerID, result.Text)
		if cerr != nil {
			log.Printf("worker %s: complete %s: %v", workerID, id, cerr)
			return
		}
		if !ok {
			// Claim was lost to the reaper; the result is discarded and
			// whoever owns the reading now settles it.
			log.Printf("worker %s: claim on %s lost before completion", workerID, id)
			return
		}
		telemetry.WorkerSuccess.Inc()
		if p.archiver != nil {
			if aerr := p.archiver.Archive(ctx, reading, result.Text); aerr != nil {
				log.Printf("worker %s: archive %s: %v", workerID, id, aerr)
			}
		}
		return
	}

	if provider.IsTransient(err) && reading.Attempts < reading.MaxAttempts {
		requeued, rerr := p.store.Requeue(ctx, id, workerID)
		if rerr != nil {
			log.Printf("worker %s: requeue %s: %v", workerID, id, rerr)
			return
		}
		if requeued {
			backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, reading.Attempts)
			if serr := p.queue.Schedule(ctx, id, time.Now().Add(backoff)); serr != nil {
				// The row is queued; the stale-queued sweep re-derives it.
				log.Printf("worker %s: schedule retry %s: %v", workerID, id, serr)
			}
			telemetry.WorkerRetries.Inc()
		}
		return
	}

	reason := models.FailureProviderError
	if errors.Is(err, context.DeadlineExceeded) {
		reason = models.FailureTimeout
	}
	failed, ferr := p.store.FailWithRefund(ctx, id, workerID, reason)
	if ferr != nil {
		log.Printf("worker %s: fail %s: %v", workerID, id, ferr)
		return
	}
	if failed {
		log.Printf("worker %s: reading %s failed (%s): %v", workerID, id, reason, err)
		telemetry.WorkerFailures.Inc()
		telemetry.RefundCounter.Inc()
	}
}

// generate calls the provider under its own timeout while a heartbeat
// keeps the lease alive, so a slow provider call cannot outlive the
// claim.
func (p *Pool) generate(ctx context.Context, workerID string, reading models.Reading) (provider.Result, error) {
	genCtx, cancel := context.WithTimeout(ctx, p.cfg.ProviderTimeout)
	defer cancel()

	type outcome struct {
		result provider.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.provider.Generate(genCtx, reading.Payload)
		done <- outcome{result: res, err: err}
	}()

	ticker := time.NewTicker(p.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case out := <-done:
			return out.result, out.err
		case <-ticker.C:
			if err := p.store.ExtendLease(ctx, reading.ID, workerID, p.cfg.Lease); err != nil {
				log.Printf("worker %s: extend lease %s: %v", workerID, reading.ID, err)
			}
		}
	}
}
