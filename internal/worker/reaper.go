package worker

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/mojisejr/mimi-vibe-backend/internal/models"
	"github.com/mojisejr/mimi-vibe-backend/internal/telemetry"
)

// staleQueuedAge is how long a queued row may sit untouched before the
// sweep assumes its queue entry was lost and re-enqueues it.
const staleQueuedAge = 5 * time.Minute

// runReaper periodically promotes due retries, reclaims expired leases,
// and re-derives queued readings whose dispatch entry went missing. This
// is what keeps a crashed worker's reading from sticking in processing
// forever.
func (p *Pool) runReaper(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := p.queue.PromoteDue(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize)); err != nil {
			log.Printf("reaper: promote scheduled: %v", err)
		}

		p.reclaimExpired(ctx)
		p.resyncQueued(ctx)

		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func (p *Pool) reclaimExpired(ctx context.Context) {
	expired, err := p.store.ExpiredLeases(ctx, p.cfg.ScheduledBatchSize)
	if err != nil {
		log.Printf("reaper: list expired leases: %v", err)
		return
	}
	for _, e := range expired {
		if p.cfg.RetryOnLeaseExpiry && e.Attempts < e.MaxAttempts {
			reset, err := p.store.ResetExpired(ctx, e.ID)
			if err != nil {
				log.Printf("reaper: reset %s: %v", e.ID, err)
				continue
			}
			if reset {
				if err := p.queue.Enqueue(ctx, e.ID); err != nil {
					// Queued row with no entry; the stale sweep recovers it.
					log.Printf("reaper: re-enqueue %s: %v", e.ID, err)
				}
				telemetry.ReaperReclaims.Inc()
			}
			continue
		}
		failed, err := p.store.FailExpired(ctx, e.ID, models.FailureTimeout)
		if err != nil {
			log.Printf("reaper: fail expired %s: %v", e.ID, err)
			continue
		}
		if failed {
			telemetry.ReaperReclaims.Inc()
			telemetry.WorkerFailures.Inc()
			telemetry.RefundCounter.Inc()
		}
	}
}

func (p *Pool) resyncQueued(ctx context.Context) {
	ids, err := p.store.StaleQueued(ctx, staleQueuedAge, p.cfg.ScheduledBatchSize)
	if err != nil {
		log.Printf("reaper: list stale queued: %v", err)
		return
	}
	for _, id := range ids {
		if err := p.queue.Enqueue(ctx, id); err != nil {
			log.Printf("reaper: resync %s: %v", id, err)
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
