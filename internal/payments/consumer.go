package payments

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/segmentio/kafka-go"

	"github.com/mojisejr/mimi-vibe-backend/internal/store"
)

// ConfirmedEvent is the payment-processor message carried on the topic.
type ConfirmedEvent struct {
	EventID   string `json:"event_id"`
	AccountID string `json:"account_id"`
	Stars     int64  `json:"stars"`
}

// Consumer reads confirmed payment events from Kafka and settles them.
// Kafka delivers at-least-once; the settler's dedup makes that safe, so
// offsets are committed after Settle regardless of Applied vs
// AlreadyApplied.
type Consumer struct {
	reader  *kafka.Reader
	settler *Settler
}

// NewConsumer builds a consumer-group reader for the payments topic.
func NewConsumer(brokers []string, topic, groupID string, settler *Settler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
	return &Consumer{reader: reader, settler: settler}
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			return err
		}

		var event ConfirmedEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			log.Printf("settlement: drop unparseable message at offset %d: %v", msg.Offset, err)
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				return err
			}
			continue
		}

		outcome, err := c.settler.Settle(ctx, event.EventID, event.AccountID, event.Stars)
		if err != nil {
			if errors.Is(err, ErrBadEvent) || errors.Is(err, store.ErrUnknownAccount) {
				// Not recoverable by redelivery; log and move on.
				log.Printf("settlement: reject event %s: %v", event.EventID, err)
				if err := c.reader.CommitMessages(ctx, msg); err != nil {
					return err
				}
				continue
			}
			// Transient store failure: leave the offset so the event is
			// redelivered.
			log.Printf("settlement: settle %s failed, will retry: %v", event.EventID, err)
			continue
		}
		if outcome == AlreadyApplied {
			log.Printf("settlement: event %s already applied", event.EventID)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
