package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Martian-dev/brain-sync/internal/metrics"
)

// WrittenEvent announces that an item was materialized.
type WrittenEvent struct {
	EventID      string    `json:"event_id"`
	RunID        string    `json:"run_id"`
	CollectionID string    `json:"collection_id"`
	StableID     string    `json:"stable_id"`
	Key          string    `json:"key"`
	Mode         WriteMode `json:"mode"`
	Digest       string    `json:"digest"`
	OccurredAt   time.Time `json:"occurred_at,omitempty"`
	WrittenAt    time.Time `json:"written_at"`
}

// Subject is the NATS subject of the event.
func (ev WrittenEvent) Subject() string {
	return "sync." + subjectToken(ev.CollectionID) + ".item.written"
}

// MsgID is the broker dedup id: the same content of the same item is
// announced at most once per dedup window.
func (ev WrittenEvent) MsgID() string {
	return fmt.Sprintf("item.written|%s|%s|%s", ev.CollectionID, ev.StableID, ev.Digest)
}

// Encode serializes the event payload.
func (ev WrittenEvent) Encode() ([]byte, error) {
	return json.Marshal(ev)
}

func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// Notifier receives an event for every written item. Notification failures
// are logged and never affect watermarks.
type Notifier interface {
	Notify(ctx context.Context, ev WrittenEvent) error
}

// Publisher publishes a message with a broker-side dedup id.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// PublishNotifier publishes events directly, without an outbox.
type PublishNotifier struct {
	Publisher Publisher
}

// Notify implements Notifier.
func (n PublishNotifier) Notify(ctx context.Context, ev WrittenEvent) error {
	payload, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return n.Publisher.Publish(ev.Subject(), payload, ev.MsgID())
}

// OutboxMessage is a queued event awaiting publication.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Outbox is the durable queue drained by Dispatcher.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Dispatcher moves outbox messages to a Publisher.
type Dispatcher struct {
	Outbox       Outbox
	Publisher    Publisher
	Logger       *zap.Logger
	BatchSize    int
	RetryBackoff time.Duration
	IdleDelay    time.Duration
}

// DispatchOnce publishes one batch and returns how many messages were published.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	batch := d.BatchSize
	if batch <= 0 {
		batch = 100
	}
	backoff := d.RetryBackoff
	if backoff <= 0 {
		backoff = 10 * time.Second
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}

	messages, err := d.Outbox.DequeueOutbox(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("dequeue outbox: %w", err)
	}

	published := 0
	for _, msg := range messages {
		if err := d.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			log.Warn("publish failed, scheduling retry", zap.Int64("outbox_id", msg.ID), zap.Error(err))
			metrics.OutboxPublished.WithLabelValues("error").Inc()
			_ = d.Outbox.MarkOutboxRetry(ctx, msg.ID, backoff)
			continue
		}
		metrics.OutboxPublished.WithLabelValues("ok").Inc()
		if err := d.Outbox.MarkPublished(ctx, msg.ID); err != nil {
			log.Error("mark published failed", zap.Int64("outbox_id", msg.ID), zap.Error(err))
			continue
		}
		published++
	}
	return published, nil
}

// Run dispatches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	idle := d.IdleDelay
	if idle <= 0 {
		idle = 500 * time.Millisecond
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}

	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			log.Error("outbox dispatch failed", zap.Error(err))
		}

		delay := time.Duration(0)
		if err != nil {
			delay = time.Second
		} else if n == 0 {
			delay = idle
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
