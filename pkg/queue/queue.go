// Package queue implements a durable per-topic broadcast queue with
// independent consumer cursors and at-least-once delivery.
//
// Entries appended to a topic receive monotonically increasing cursors.
// Consumers read entries past their stored cursor and acknowledge what they
// have processed; unacknowledged entries survive restarts (subject to
// retention) so a consumer can resume where it left off.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/parleyio/parley/pkg/event"
)

// DefaultReadLimit caps a read when the caller passes a negative limit.
const DefaultReadLimit = 100

// AckCallback observes a successful cursor advance. It receives every entry
// newly covered by the acknowledgement, in cursor order.
type AckCallback func(consumerID string, entry Entry)

// Config tunes retention and acknowledgement behavior. Zero values select
// the documented defaults; CleanupInterval < 0 disables auto-cleanup.
type Config struct {
	ConsumerTTL        time.Duration // purge consumers idle longer than this (default 24h)
	MessageTTL         time.Duration // minimum entry retention age (default 48h)
	MaxEntriesPerTopic int           // hard cap per topic (default 10000)
	CleanupInterval    time.Duration // auto-cleanup period (default 5m)
	AckRetryMaxElapsed time.Duration // total time budget for ack retries (default 5s)
	OnAck              AckCallback   // optional
}

func (c Config) withDefaults() Config {
	if c.ConsumerTTL == 0 {
		c.ConsumerTTL = 24 * time.Hour
	}
	if c.MessageTTL == 0 {
		c.MessageTTL = 48 * time.Hour
	}
	if c.MaxEntriesPerTopic == 0 {
		c.MaxEntriesPerTopic = 10000
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.AckRetryMaxElapsed == 0 {
		c.AckRetryMaxElapsed = 5 * time.Second
	}
	return c
}

type subscriber struct {
	consumerID string
	handler    func(Entry)
}

// Queue is the topic queue. All state lives in the Store; the Queue adds
// cursor allocation, per-topic append serialization, live subscriber
// delivery, and the retention loop.
type Queue struct {
	store Store
	cfg   Config

	cursors *cursorAllocator

	mu       sync.Mutex
	topicMus map[string]*sync.Mutex
	seeded   map[string]bool
	subs     map[string]map[int64]subscriber // topic -> subID -> subscriber
	nextSub  int64
	closed   bool

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// New creates a queue over the given store and starts the cleanup loop
// unless it is disabled.
func New(store Store, cfg Config) *Queue {
	q := &Queue{
		store:    store,
		cfg:      cfg.withDefaults(),
		cursors:  newCursorAllocator(),
		topicMus: make(map[string]*sync.Mutex),
		seeded:   make(map[string]bool),
		subs:     make(map[string]map[int64]subscriber),
	}
	if q.cfg.CleanupInterval > 0 {
		q.stopCleanup = make(chan struct{})
		q.cleanupDone = make(chan struct{})
		go q.cleanupLoop()
	}
	return q
}

// Append persists evt on topic and delivers it to live subscribers. The
// returned cursor is strictly greater than every cursor previously
// allocated for the topic. A persistence failure fails the append; nothing
// is delivered.
func (q *Queue) Append(ctx context.Context, topic string, evt event.Event) (string, error) {
	topicMu := q.topicMu(topic)
	topicMu.Lock()
	defer topicMu.Unlock()

	if err := q.seedTopic(ctx, topic); err != nil {
		return "", err
	}

	now := time.Now()
	entry := Entry{
		Topic:     topic,
		Cursor:    q.cursors.next(topic, now.UnixMilli()),
		Event:     evt,
		CreatedAt: now.UTC(),
	}
	if err := q.store.AppendEntry(ctx, entry); err != nil {
		return "", fmt.Errorf("failed to append to topic %s: %w", topic, err)
	}

	// Delivered under the topic lock so subscribers observe append order.
	for _, sub := range q.snapshotSubs(topic) {
		sub.handler(entry)
	}
	return entry.Cursor, nil
}

// CreateConsumer registers a fresh consumer with no cursor on topic.
func (q *Queue) CreateConsumer(ctx context.Context, topic string) (string, error) {
	consumerID := uuid.NewString()
	c := Consumer{
		ConsumerID:     consumerID,
		Topic:          topic,
		LastActivityAt: time.Now().UTC(),
	}
	if err := q.store.CreateConsumer(ctx, c); err != nil {
		return "", fmt.Errorf("failed to create consumer on topic %s: %w", topic, err)
	}
	return consumerID, nil
}

// EnsureConsumer creates a consumer with a caller-chosen ID if it does not
// exist. Used for durable consumers keyed by client identity, where the
// same consumer must be found again across reconnects.
func (q *Queue) EnsureConsumer(ctx context.Context, consumerID, topic string) error {
	_, err := q.store.GetConsumer(ctx, consumerID, topic)
	if err == nil {
		return q.store.TouchConsumer(ctx, consumerID, topic, time.Now().UTC())
	}
	if !errors.Is(err, ErrConsumerNotFound) {
		return err
	}
	c := Consumer{
		ConsumerID:     consumerID,
		Topic:          topic,
		LastActivityAt: time.Now().UTC(),
	}
	if err := q.store.CreateConsumer(ctx, c); err != nil {
		return fmt.Errorf("failed to ensure consumer %s on topic %s: %w", consumerID, topic, err)
	}
	return nil
}

// Entries reads up to limit entries with cursor strictly greater than
// after, independent of any consumer. Used for replay. limit <= 0 means
// no limit.
func (q *Queue) Entries(ctx context.Context, topic, after string, limit int) ([]Entry, error) {
	return q.store.ReadAfter(ctx, topic, after, limit)
}

// Read returns up to limit entries past the consumer's cursor, oldest
// first, without advancing the cursor. limit == 0 reads nothing; a
// negative limit selects DefaultReadLimit.
func (q *Queue) Read(ctx context.Context, consumerID, topic string, limit int) ([]Entry, error) {
	c, err := q.store.GetConsumer(ctx, consumerID, topic)
	if err != nil {
		return nil, err
	}
	if limit == 0 {
		return []Entry{}, nil
	}
	if limit < 0 {
		limit = DefaultReadLimit
	}
	return q.store.ReadAfter(ctx, topic, c.Cursor, limit)
}

// Ack advances the consumer's cursor to max(current, cursor). Transient
// store failures are retried with exponential backoff; the error is
// returned once the retry budget is exhausted. The ACK callback fires once
// per entry newly covered by the advance.
func (q *Queue) Ack(ctx context.Context, consumerID, topic, cursor string) error {
	var (
		prev     string
		advanced bool
	)
	operation := func() error {
		var err error
		prev, advanced, err = q.store.AdvanceCursor(ctx, consumerID, topic, cursor, time.Now().UTC())
		if errors.Is(err, ErrConsumerNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = q.cfg.AckRetryMaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		slog.Error("Queue ack failed after retries",
			"consumer_id", consumerID, "topic", topic, "cursor", cursor, "error", err)
		return fmt.Errorf("failed to ack cursor %s on topic %s: %w", cursor, topic, err)
	}

	if advanced && q.cfg.OnAck != nil {
		covered, err := q.store.ReadAfter(ctx, topic, prev, 0)
		if err != nil {
			slog.Warn("Queue ack callback skipped, could not load covered entries",
				"consumer_id", consumerID, "topic", topic, "error", err)
			return nil
		}
		for _, entry := range covered {
			if entry.Cursor > cursor {
				break
			}
			q.cfg.OnAck(consumerID, entry)
		}
	}
	return nil
}

// Subscribe delivers every entry appended to topic after this call to
// handler, in append order. The handler runs on the appender's goroutine
// and must not block. The returned function cancels the subscription.
func (q *Queue) Subscribe(consumerID, topic string, handler func(Entry)) func() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.subs[topic] == nil {
		q.subs[topic] = make(map[int64]subscriber)
	}
	q.nextSub++
	id := q.nextSub
	q.subs[topic][id] = subscriber{consumerID: consumerID, handler: handler}

	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.subs[topic], id)
	}
}

// ConsumerCursor returns the consumer's stored cursor, "" if it has never
// acknowledged anything.
func (q *Queue) ConsumerCursor(ctx context.Context, consumerID, topic string) (string, error) {
	c, err := q.store.GetConsumer(ctx, consumerID, topic)
	if err != nil {
		return "", err
	}
	return c.Cursor, nil
}

// LatestCursor returns the greatest cursor on topic, "" for an empty topic.
func (q *Queue) LatestCursor(ctx context.Context, topic string) (string, error) {
	return q.store.LatestCursor(ctx, topic)
}

// DeleteConsumer removes the consumer's cursor record.
func (q *Queue) DeleteConsumer(ctx context.Context, consumerID, topic string) error {
	return q.store.DeleteConsumer(ctx, consumerID, topic)
}

// Cleanup applies the retention policy once and returns the number of
// entries deleted.
func (q *Queue) Cleanup(ctx context.Context) (int, error) {
	policy := RetentionPolicy{
		ConsumerTTL:        q.cfg.ConsumerTTL,
		MessageTTL:         q.cfg.MessageTTL,
		MaxEntriesPerTopic: q.cfg.MaxEntriesPerTopic,
	}
	return q.store.Cleanup(ctx, policy, time.Now().UTC())
}

// Close stops the cleanup loop, drops all subscriptions, and closes the
// store. Idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.subs = make(map[string]map[int64]subscriber)
	q.mu.Unlock()

	if q.stopCleanup != nil {
		close(q.stopCleanup)
		<-q.cleanupDone
	}
	return q.store.Close()
}

func (q *Queue) cleanupLoop() {
	defer close(q.cleanupDone)
	ticker := time.NewTicker(q.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			count, err := q.Cleanup(context.Background())
			if err != nil {
				slog.Error("Queue cleanup failed", "error", err)
			} else if count > 0 {
				slog.Debug("Queue cleanup removed entries", "count", count)
			}
		case <-q.stopCleanup:
			return
		}
	}
}

func (q *Queue) topicMu(topic string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	mu, ok := q.topicMus[topic]
	if !ok {
		mu = &sync.Mutex{}
		q.topicMus[topic] = mu
	}
	return mu
}

// seedTopic primes the cursor allocator from persisted state so cursors
// stay monotonic across restarts. Called under the topic lock.
func (q *Queue) seedTopic(ctx context.Context, topic string) error {
	q.mu.Lock()
	done := q.seeded[topic]
	q.mu.Unlock()
	if done {
		return nil
	}

	latest, err := q.store.LatestCursor(ctx, topic)
	if err != nil {
		return fmt.Errorf("failed to seed cursor allocator for topic %s: %w", topic, err)
	}
	q.cursors.seed(topic, latest)

	q.mu.Lock()
	q.seeded[topic] = true
	q.mu.Unlock()
	return nil
}

func (q *Queue) snapshotSubs(topic string) []subscriber {
	q.mu.Lock()
	defer q.mu.Unlock()
	subs := make([]subscriber, 0, len(q.subs[topic]))
	for _, sub := range q.subs[topic] {
		subs = append(subs, sub)
	}
	return subs
}
