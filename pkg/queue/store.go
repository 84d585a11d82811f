package queue

import (
	"context"
	"errors"
	"time"

	"github.com/parleyio/parley/pkg/event"
)

// ErrConsumerNotFound is returned by operations referencing a consumer that
// does not exist (never created, deleted, or purged by cleanup).
var ErrConsumerNotFound = errors.New("queue: consumer not found")

// Entry is one persisted queue record. Cursor strings sort lexicographically
// in append order within a topic.
type Entry struct {
	Topic     string      `json:"topic"`
	Cursor    string      `json:"cursor"`
	Event     event.Event `json:"event"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Consumer is a durable per-topic read position. A nil-cursor consumer has
// never acknowledged anything and reads from the beginning of the topic.
type Consumer struct {
	ConsumerID     string
	Topic          string
	Cursor         string // "" means no entry acknowledged yet
	LastActivityAt time.Time
}

// RetentionPolicy bounds what cleanup may delete.
type RetentionPolicy struct {
	ConsumerTTL        time.Duration
	MessageTTL         time.Duration
	MaxEntriesPerTopic int
}

// Store persists queue entries and consumer cursors. Implementations must be
// safe for concurrent use; the queue serializes appends per topic above this
// interface, so AppendEntry never races with itself on one topic.
type Store interface {
	// AppendEntry persists one entry. The cursor is already allocated.
	AppendEntry(ctx context.Context, entry Entry) error

	// ReadAfter returns up to limit entries on topic with cursor strictly
	// greater than after, in cursor order. after == "" reads from the start.
	ReadAfter(ctx context.Context, topic, after string, limit int) ([]Entry, error)

	// LatestCursor returns the greatest cursor on topic, or "" if the topic
	// has no entries.
	LatestCursor(ctx context.Context, topic string) (string, error)

	// CreateConsumer persists a new consumer record.
	CreateConsumer(ctx context.Context, c Consumer) error

	// GetConsumer returns the consumer record or ErrConsumerNotFound.
	GetConsumer(ctx context.Context, consumerID, topic string) (Consumer, error)

	// AdvanceCursor sets the consumer's cursor to max(current, cursor) and
	// stamps lastActivityAt. It reports the cursor before the call and
	// whether the call moved it forward.
	AdvanceCursor(ctx context.Context, consumerID, topic, cursor string, at time.Time) (prev string, advanced bool, err error)

	// TouchConsumer refreshes lastActivityAt without moving the cursor.
	TouchConsumer(ctx context.Context, consumerID, topic string, at time.Time) error

	// DeleteConsumer removes the consumer record. Deleting an unknown
	// consumer is not an error.
	DeleteConsumer(ctx context.Context, consumerID, topic string) error

	// Cleanup applies the retention policy as of now: purges consumers idle
	// longer than ConsumerTTL, deletes entries both older than MessageTTL
	// and acknowledged by every remaining consumer that has a cursor, and
	// trims each topic down to MaxEntriesPerTopic. Returns the number of
	// entries deleted.
	Cleanup(ctx context.Context, policy RetentionPolicy, now time.Time) (int, error)

	Close() error
}
