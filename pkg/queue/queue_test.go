package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyio/parley/pkg/event"
)

func testEvent(text string) event.Event {
	return event.NewStream(event.TypeTextDelta,
		event.Context{AgentID: "agent-1", SessionID: "sess-1"},
		&event.TextDeltaPayload{Text: text})
}

// newTestQueue disables the cleanup loop so tests control retention runs.
func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	cfg.CleanupInterval = -1
	q := New(NewMemoryStore(), cfg)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func appendN(t *testing.T, q *Queue, topic string, n int) []string {
	t.Helper()
	cursors := make([]string, n)
	for i := range cursors {
		cursor, err := q.Append(context.Background(), topic, testEvent(fmt.Sprintf("e%d", i)))
		require.NoError(t, err)
		cursors[i] = cursor
	}
	return cursors
}

func TestQueue_AppendAssignsIncreasingCursors(t *testing.T) {
	q := newTestQueue(t, Config{})
	cursors := appendN(t, q, "topic", 50)
	for i := 1; i < len(cursors); i++ {
		assert.Greater(t, cursors[i], cursors[i-1])
	}
}

func TestQueue_ReadReturnsEntriesPastCursorWithoutAdvancing(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{})
	cursors := appendN(t, q, "topic", 5)

	consumerID, err := q.CreateConsumer(ctx, "topic")
	require.NoError(t, err)

	entries, err := q.Read(ctx, consumerID, "topic", -1)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, cursors[0], entries[0].Cursor)

	// Read does not advance; a second read sees the same entries.
	again, err := q.Read(ctx, consumerID, "topic", -1)
	require.NoError(t, err)
	assert.Equal(t, entries, again)

	limited, err := q.Read(ctx, consumerID, "topic", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestQueue_ReadWithZeroLimitReturnsNothing(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{})
	cursors := appendN(t, q, "topic", 3)

	consumerID, err := q.CreateConsumer(ctx, "topic")
	require.NoError(t, err)

	entries, err := q.Read(ctx, consumerID, "topic", 0)
	require.NoError(t, err)
	require.NotNil(t, entries)
	assert.Empty(t, entries)

	// The cursor is untouched; a negative limit reads the default window.
	all, err := q.Read(ctx, consumerID, "topic", -1)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, cursors[0], all[0].Cursor)

	// An unknown consumer still errors, regardless of the limit.
	_, err = q.Read(ctx, "nope", "topic", 0)
	assert.ErrorIs(t, err, ErrConsumerNotFound)
}

func TestQueue_AckAdvancesCursorToMax(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{})
	cursors := appendN(t, q, "topic", 3)

	consumerID, err := q.CreateConsumer(ctx, "topic")
	require.NoError(t, err)

	cur, err := q.ConsumerCursor(ctx, consumerID, "topic")
	require.NoError(t, err)
	assert.Equal(t, "", cur, "fresh consumer has no cursor")

	require.NoError(t, q.Ack(ctx, consumerID, "topic", cursors[1]))

	entries, err := q.Read(ctx, consumerID, "topic", -1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, cursors[2], entries[0].Cursor)

	// Acking backwards keeps the max.
	require.NoError(t, q.Ack(ctx, consumerID, "topic", cursors[0]))
	cur, err = q.ConsumerCursor(ctx, consumerID, "topic")
	require.NoError(t, err)
	assert.Equal(t, cursors[1], cur)
}

func TestQueue_AckUnknownConsumerFailsFast(t *testing.T) {
	q := newTestQueue(t, Config{})

	start := time.Now()
	err := q.Ack(context.Background(), "nope", "topic", formatCursor(1, 0))
	assert.ErrorIs(t, err, ErrConsumerNotFound)
	assert.Less(t, time.Since(start), time.Second, "unknown consumer must not be retried")
}

// flakyStore fails AdvanceCursor a fixed number of times before delegating.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) AdvanceCursor(ctx context.Context, consumerID, topic, cursor string, at time.Time) (string, bool, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return "", false, errors.New("transient store failure")
	}
	s.mu.Unlock()
	return s.MemoryStore.AdvanceCursor(ctx, consumerID, topic, cursor, at)
}

func TestQueue_AckRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1}
	q := New(store, Config{CleanupInterval: -1, AckRetryMaxElapsed: 5 * time.Second})
	t.Cleanup(func() { _ = q.Close() })

	cursor, err := q.Append(ctx, "topic", testEvent("x"))
	require.NoError(t, err)
	consumerID, err := q.CreateConsumer(ctx, "topic")
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, consumerID, "topic", cursor))

	got, err := q.ConsumerCursor(ctx, consumerID, "topic")
	require.NoError(t, err)
	assert.Equal(t, cursor, got)
}

func TestQueue_AckCallbackFiresOncePerCoveredEntry(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var covered []string
	q := newTestQueue(t, Config{OnAck: func(consumerID string, entry Entry) {
		mu.Lock()
		covered = append(covered, entry.Cursor)
		mu.Unlock()
	}})

	cursors := appendN(t, q, "topic", 4)
	consumerID, err := q.CreateConsumer(ctx, "topic")
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, consumerID, "topic", cursors[1]))
	require.NoError(t, q.Ack(ctx, consumerID, "topic", cursors[3]))
	// Re-acking an already covered cursor fires nothing.
	require.NoError(t, q.Ack(ctx, consumerID, "topic", cursors[2]))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{cursors[0], cursors[1], cursors[2], cursors[3]}, covered)
}

func TestQueue_SubscribeDeliversInAppendOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{})

	var got []string
	unsubscribe := q.Subscribe("c1", "topic", func(e Entry) {
		got = append(got, e.Event.Data.(*event.TextDeltaPayload).Text)
	})

	appendN(t, q, "topic", 3)
	assert.Equal(t, []string{"e0", "e1", "e2"}, got)

	unsubscribe()
	_, err := q.Append(ctx, "topic", testEvent("late"))
	require.NoError(t, err)
	assert.Len(t, got, 3, "no delivery after unsubscribe")
}

func TestQueue_SubscribersAreTopicScoped(t *testing.T) {
	q := newTestQueue(t, Config{})

	calls := 0
	q.Subscribe("c1", "topic-a", func(Entry) { calls++ })

	appendN(t, q, "topic-b", 3)
	assert.Zero(t, calls)
}

func TestQueue_ConcurrentAppendsStayMonotonic(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, err := q.Append(ctx, "topic", testEvent("x"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	entries, err := q.store.ReadAfter(ctx, "topic", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 200)
	for i := 1; i < len(entries); i++ {
		assert.Greater(t, entries[i].Cursor, entries[i-1].Cursor)
	}
}

func TestQueue_DeleteConsumerRemovesCursor(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{})

	consumerID, err := q.CreateConsumer(ctx, "topic")
	require.NoError(t, err)
	require.NoError(t, q.DeleteConsumer(ctx, consumerID, "topic"))

	_, err = q.ConsumerCursor(ctx, consumerID, "topic")
	assert.ErrorIs(t, err, ErrConsumerNotFound)
}

// Retention: one consumer acks everything, a second acks nothing. Before
// the retention age passes nothing is deleted; after it passes, entries
// acked by every cursor-bearing consumer go away and the idle second
// consumer loses access to them once purged.
func TestMemoryStore_CleanupRetention(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	entryAt := func(i int, age time.Duration) Entry {
		return Entry{
			Topic:     "topic",
			Cursor:    formatCursor(int64(1000+i), 0),
			Event:     testEvent(fmt.Sprintf("e%d", i)),
			CreatedAt: now.Add(-age),
		}
	}
	require.NoError(t, store.AppendEntry(ctx, entryAt(0, 3*time.Hour)))
	require.NoError(t, store.AppendEntry(ctx, entryAt(1, 2*time.Hour)))
	require.NoError(t, store.AppendEntry(ctx, entryAt(2, time.Minute)))

	require.NoError(t, store.CreateConsumer(ctx, Consumer{
		ConsumerID: "c1", Topic: "topic",
		Cursor: formatCursor(1002, 0), LastActivityAt: now,
	}))
	require.NoError(t, store.CreateConsumer(ctx, Consumer{
		ConsumerID: "c2", Topic: "topic", LastActivityAt: now,
	}))

	policy := RetentionPolicy{ConsumerTTL: 24 * time.Hour, MessageTTL: 48 * time.Hour, MaxEntriesPerTopic: 100}

	// Retention age not reached: nothing deleted even though c1 acked all.
	deleted, err := store.Cleanup(ctx, policy, now)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	// Age passed for the two older entries. c2 never acked, but a nil
	// cursor does not pin expired entries.
	policy.MessageTTL = 90 * time.Minute
	deleted, err = store.Cleanup(ctx, policy, now)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	remaining, err := store.ReadAfter(ctx, "topic", "", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, formatCursor(1002, 0), remaining[0].Cursor)
}

func TestMemoryStore_CleanupTrimsToEntryCap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	for i := 0; i < 10; i++ {
		require.NoError(t, store.AppendEntry(ctx, Entry{
			Topic:     "topic",
			Cursor:    formatCursor(int64(1000+i), 0),
			Event:     testEvent("x"),
			CreatedAt: now,
		}))
	}

	deleted, err := store.Cleanup(ctx, RetentionPolicy{MaxEntriesPerTopic: 4}, now)
	require.NoError(t, err)
	assert.Equal(t, 6, deleted)

	remaining, err := store.ReadAfter(ctx, "topic", "", 0)
	require.NoError(t, err)
	require.Len(t, remaining, 4)
	assert.Equal(t, formatCursor(1006, 0), remaining[0].Cursor, "oldest entries trimmed first")
}

func TestMemoryStore_CleanupPurgesIdleConsumers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	require.NoError(t, store.CreateConsumer(ctx, Consumer{
		ConsumerID: "stale", Topic: "topic", LastActivityAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, store.CreateConsumer(ctx, Consumer{
		ConsumerID: "fresh", Topic: "topic", LastActivityAt: now,
	}))

	_, err := store.Cleanup(ctx, RetentionPolicy{ConsumerTTL: 24 * time.Hour}, now)
	require.NoError(t, err)

	_, err = store.GetConsumer(ctx, "stale", "topic")
	assert.ErrorIs(t, err, ErrConsumerNotFound)
	_, err = store.GetConsumer(ctx, "fresh", "topic")
	assert.NoError(t, err)
}

func TestQueue_CursorSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	q1 := New(store, Config{CleanupInterval: -1})
	last, err := q1.Append(ctx, "topic", testEvent("before"))
	require.NoError(t, err)
	require.NoError(t, q1.Close())

	// A new queue over the same store continues the cursor sequence.
	q2 := New(store, Config{CleanupInterval: -1})
	t.Cleanup(func() { _ = q2.Close() })
	next, err := q2.Append(ctx, "topic", testEvent("after"))
	require.NoError(t, err)
	assert.Greater(t, next, last)
}
