package queue

import (
	"fmt"
	"strconv"
	"sync"
)

// Cursors are "<millis>-<seq>" with fixed-width zero padding, so
// lexicographic order equals allocation order. seq disambiguates appends
// landing in the same millisecond; the clock component is clamped so a
// backwards wall-clock step can never produce a smaller cursor.
type cursorAllocator struct {
	mu     sync.Mutex
	topics map[string]*topicClock
}

type topicClock struct {
	lastMillis int64
	seq        int
}

func newCursorAllocator() *cursorAllocator {
	return &cursorAllocator{topics: make(map[string]*topicClock)}
}

// seed initialises a topic's clock from the latest persisted cursor so a
// restart continues the monotonic sequence. No-op for an already seeded
// topic or an empty cursor.
func (a *cursorAllocator) seed(topic, latest string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.topics[topic]; ok || latest == "" {
		return
	}
	millis, seq, err := parseCursor(latest)
	if err != nil {
		return
	}
	a.topics[topic] = &topicClock{lastMillis: millis, seq: seq}
}

// next allocates a cursor strictly greater than every cursor previously
// allocated for the topic.
func (a *cursorAllocator) next(topic string, nowMillis int64) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	tc, ok := a.topics[topic]
	if !ok {
		tc = &topicClock{lastMillis: nowMillis, seq: -1}
		a.topics[topic] = tc
	}
	if nowMillis > tc.lastMillis {
		tc.lastMillis = nowMillis
		tc.seq = 0
	} else {
		tc.seq++
	}
	return formatCursor(tc.lastMillis, tc.seq)
}

func formatCursor(millis int64, seq int) string {
	return fmt.Sprintf("%013d-%06d", millis, seq)
}

func parseCursor(cursor string) (millis int64, seq int, err error) {
	if len(cursor) != 20 || cursor[13] != '-' {
		return 0, 0, fmt.Errorf("malformed cursor %q", cursor)
	}
	millis, err = strconv.ParseInt(cursor[:13], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	seq, err = strconv.Atoi(cursor[14:])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	return millis, seq, nil
}
