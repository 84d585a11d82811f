package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps entries and consumers in process memory. It backs tests
// and single-process deployments where durability across restarts is not
// needed.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string][]Entry // topic -> entries in cursor order
	consumers map[consumerKey]Consumer
}

type consumerKey struct {
	consumerID string
	topic      string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string][]Entry),
		consumers: make(map[consumerKey]Consumer),
	}
}

func (s *MemoryStore) AppendEntry(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Topic] = append(s.entries[entry.Topic], entry)
	return nil
}

func (s *MemoryStore) ReadAfter(_ context.Context, topic, after string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.entries[topic]
	start := sort.Search(len(all), func(i int) bool { return all[i].Cursor > after })

	end := len(all)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]Entry, end-start)
	copy(out, all[start:end])
	return out, nil
}

func (s *MemoryStore) LatestCursor(_ context.Context, topic string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.entries[topic]
	if len(all) == 0 {
		return "", nil
	}
	return all[len(all)-1].Cursor, nil
}

func (s *MemoryStore) CreateConsumer(_ context.Context, c Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers[consumerKey{c.ConsumerID, c.Topic}] = c
	return nil
}

func (s *MemoryStore) GetConsumer(_ context.Context, consumerID, topic string) (Consumer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consumers[consumerKey{consumerID, topic}]
	if !ok {
		return Consumer{}, ErrConsumerNotFound
	}
	return c, nil
}

func (s *MemoryStore) AdvanceCursor(_ context.Context, consumerID, topic, cursor string, at time.Time) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := consumerKey{consumerID, topic}
	c, ok := s.consumers[key]
	if !ok {
		return "", false, ErrConsumerNotFound
	}
	prev := c.Cursor
	c.LastActivityAt = at
	advanced := cursor > c.Cursor
	if advanced {
		c.Cursor = cursor
	}
	s.consumers[key] = c
	return prev, advanced, nil
}

func (s *MemoryStore) TouchConsumer(_ context.Context, consumerID, topic string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := consumerKey{consumerID, topic}
	c, ok := s.consumers[key]
	if !ok {
		return ErrConsumerNotFound
	}
	c.LastActivityAt = at
	s.consumers[key] = c
	return nil
}

func (s *MemoryStore) DeleteConsumer(_ context.Context, consumerID, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumers, consumerKey{consumerID, topic})
	return nil
}

func (s *MemoryStore) Cleanup(_ context.Context, policy RetentionPolicy, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Purge idle consumers first so their cursors no longer pin entries.
	if policy.ConsumerTTL > 0 {
		idleBefore := now.Add(-policy.ConsumerTTL)
		for key, c := range s.consumers {
			if c.LastActivityAt.Before(idleBefore) {
				delete(s.consumers, key)
			}
		}
	}

	// minCursor per topic, over consumers that have acknowledged something.
	minCursor := make(map[string]string)
	for key, c := range s.consumers {
		if c.Cursor == "" {
			continue
		}
		cur, ok := minCursor[key.topic]
		if !ok || c.Cursor < cur {
			minCursor[key.topic] = c.Cursor
		}
	}

	deleted := 0
	expiredBefore := now.Add(-policy.MessageTTL)
	for topic, all := range s.entries {
		min := minCursor[topic]
		kept := all[:0]
		for _, e := range all {
			expired := policy.MessageTTL > 0 && e.CreatedAt.Before(expiredBefore)
			if expired && min != "" && e.Cursor < min {
				deleted++
				continue
			}
			kept = append(kept, e)
		}

		// Hard cap regardless of acknowledgements.
		if policy.MaxEntriesPerTopic > 0 && len(kept) > policy.MaxEntriesPerTopic {
			excess := len(kept) - policy.MaxEntriesPerTopic
			deleted += excess
			kept = kept[excess:]
		}
		s.entries[topic] = kept
	}
	return deleted, nil
}

func (s *MemoryStore) Close() error { return nil }
