package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/parleyio/parley/pkg/event"
)

// PostgresStore persists queue state in the queue_entries and queue_consumers
// tables (created by the database migrations). A "" cursor maps to SQL NULL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle. The handle is shared with
// the rest of the application and is not closed by Close.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) AppendEntry(ctx context.Context, entry Entry) error {
	eventJSON, err := json.Marshal(entry.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal queue event: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queue_entries (topic, cursor, event_json, created_at)
		 VALUES ($1, $2, $3, $4)`,
		entry.Topic, entry.Cursor, eventJSON, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append entry to topic %s: %w", entry.Topic, err)
	}
	return nil
}

func (s *PostgresStore) ReadAfter(ctx context.Context, topic, after string, limit int) ([]Entry, error) {
	query := `SELECT cursor, event_json, created_at
		 FROM queue_entries
		 WHERE topic = $1 AND cursor > $2
		 ORDER BY cursor`
	args := []any{topic, after}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read entries for topic %s: %w", topic, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			cursor    string
			eventJSON []byte
			createdAt time.Time
		)
		if err := rows.Scan(&cursor, &eventJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		var evt event.Event
		if err := json.Unmarshal(eventJSON, &evt); err != nil {
			return nil, fmt.Errorf("failed to unmarshal queue event at cursor %s: %w", cursor, err)
		}
		entries = append(entries, Entry{Topic: topic, Cursor: cursor, Event: evt, CreatedAt: createdAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) LatestCursor(ctx context.Context, topic string) (string, error) {
	var cursor sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(cursor) FROM queue_entries WHERE topic = $1`, topic).Scan(&cursor)
	if err != nil {
		return "", fmt.Errorf("failed to read latest cursor for topic %s: %w", topic, err)
	}
	return cursor.String, nil
}

func (s *PostgresStore) CreateConsumer(ctx context.Context, c Consumer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_consumers (consumer_id, topic, cursor, last_activity_at)
		 VALUES ($1, $2, $3, $4)`,
		c.ConsumerID, c.Topic, nullableCursor(c.Cursor), c.LastActivityAt)
	if err != nil {
		return fmt.Errorf("failed to create consumer %s on topic %s: %w", c.ConsumerID, c.Topic, err)
	}
	return nil
}

func (s *PostgresStore) GetConsumer(ctx context.Context, consumerID, topic string) (Consumer, error) {
	var (
		cursor         sql.NullString
		lastActivityAt time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor, last_activity_at FROM queue_consumers
		 WHERE consumer_id = $1 AND topic = $2`,
		consumerID, topic).Scan(&cursor, &lastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Consumer{}, ErrConsumerNotFound
	}
	if err != nil {
		return Consumer{}, fmt.Errorf("failed to get consumer %s on topic %s: %w", consumerID, topic, err)
	}
	return Consumer{ConsumerID: consumerID, Topic: topic, Cursor: cursor.String, LastActivityAt: lastActivityAt}, nil
}

func (s *PostgresStore) AdvanceCursor(ctx context.Context, consumerID, topic, cursor string, at time.Time) (string, bool, error) {
	var prev sql.NullString
	err := s.db.QueryRowContext(ctx,
		`WITH prev AS (
			SELECT cursor FROM queue_consumers
			WHERE consumer_id = $1 AND topic = $2
			FOR UPDATE
		 )
		 UPDATE queue_consumers c
		 SET cursor = GREATEST(COALESCE(c.cursor, ''), $3), last_activity_at = $4
		 FROM prev
		 WHERE c.consumer_id = $1 AND c.topic = $2
		 RETURNING prev.cursor`,
		consumerID, topic, cursor, at).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, ErrConsumerNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to advance cursor for consumer %s on topic %s: %w", consumerID, topic, err)
	}
	return prev.String, cursor > prev.String, nil
}

func (s *PostgresStore) TouchConsumer(ctx context.Context, consumerID, topic string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_consumers SET last_activity_at = $3
		 WHERE consumer_id = $1 AND topic = $2`,
		consumerID, topic, at)
	if err != nil {
		return fmt.Errorf("failed to touch consumer %s on topic %s: %w", consumerID, topic, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConsumerNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteConsumer(ctx context.Context, consumerID, topic string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_consumers WHERE consumer_id = $1 AND topic = $2`,
		consumerID, topic)
	if err != nil {
		return fmt.Errorf("failed to delete consumer %s on topic %s: %w", consumerID, topic, err)
	}
	return nil
}

func (s *PostgresStore) Cleanup(ctx context.Context, policy RetentionPolicy, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin cleanup transaction: %w", err)
	}
	defer tx.Rollback()

	if policy.ConsumerTTL > 0 {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM queue_consumers WHERE last_activity_at < $1`,
			now.Add(-policy.ConsumerTTL))
		if err != nil {
			return 0, fmt.Errorf("failed to purge idle consumers: %w", err)
		}
	}

	deleted := int64(0)

	// Entries are deletable once acknowledged by every consumer that has a
	// cursor on the topic, but only after the retention age has passed.
	if policy.MessageTTL > 0 {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM queue_entries e
			 USING (
				SELECT topic, MIN(cursor) AS min_cursor
				FROM queue_consumers
				WHERE cursor IS NOT NULL
				GROUP BY topic
			 ) m
			 WHERE e.topic = m.topic AND e.cursor < m.min_cursor AND e.created_at < $1`,
			now.Add(-policy.MessageTTL))
		if err != nil {
			return 0, fmt.Errorf("failed to delete acknowledged entries: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			deleted += n
		}
	}

	// Hard cap regardless of acknowledgements.
	if policy.MaxEntriesPerTopic > 0 {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM queue_entries e
			 USING (
				SELECT topic, cursor,
				       ROW_NUMBER() OVER (PARTITION BY topic ORDER BY cursor DESC) AS rn
				FROM queue_entries
			 ) r
			 WHERE e.topic = r.topic AND e.cursor = r.cursor AND r.rn > $1`,
			policy.MaxEntriesPerTopic)
		if err != nil {
			return 0, fmt.Errorf("failed to trim topics to entry limit: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			deleted += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup transaction: %w", err)
	}
	return int(deleted), nil
}

// Close is a no-op; the database handle is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func nullableCursor(cursor string) sql.NullString {
	return sql.NullString{String: cursor, Valid: cursor != ""}
}
