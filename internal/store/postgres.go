package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresEventStore reads archived events from a relay-style event table.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

func NewPostgresEventStore(ctx context.Context, databaseURL string) (*PostgresEventStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresEventStore{pool: pool}, nil
}

func (s *PostgresEventStore) Close() {
	s.pool.Close()
}

func (s *PostgresEventStore) Query(
	ctx context.Context,
	kind int,
	createdAfter int64,
	limit, offset int,
) ([]Note, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, content, created_at
		FROM event
		WHERE kind = $1 AND created_at > $2
		ORDER BY id
		LIMIT $3 OFFSET $4
	`, kind, createdAfter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	notes := make([]Note, 0, limit)
	for rows.Next() {
		var (
			note      Note
			createdAt int64
		)
		if err := rows.Scan(&note.ID, &note.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		note.CreatedAt = time.Unix(createdAt, 0).UTC()
		notes = append(notes, note)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate event rows: %w", rows.Err())
	}

	return notes, nil
}
