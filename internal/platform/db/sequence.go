package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Sequence hands out monotonically increasing numbers per name.
type Sequence interface {
	Next(ctx context.Context, name string) (int64, error)
}

// PGSequence keeps one row per sequence name in doc_sequence. The upsert
// increments and returns the value in a single statement, and the row lock
// it takes is held until the surrounding transaction ends, so concurrent
// callers never observe the same value and restarts resume from the stored
// value.
type PGSequence struct {
	pool *pgxpool.Pool
}

func NewSequence(pool *pgxpool.Pool) *PGSequence {
	return &PGSequence{pool: pool}
}

func (s *PGSequence) Next(ctx context.Context, name string) (int64, error) {
	var v int64
	err := Conn(ctx, s.pool).QueryRow(ctx, `
		INSERT INTO doc_sequence (name, value) VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET value = doc_sequence.value + 1, updated_at = NOW()
		RETURNING value`, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("next value of sequence %s: %w", name, err)
	}
	return v, nil
}
