// Package store persists sync bookkeeping in the pgsync schema: processed
// row markers, backup snapshots, job metrics, and conflict records.
package store

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}
