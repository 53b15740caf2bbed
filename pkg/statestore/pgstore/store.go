// Package pgstore keeps the rebalance checkpoint in a PostgreSQL row.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

// Store is a PostgreSQL backed rebalance.Store. The checkpoint lives in a single
// row keyed by id; updated_at is the compare-and-swap token.
type Store struct {
	db bun.IDB
	id string
}

var _ rebalance.Store = (*Store)(nil)

// New creates a store for the checkpoint row id.
func New(db bun.IDB, id string) *Store {
	return &Store{db: db, id: id}
}

// Load returns the persisted checkpoint.
func (s *Store) Load(ctx context.Context) (*rebalance.Checkpoint, error) {
	dao := new(CheckpointDao)
	err := s.db.NewSelect().
		Model(dao).
		Where("id = ?", s.id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rebalance.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select checkpoint: %w", err)
	}
	if dao.Document == nil {
		return nil, fmt.Errorf("checkpoint %s has an empty document", s.id)
	}
	if dao.Document.CurrentPhase == "" {
		dao.Document.CurrentPhase = rebalance.PhaseIdle
	}
	return dao.Document, nil
}

// Save replaces the checkpoint if it was not modified since prevUpdatedAt. A
// zero prevUpdatedAt inserts the row and fails if it already exists.
func (s *Store) Save(ctx context.Context, cp *rebalance.Checkpoint, prevUpdatedAt time.Time) error {
	dao := &CheckpointDao{
		ID:        s.id,
		Phase:     cp.CurrentPhase.String(),
		RunID:     cp.RunID,
		Document:  cp,
		UpdatedAt: cp.UpdatedAt.UTC(),
	}

	var (
		res sql.Result
		err error
	)
	if prevUpdatedAt.IsZero() {
		res, err = s.db.NewInsert().
			Model(dao).
			On("CONFLICT (id) DO NOTHING").
			Exec(ctx)
	} else {
		res, err = s.db.NewUpdate().
			Model(dao).
			Column("phase", "run_id", "document", "updated_at").
			WherePK().
			Where("updated_at = ?", prevUpdatedAt.UTC()).
			Exec(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return rebalance.ErrConcurrentModification
	}
	return nil
}
