package pgstore

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/chainsafe/treasury-rebalancer/pkg/rebalance"
)

// CheckpointDao maps to the 'rebalance_checkpoints' table in PostgreSQL.
// Phase and RunID duplicate document fields so operators can query them.
type CheckpointDao struct {
	bun.BaseModel `bun:"table:rebalance_checkpoints"`
	ID            string                `json:"id" bun:",pk,type:varchar(128)"`
	Phase         string                `json:"phase" bun:",notnull,type:varchar(64)"`
	RunID         string                `json:"run_id" bun:",nullzero,type:varchar(64)"`
	Document      *rebalance.Checkpoint `json:"document" bun:",notnull,type:jsonb"`
	UpdatedAt     time.Time             `json:"updated_at" bun:",notnull"`
}
