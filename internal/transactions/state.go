// Package transactions provides best-effort compensating transactions over
// a backend with no native transaction primitive: pre-images are captured
// before mutating steps and replayed as inverse operations on rollback.
// There is no isolation between concurrent transactions touching the same
// rows; this is compensation, not locking.
package transactions

import (
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/mend/internal/backend"
	"github.com/JaimeStill/mend/pkg/record"
)

// Status is a transaction lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusCommitted   Status = "committed"
	StatusRollingBack Status = "rolling_back"
	StatusRolledBack  Status = "rolled_back"
	StatusFailed      Status = "failed"
)

// Operation is one executed step in a transaction's op log.
type Operation struct {
	Table   string
	Op      backend.Operation
	Data    record.Record
	Filters backend.Filters
	At      time.Time
}

// restorePoint is the pre-image of the rows a table held before its first
// mutating touch within a transaction. Captured at most once per table so
// compensation always restores pre-transaction state, never an
// intermediate one.
type restorePoint struct {
	rows    []record.Record
	deleted bool
}

// Transaction tracks one compensating transaction's state. Owned by the
// caller that created it; the timeout sweep is the only other toucher and
// treats terminal states as no-ops.
type Transaction struct {
	ID        uuid.UUID
	Status    Status
	Ops       []Operation
	StartedAt time.Time
	EndedAt   time.Time

	restore  map[string]restorePoint
	restored map[string]bool
	inserted map[string][]record.Value
}

func newTransaction(id uuid.UUID, at time.Time) *Transaction {
	return &Transaction{
		ID:        id,
		Status:    StatusPending,
		StartedAt: at,
		restore:   make(map[string]restorePoint),
		restored:  make(map[string]bool),
		inserted:  make(map[string][]record.Value),
	}
}

// RollbackResult reports per-table compensation outcomes so callers know
// the blast radius of a partial rollback failure.
type RollbackResult struct {
	Restored []string
	Failed   []string
}

// Clean reports whether every table restored successfully.
func (r *RollbackResult) Clean() bool {
	return len(r.Failed) == 0
}
