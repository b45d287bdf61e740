package transactions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/mend/internal/backend"
	"github.com/JaimeStill/mend/pkg/lifecycle"
	"github.com/JaimeStill/mend/pkg/record"
)

// Defaults for the staleness sweep. A pending transaction older than the
// timeout is force-rolled-back so a crashed caller cannot leave one
// pending forever; terminal entries are retained briefly so repeated
// rollback calls stay idempotent, then purged.
const (
	DefaultTimeout       = 30 * time.Second
	DefaultSweepInterval = 10 * time.Second
	terminalRetention    = 5 * time.Minute
)

// Sentinel errors for transaction operations.
var (
	ErrNotFound   = errors.New("transaction not found")
	ErrNotPending = errors.New("transaction is not pending")
	ErrRollback   = errors.New("rollback incomplete")
)

const defaultPKColumn = "id"

// Auditor persists a record of committed transactions.
type Auditor interface {
	RecordTransaction(ctx context.Context, id uuid.UUID, status string, ops []Operation) error
}

// Manager coordinates compensating transactions over a row-level store.
type Manager struct {
	store       backend.Store
	auditor     Auditor
	timeout     time.Duration
	primaryKeys map[string]string
	logger      *slog.Logger

	mu  sync.Mutex
	txs map[uuid.UUID]*Transaction

	now func() time.Time
}

// NewManager creates a transaction manager. primaryKeys maps table names
// to their primary key column for rollback row matching; unlisted tables
// use "id". The auditor may be nil.
func NewManager(
	store backend.Store,
	auditor Auditor,
	timeout time.Duration,
	primaryKeys map[string]string,
	logger *slog.Logger,
) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		store:       store,
		auditor:     auditor,
		timeout:     timeout,
		primaryKeys: primaryKeys,
		logger:      logger.With("system", "transactions"),
		txs:         make(map[uuid.UUID]*Transaction),
		now:         time.Now,
	}
}

// Begin allocates a new pending transaction and returns its id.
func (m *Manager) Begin() uuid.UUID {
	id := uuid.New()

	m.mu.Lock()
	m.txs[id] = newTransaction(id, m.now())
	m.mu.Unlock()

	m.logger.Debug("transaction started", "id", id)
	return id
}

// Get returns the transaction for id, if it exists.
func (m *Manager) Get(id uuid.UUID) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	return tx, ok
}

// Execute performs one operation within the transaction. Updates and
// deletes capture a restore point for the table on first touch, relative
// to pre-transaction state. A backend failure is returned without
// rolling back; the caller decides whether one failed step dooms the
// batch.
func (m *Manager) Execute(
	ctx context.Context,
	id uuid.UUID,
	table string,
	op backend.Operation,
	data record.Record,
	filters backend.Filters,
) ([]record.Record, error) {
	tx, err := m.pending(id)
	if err != nil {
		return nil, err
	}

	if op == backend.OpUpdate || op == backend.OpDelete {
		if err := m.captureRestorePoint(ctx, tx, table, op, filters); err != nil {
			return nil, err
		}
	}

	var rows []record.Record
	switch op {
	case backend.OpInsert:
		rows, err = m.store.Insert(ctx, table, []record.Record{data})
		if err == nil {
			m.trackInserted(tx, table, rows)
		}
	case backend.OpUpdate:
		rows, err = m.store.Update(ctx, table, data, filters)
	case backend.OpDelete:
		_, err = m.store.Delete(ctx, table, filters)
	default:
		return nil, fmt.Errorf("unsupported transactional operation %q", op)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", backend.ErrWriteFailed, op, table, err)
	}

	m.mu.Lock()
	tx.Ops = append(tx.Ops, Operation{
		Table:   table,
		Op:      op,
		Data:    data,
		Filters: filters,
		At:      m.now(),
	})
	m.mu.Unlock()

	return rows, nil
}

// Commit marks the transaction committed and persists an audit record of
// its operations.
func (m *Manager) Commit(ctx context.Context, id uuid.UUID) error {
	tx, err := m.pending(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	tx.Status = StatusCommitted
	tx.EndedAt = m.now()
	ops := tx.Ops
	m.mu.Unlock()

	if m.auditor != nil {
		if err := m.auditor.RecordTransaction(ctx, id, string(StatusCommitted), ops); err != nil {
			m.logger.Warn("transaction audit write failed", "id", id, "error", err)
		}
	}

	m.logger.Info("transaction committed", "id", id, "operations", len(ops))
	return nil
}

// Rollback replays inverse operations: rows inserted by the transaction
// are deleted, and tables with a captured restore point are returned to
// their pre-transaction rows. Repeated invocation after a partial failure
// skips tables that already restored. Only one caller compensates at a
// time: the status turns rolling_back under the lock, so a concurrent
// rollback (the owning caller racing the timeout sweep) and a rollback of
// an already rolled-back transaction are both success no-ops.
func (m *Manager) Rollback(ctx context.Context, id uuid.UUID) (*RollbackResult, error) {
	m.mu.Lock()
	tx, ok := m.txs[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}

	switch tx.Status {
	case StatusRollingBack, StatusRolledBack:
		m.mu.Unlock()
		return &RollbackResult{}, nil
	case StatusCommitted:
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: already committed", ErrNotPending)
	}
	tx.Status = StatusRollingBack

	// Snapshot the outstanding compensation work while still holding the
	// lock; the status transition guarantees no other caller touches the
	// bookkeeping until this rollback reaches a terminal state.
	type insertUndo struct {
		table string
		pks   []record.Value
	}
	var inserts []insertUndo
	for table, pks := range tx.inserted {
		if !tx.restored["insert:"+table] {
			inserts = append(inserts, insertUndo{table, pks})
		}
	}
	type tableRestore struct {
		table string
		rp    restorePoint
	}
	var restores []tableRestore
	for table, rp := range tx.restore {
		if !tx.restored[table] {
			restores = append(restores, tableRestore{table, rp})
		}
	}
	m.mu.Unlock()

	result := &RollbackResult{}

	// Undo inserts first: restore points never cover rows the transaction
	// itself created.
	for _, undo := range inserts {
		if err := m.deleteInserted(ctx, undo.table, undo.pks); err != nil {
			m.logger.Error("rollback insert compensation failed", "id", id, "table", undo.table, "error", err)
			result.Failed = append(result.Failed, undo.table)
			continue
		}
		m.mu.Lock()
		tx.restored["insert:"+undo.table] = true
		m.mu.Unlock()
		result.Restored = append(result.Restored, undo.table)
	}

	for _, tr := range restores {
		if err := m.restoreTable(ctx, tr.table, tr.rp); err != nil {
			m.logger.Error("rollback restore failed", "id", id, "table", tr.table, "error", err)
			result.Failed = append(result.Failed, tr.table)
			continue
		}
		m.mu.Lock()
		tx.restored[tr.table] = true
		m.mu.Unlock()
		result.Restored = append(result.Restored, tr.table)
	}

	m.mu.Lock()
	if result.Clean() {
		tx.Status = StatusRolledBack
	} else {
		tx.Status = StatusFailed
	}
	tx.EndedAt = m.now()
	m.mu.Unlock()

	if !result.Clean() {
		return result, fmt.Errorf("%w: %d of %d tables failed",
			ErrRollback, len(result.Failed), len(result.Failed)+len(result.Restored))
	}

	m.logger.Info("transaction rolled back", "id", id, "tables", result.Restored)
	return result, nil
}

// SweepOnce force-rolls-back pending transactions older than the timeout
// and purges terminal entries past retention. Returns the number of forced
// rollbacks. Exposed for deterministic ticks in tests; production runs it
// via Start.
func (m *Manager) SweepOnce(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	var stale []uuid.UUID
	for id, tx := range m.txs {
		switch tx.Status {
		case StatusPending:
			if now.Sub(tx.StartedAt) > m.timeout {
				stale = append(stale, id)
			}
		case StatusCommitted, StatusRolledBack:
			if now.Sub(tx.EndedAt) > terminalRetention {
				delete(m.txs, id)
			}
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.logger.Warn("transaction exceeded time budget, forcing rollback", "id", id)
		if _, err := m.Rollback(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Error("forced rollback failed", "id", id, "error", err)
		}
	}

	return len(stale)
}

// Start binds the staleness sweep to the process lifecycle.
func (m *Manager) Start(lc *lifecycle.Coordinator, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	lifecycle.NewSweeper(interval, func(ctx context.Context) {
		m.SweepOnce(ctx)
	}).Start(lc)
}

func (m *Manager) pending(id uuid.UUID) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if tx.Status != StatusPending {
		return nil, fmt.Errorf("%w: status %s", ErrNotPending, tx.Status)
	}
	return tx, nil
}

// captureRestorePoint snapshots the rows the filters match, once per table
// per transaction. Later operations on the same table reuse the original
// snapshot so rollback never restores an intermediate state.
func (m *Manager) captureRestorePoint(ctx context.Context, tx *Transaction, table string, op backend.Operation, filters backend.Filters) error {
	m.mu.Lock()
	_, taken := tx.restore[table]
	m.mu.Unlock()
	if taken {
		return nil
	}

	rows, err := m.store.Select(ctx, table, filters)
	if err != nil {
		return fmt.Errorf("capture restore point for %s: %w", table, err)
	}

	m.mu.Lock()
	tx.restore[table] = restorePoint{
		rows:    rows,
		deleted: op == backend.OpDelete,
	}
	m.mu.Unlock()

	m.logger.Debug("restore point captured", "id", tx.ID, "table", table, "rows", len(rows))
	return nil
}

func (m *Manager) trackInserted(tx *Transaction, table string, rows []record.Record) {
	pk := m.pkFor(table)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range rows {
		if val, ok := row[pk]; ok {
			tx.inserted[table] = append(tx.inserted[table], val)
		}
	}
}

func (m *Manager) deleteInserted(ctx context.Context, table string, pks []record.Value) error {
	pk := m.pkFor(table)
	for _, val := range pks {
		if _, err := m.store.Delete(ctx, table, backend.Filters{pk: val}); err != nil {
			return err
		}
	}
	return nil
}

// restoreTable replays a restore point: deleted rows are re-inserted,
// updated rows get per-row updates restoring original column values keyed
// by primary key.
func (m *Manager) restoreTable(ctx context.Context, table string, rp restorePoint) error {
	if len(rp.rows) == 0 {
		return nil
	}

	if rp.deleted {
		if _, err := m.store.Insert(ctx, table, rp.rows); err != nil {
			return fmt.Errorf("re-insert deleted rows: %w", err)
		}
		return nil
	}

	pk := m.pkFor(table)
	for _, row := range rp.rows {
		key, ok := row[pk]
		if !ok {
			return fmt.Errorf("restore row missing primary key %q", pk)
		}

		values := row.Clone()
		delete(values, pk)

		if _, err := m.store.Update(ctx, table, values, backend.Filters{pk: key}); err != nil {
			return fmt.Errorf("restore row %v: %w", key.Interface(), err)
		}
	}

	return nil
}

func (m *Manager) pkFor(table string) string {
	if pk, ok := m.primaryKeys[table]; ok && pk != "" {
		return pk
	}
	return defaultPKColumn
}
