// Package audit writes structured records of failed operations and
// committed transactions to a collaborator store. When that sink is
// unavailable, records spill to a local append-only queue file and are
// retried in batches, so no failure is silently dropped.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/JaimeStill/mend/internal/transactions"
	"github.com/JaimeStill/mend/pkg/lifecycle"
)

// DefaultMaxRetries caps how many flush cycles a queued record survives
// before being dropped.
const (
	DefaultMaxRetries    = 5
	DefaultFlushInterval = time.Minute
)

const insertErrorQuery = `
	INSERT INTO error_logs (id, operation, table_name, message, context, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

const insertAuditQuery = `
	INSERT INTO operation_audit (id, transaction_id, status, operations, recorded_at)
	VALUES ($1, $2, $3, $4, $5)`

// Entry is one failed-operation record.
type Entry struct {
	Operation  string         `json:"operation"`
	Table      string         `json:"table"`
	Message    string         `json:"message"`
	Context    map[string]any `json:"context,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Retries    int            `json:"retries"`
}

// Logger is the audit/error-log sink.
type Logger struct {
	db         *sqlx.DB
	queue      *queue
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an audit logger spilling to queuePath on sink failure.
func New(db *sql.DB, queuePath string, maxRetries int, logger *slog.Logger) *Logger {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Logger{
		db:         sqlx.NewDb(db, "pgx"),
		queue:      newQueue(queuePath),
		maxRetries: maxRetries,
		logger:     logger.With("system", "audit"),
		now:        time.Now,
	}
}

// LogFailure records a failed operation. A sink failure falls back to the
// local queue; a queue failure is logged and swallowed, since audit must
// never take the data path down with it.
func (l *Logger) LogFailure(ctx context.Context, entry Entry) {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = l.now()
	}

	if err := l.writeEntry(ctx, entry); err != nil {
		l.logger.Warn("error log sink unavailable, queueing locally", "error", err)
		if qErr := l.queue.append(entry); qErr != nil {
			l.logger.Error("local audit queue write failed", "error", qErr)
		}
	}
}

// FlushQueue retries queued entries against the sink in one batch.
// Entries that fail again are requeued with an incremented retry count;
// entries past the retry cap are dropped. The whole drain-retry-rewrite
// cycle runs under the queue lock, so entries appended mid-flush wait for
// the rewrite instead of being truncated by it. Returns how many flushed.
func (l *Logger) FlushQueue(ctx context.Context) (int, error) {
	flushed := 0
	requeued := 0

	err := l.queue.flush(func(entries []Entry) []Entry {
		var remaining []Entry
		for _, entry := range entries {
			if err := l.writeEntry(ctx, entry); err != nil {
				entry.Retries++
				if entry.Retries >= l.maxRetries {
					l.logger.Error(
						"audit record dropped after retry cap",
						"table", entry.Table,
						"operation", entry.Operation,
						"retries", entry.Retries,
					)
					continue
				}
				remaining = append(remaining, entry)
				continue
			}
			flushed++
		}
		requeued = len(remaining)
		return remaining
	})
	if err != nil {
		return flushed, fmt.Errorf("flush audit queue: %w", err)
	}

	if flushed > 0 {
		l.logger.Info("audit queue flushed", "flushed", flushed, "requeued", requeued)
	}
	return flushed, nil
}

// RecordTransaction persists an audit record of a completed transaction's
// op log. Implements the transaction manager's Auditor.
func (l *Logger) RecordTransaction(ctx context.Context, id uuid.UUID, status string, ops []transactions.Operation) error {
	type opRecord struct {
		Table string    `json:"table"`
		Op    string    `json:"op"`
		At    time.Time `json:"at"`
	}

	encoded := make([]opRecord, len(ops))
	for i, op := range ops {
		encoded[i] = opRecord{Table: op.Table, Op: string(op.Op), At: op.At}
	}

	payload, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("encode operation log: %w", err)
	}

	if _, err := l.db.ExecContext(ctx, insertAuditQuery, uuid.New(), id, status, payload, l.now()); err != nil {
		return fmt.Errorf("write operation audit: %w", err)
	}
	return nil
}

// Start binds the periodic queue flush to the process lifecycle.
func (l *Logger) Start(lc *lifecycle.Coordinator, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	lifecycle.NewSweeper(interval, func(ctx context.Context) {
		if _, err := l.FlushQueue(ctx); err != nil {
			l.logger.Warn("audit queue flush failed", "error", err)
		}
	}).Start(lc)
}

func (l *Logger) writeEntry(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}

	_, err = l.db.ExecContext(
		ctx, insertErrorQuery,
		uuid.New(), entry.Operation, entry.Table, entry.Message, payload, entry.OccurredAt,
	)
	return err
}
