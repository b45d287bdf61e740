// Package access is the public surface of the resilient data layer. Each
// verb composes schema validation, per-record healing, and compensating
// transactions, and reports per-record outcomes so batch callers can tell
// total failure from partial success.
package access

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JaimeStill/mend/internal/audit"
	"github.com/JaimeStill/mend/internal/backend"
	"github.com/JaimeStill/mend/internal/healing"
	"github.com/JaimeStill/mend/internal/schema"
	"github.com/JaimeStill/mend/internal/transactions"
	"github.com/JaimeStill/mend/pkg/record"
)

// DefaultHealLimit bounds concurrent healing within one batch so a batch
// of drifted records cannot flood the oracle service.
const DefaultHealLimit = 4

// Client is the resilient access facade.
type Client struct {
	store     backend.Store
	validator *schema.Validator
	loop      *healing.Loop
	txm       *transactions.Manager
	audit     *audit.Logger
	healLimit int
	logger    *slog.Logger
}

// New creates a facade over the given collaborators. The audit logger may
// be nil, in which case diagnostics are only logged.
func New(
	store backend.Store,
	validator *schema.Validator,
	loop *healing.Loop,
	txm *transactions.Manager,
	auditLog *audit.Logger,
	healLimit int,
	logger *slog.Logger,
) *Client {
	if healLimit <= 0 {
		healLimit = DefaultHealLimit
	}
	return &Client{
		store:     store,
		validator: validator,
		loop:      loop,
		txm:       txm,
		audit:     auditLog,
		healLimit: healLimit,
		logger:    logger.With("system", "access"),
	}
}

// Select validates table existence and reads matching rows. No healing is
// applied to reads.
func (c *Client) Select(ctx context.Context, table string, filters backend.Filters) (*Result, error) {
	if err := c.checkTable(ctx, table); err != nil {
		return failed(err), err
	}

	rows, err := c.store.Select(ctx, table, filters)
	if err != nil {
		c.reportFailure(ctx, "select", table, err, nil)
		return failed(err), err
	}

	return &Result{Data: rows}, nil
}

// Insert heals each record independently and writes the survivors in one
// compensating transaction. A single record that fails healing is a hard
// failure; in a batch, failing records are skipped and reported while the
// rest are inserted, producing a partial success.
func (c *Client) Insert(ctx context.Context, table string, records []record.Record) (*Result, error) {
	if len(records) == 0 {
		return failed(ErrNoRecords), ErrNoRecords
	}

	healed, failedRecs, attempts, anyHealed, err := c.healBatch(ctx, backend.OpInsert, table, records)
	if err != nil {
		return failed(err), err
	}

	res := &Result{
		Healed:         anyHealed,
		Attempts:       attempts,
		FailedRecords:  failedRecs,
		PartialSuccess: len(failedRecs) > 0 && len(healed) > 0,
	}

	if len(healed) == 0 {
		res.Err = ErrHealingFailed
		return res, ErrHealingFailed
	}

	// Healing happened before this point so the transaction's lifetime
	// stays as short as possible.
	txID := c.txm.Begin()

	inserted := make([]record.Record, 0, len(healed))
	for _, rec := range healed {
		rows, execErr := c.txm.Execute(ctx, txID, table, backend.OpInsert, rec, nil)
		if execErr != nil {
			c.reportFailure(ctx, "insert", table, execErr, map[string]any{"transaction": txID.String()})
			if _, rbErr := c.txm.Rollback(ctx, txID); rbErr != nil {
				c.logger.Error("insert rollback failed", "table", table, "transaction", txID, "error", rbErr)
			}
			res.Err = execErr
			return res, execErr
		}
		inserted = append(inserted, rows...)
	}

	if err := c.txm.Commit(ctx, txID); err != nil {
		res.Err = err
		return res, err
	}

	res.Data = inserted
	if res.PartialSuccess {
		c.logger.Info(
			"batch insert partially succeeded",
			"table", table,
			"inserted", len(inserted),
			"failed", len(failedRecs),
		)
	}
	return res, nil
}

// Update heals the write payload and applies it to all rows matching the
// filters.
func (c *Client) Update(ctx context.Context, table string, values record.Record, filters backend.Filters) (*Result, error) {
	heal, err := c.loop.Heal(ctx, backend.OpUpdate, table, values)
	if err != nil {
		return failed(err), err
	}

	res := &Result{
		Healed:   heal.Healed,
		Attempts: len(heal.Attempts),
	}

	if !heal.Success {
		res.Err = ErrHealingFailed
		res.FailedRecords = []FailedRecord{{Record: values, Errors: heal.Errors}}
		return res, ErrHealingFailed
	}

	rows, err := c.store.Update(ctx, table, heal.Record, filters)
	if err != nil {
		c.reportFailure(ctx, "update", table, err, nil)
		res.Err = err
		return res, err
	}

	res.Data = rows
	return res, nil
}

// Upsert heals each record, then inserts or updates by primary key inside
// one compensating transaction for multi-row batches.
func (c *Client) Upsert(ctx context.Context, table string, records []record.Record, key string) (*Result, error) {
	if len(records) == 0 {
		return failed(ErrNoRecords), ErrNoRecords
	}
	if key == "" {
		key = "id"
	}

	healed, failedRecs, attempts, anyHealed, err := c.healBatch(ctx, backend.OpUpsert, table, records)
	if err != nil {
		return failed(err), err
	}

	res := &Result{
		Healed:         anyHealed,
		Attempts:       attempts,
		FailedRecords:  failedRecs,
		PartialSuccess: len(failedRecs) > 0 && len(healed) > 0,
	}

	if len(healed) == 0 {
		res.Err = ErrHealingFailed
		return res, ErrHealingFailed
	}

	txID := c.txm.Begin()

	stored := make([]record.Record, 0, len(healed))
	for _, rec := range healed {
		rows, execErr := c.upsertOne(ctx, txID, table, rec, key)
		if execErr != nil {
			c.reportFailure(ctx, "upsert", table, execErr, map[string]any{"transaction": txID.String()})
			if _, rbErr := c.txm.Rollback(ctx, txID); rbErr != nil {
				c.logger.Error("upsert rollback failed", "table", table, "transaction", txID, "error", rbErr)
			}
			res.Err = execErr
			return res, execErr
		}
		stored = append(stored, rows...)
	}

	if err := c.txm.Commit(ctx, txID); err != nil {
		res.Err = err
		return res, err
	}

	res.Data = stored
	return res, nil
}

// Delete validates table existence and removes matching rows directly;
// there is no data to heal.
func (c *Client) Delete(ctx context.Context, table string, filters backend.Filters) (*Result, error) {
	if err := c.checkTable(ctx, table); err != nil {
		return failed(err), err
	}

	count, err := c.store.Delete(ctx, table, filters)
	if err != nil {
		c.reportFailure(ctx, "delete", table, err, nil)
		return failed(err), err
	}

	return &Result{Count: count}, nil
}

// healBatch heals records concurrently under the heal limit. Each record's
// loop is independent, so order within the batch does not affect outcomes.
func (c *Client) healBatch(
	ctx context.Context,
	op backend.Operation,
	table string,
	records []record.Record,
) (healed []record.Record, failedRecs []FailedRecord, attempts int, anyHealed bool, err error) {
	results := make([]*healing.Result, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.healLimit)

	for i, rec := range records {
		g.Go(func() error {
			res, healErr := c.loop.Heal(gctx, op, table, rec)
			if healErr != nil {
				return fmt.Errorf("heal record %d: %w", i, healErr)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, 0, false, err
	}

	for i, res := range results {
		attempts += len(res.Attempts)
		if res.Healed {
			anyHealed = true
		}
		if !res.Success {
			failedRecs = append(failedRecs, FailedRecord{
				Index:  i,
				Record: records[i],
				Errors: res.Errors,
			})
			continue
		}
		healed = append(healed, res.Record)
	}

	return healed, failedRecs, attempts, anyHealed, nil
}

func (c *Client) upsertOne(ctx context.Context, txID uuid.UUID, table string, rec record.Record, key string) ([]record.Record, error) {
	id, ok := rec[key]
	if ok && !id.IsNull() {
		existing, err := c.store.Select(ctx, table, backend.Filters{key: id})
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			values := rec.Clone()
			delete(values, key)
			return c.txm.Execute(ctx, txID, table, backend.OpUpdate, values, backend.Filters{key: id})
		}
	}

	return c.txm.Execute(ctx, txID, table, backend.OpInsert, rec, nil)
}

func (c *Client) checkTable(ctx context.Context, table string) error {
	vres, err := c.validator.Validate(ctx, backend.OpSelect, table, nil)
	if err != nil {
		return err
	}
	if !vres.Valid {
		return fmt.Errorf("%w: %s", backend.ErrTableNotFound, vres.Errors[0].Error())
	}
	return nil
}

// reportFailure writes a diagnostic record to the audit sink.
func (c *Client) reportFailure(ctx context.Context, op, table string, err error, extra map[string]any) {
	c.logger.Error("backend operation failed", "operation", op, "table", table, "error", err)

	if c.audit == nil {
		return
	}

	c.audit.LogFailure(ctx, audit.Entry{
		Operation: op,
		Table:     table,
		Message:   err.Error(),
		Context:   extra,
	})
}
