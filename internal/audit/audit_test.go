package audit

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/mend/internal/transactions"
)

// okDriver accepts every exec so tests can model a reachable sink.
type okDriver struct{}

func (okDriver) Open(string) (driver.Conn, error) { return &okConn{}, nil }

type okConn struct{}

func (*okConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare unsupported") }
func (*okConn) Close() error                        { return nil }
func (*okConn) Begin() (driver.Tx, error)           { return nil, errors.New("begin unsupported") }

func (*okConn) ExecContext(context.Context, string, []driver.NamedValue) (driver.Result, error) {
	execCount.Add(1)
	return driver.RowsAffected(1), nil
}

// downDriver refuses connections so tests can model an unreachable sink.
type downDriver struct{}

func (downDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("sink unavailable")
}

// gateDriver blocks each exec until released so tests can hold a flush
// open in the middle of a sink write.
type gateDriver struct{}

func (gateDriver) Open(string) (driver.Conn, error) { return &gateConn{}, nil }

type gateConn struct{}

func (*gateConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare unsupported") }
func (*gateConn) Close() error                        { return nil }
func (*gateConn) Begin() (driver.Tx, error)           { return nil, errors.New("begin unsupported") }

func (*gateConn) ExecContext(context.Context, string, []driver.NamedValue) (driver.Result, error) {
	gateEntered <- struct{}{}
	<-gateRelease
	return driver.RowsAffected(1), nil
}

var (
	execCount   atomic.Int32
	gateEntered = make(chan struct{})
	gateRelease = make(chan struct{})
)

func init() {
	sql.Register("audit-ok", okDriver{})
	sql.Register("audit-down", downDriver{})
	sql.Register("audit-gate", gateDriver{})
}

func testLogger(t *testing.T, driverName string, maxRetries int) *Logger {
	t.Helper()

	db, err := sql.Open(driverName, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	path := filepath.Join(t.TempDir(), "queue.jsonl")
	return New(db, path, maxRetries, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLogFailureWritesToSink(t *testing.T) {
	l := testLogger(t, "audit-ok", 0)
	before := execCount.Load()

	l.LogFailure(context.Background(), Entry{
		Operation: "insert",
		Table:     "documents",
		Message:   "duplicate key",
	})

	if execCount.Load() != before+1 {
		t.Error("entry did not reach the sink")
	}

	if _, err := os.Stat(l.queue.path); !os.IsNotExist(err) {
		t.Error("queue file should not exist when the sink succeeds")
	}
}

func TestLogFailureQueuesOnSinkError(t *testing.T) {
	l := testLogger(t, "audit-down", 0)

	l.LogFailure(context.Background(), Entry{
		Operation: "insert",
		Table:     "documents",
		Message:   "duplicate key",
		Context:   map[string]any{"attempt": float64(1)},
	})

	entries, err := l.queue.drain()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("queued = %d, want 1", len(entries))
	}
	if entries[0].Table != "documents" || entries[0].Message != "duplicate key" {
		t.Errorf("entry = %+v", entries[0])
	}
	if entries[0].OccurredAt.IsZero() {
		t.Error("occurred_at should be stamped on queue")
	}
}

func TestFlushQueueDelivers(t *testing.T) {
	l := testLogger(t, "audit-ok", 0)

	for range 3 {
		if err := l.queue.append(Entry{Operation: "update", Table: "documents", Message: "timeout"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	flushed, err := l.FlushQueue(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if flushed != 3 {
		t.Errorf("flushed = %d, want 3", flushed)
	}

	if _, err := os.Stat(l.queue.path); !os.IsNotExist(err) {
		t.Error("queue file should be removed after a full flush")
	}
}

func TestFlushPreservesConcurrentAppend(t *testing.T) {
	l := testLogger(t, "audit-gate", 0)

	if err := l.queue.append(Entry{Operation: "insert", Table: "documents", Message: "first"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	var flushed int
	var flushErr error
	flushDone := make(chan struct{})
	go func() {
		flushed, flushErr = l.FlushQueue(context.Background())
		close(flushDone)
	}()

	// Flush is now mid-sink-write with the queue held.
	<-gateEntered

	appendDone := make(chan struct{})
	go func() {
		if err := l.queue.append(Entry{Operation: "update", Table: "documents", Message: "second"}); err != nil {
			t.Errorf("append during flush: %v", err)
		}
		close(appendDone)
	}()

	// Let the racing append reach the queue lock before the sink write
	// completes and the flush rewrites the file.
	time.Sleep(20 * time.Millisecond)
	gateRelease <- struct{}{}

	<-flushDone
	<-appendDone

	if flushErr != nil {
		t.Fatalf("flush: %v", flushErr)
	}
	if flushed != 1 {
		t.Errorf("flushed = %d, want 1", flushed)
	}

	entries, err := l.queue.drain()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "second" {
		t.Fatalf("queue = %+v, want the entry appended during the flush preserved", entries)
	}
}

func TestFlushQueueRetryCap(t *testing.T) {
	l := testLogger(t, "audit-down", 2)

	if err := l.queue.append(Entry{Operation: "insert", Table: "documents", Message: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// First flush fails and requeues with an incremented retry count.
	if _, err := l.FlushQueue(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	entries, err := l.queue.drain()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(entries) != 1 || entries[0].Retries != 1 {
		t.Fatalf("entries = %+v, want one entry with Retries 1", entries)
	}
	if err := l.queue.rewrite(entries); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	// Second failure reaches the cap and drops the entry.
	if _, err := l.FlushQueue(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	entries, err = l.queue.drain()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %+v, want entry dropped past retry cap", entries)
	}
}

func TestFlushQueueEmpty(t *testing.T) {
	l := testLogger(t, "audit-ok", 0)

	flushed, err := l.FlushQueue(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if flushed != 0 {
		t.Errorf("flushed = %d, want 0", flushed)
	}
}

func TestQueueSkipsCorruptLines(t *testing.T) {
	l := testLogger(t, "audit-down", 0)

	if err := os.WriteFile(l.queue.path, []byte("not json\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.queue.append(Entry{Operation: "delete", Table: "documents", Message: "y"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := l.queue.drain()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want corrupt line skipped", len(entries))
	}
}

func TestRecordTransaction(t *testing.T) {
	t.Run("writes when sink is reachable", func(t *testing.T) {
		l := testLogger(t, "audit-ok", 0)

		err := l.RecordTransaction(context.Background(), uuid.New(), "committed", []transactions.Operation{
			{Table: "documents", Op: "insert"},
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	})

	t.Run("returns error when sink is down", func(t *testing.T) {
		l := testLogger(t, "audit-down", 0)

		err := l.RecordTransaction(context.Background(), uuid.New(), "committed", nil)
		if err == nil {
			t.Fatal("expected sink error")
		}
	})
}
