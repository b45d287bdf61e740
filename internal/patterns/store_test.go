package patterns_test

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/JaimeStill/mend/internal/patterns"
)

// recDriver records every exec so tests can assert the statements the
// store issues without a live database.
type recDriver struct{}

func (recDriver) Open(string) (driver.Conn, error) { return &recConn{}, nil }

type recConn struct{}

func (*recConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare unsupported") }
func (*recConn) Close() error                        { return nil }
func (*recConn) Begin() (driver.Tx, error)           { return nil, errors.New("begin unsupported") }

type recordedExec struct {
	query string
	args  []driver.NamedValue
}

var execs []recordedExec

func (*recConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	execs = append(execs, recordedExec{query, args})
	return driver.RowsAffected(1), nil
}

func init() {
	sql.Register("patterns-rec", recDriver{})
}

func recordingStore(t *testing.T) *patterns.Store {
	t.Helper()

	db, err := sql.Open("patterns-rec", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	execs = nil
	return patterns.NewStore(db, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMarkUsed(t *testing.T) {
	s := recordingStore(t)

	if err := s.MarkUsed(context.Background(), "documents", "column_mismatch:documents.code"); err != nil {
		t.Fatalf("mark used: %v", err)
	}

	if len(execs) != 1 {
		t.Fatalf("execs = %d, want 1", len(execs))
	}
	if !strings.Contains(execs[0].query, "times_used = times_used + 1") {
		t.Errorf("query = %s", execs[0].query)
	}
}

func TestMarkOutcome(t *testing.T) {
	tests := []struct {
		name    string
		success bool
	}{
		{"success", true},
		{"failure", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := recordingStore(t)

			err := s.MarkOutcome(context.Background(), "documents", "column_mismatch:documents.code", tt.success)
			if err != nil {
				t.Fatalf("mark outcome: %v", err)
			}

			if len(execs) != 1 {
				t.Fatalf("execs = %d, want 1", len(execs))
			}

			q := execs[0].query
			if !strings.Contains(q, "success_count") || !strings.Contains(q, "confidence_score") {
				t.Errorf("query = %s", q)
			}

			args := execs[0].args
			if len(args) != 3 {
				t.Fatalf("args = %v, want 3", args)
			}
			if args[0].Value != "documents" || args[2].Value != tt.success {
				t.Errorf("args = %v", args)
			}
		})
	}
}
