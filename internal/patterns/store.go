package patterns

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// DefaultMinConfidence gates which stored patterns are considered
// applicable. Newly learned patterns start at the conservative
// InitialConfidence; promotion past that is driven by an external
// feedback mechanism, never by this layer.
const (
	DefaultMinConfidence = 0.5
	InitialConfidence    = 0.5
)

const lookupQuery = `
	SELECT correction_template, confidence_score, times_used, success_count
	FROM learned_patterns
	WHERE table_name = $1 AND error_signature = $2`

const upsertQuery = `
	INSERT INTO learned_patterns (table_name, error_signature, correction_template, confidence_score, times_used, success_count)
	VALUES ($1, $2, $3, $4, 0, 0)
	ON CONFLICT (table_name, error_signature)
	DO UPDATE SET correction_template = EXCLUDED.correction_template,
		confidence_score = EXCLUDED.confidence_score,
		updated_at = now()`

const markUsedQuery = `
	UPDATE learned_patterns
	SET times_used = times_used + 1, updated_at = now()
	WHERE table_name = $1 AND error_signature = $2`

const markOutcomeQuery = `
	UPDATE learned_patterns
	SET success_count = success_count + CASE WHEN $3 THEN 1 ELSE 0 END,
		confidence_score = LEAST(1.0, GREATEST(0.05,
			confidence_score + CASE WHEN $3 THEN 0.05 ELSE -0.1 END)),
		updated_at = now()
	WHERE table_name = $1 AND error_signature = $2`

// Pattern is one stored correction keyed by (table, error signature).
type Pattern struct {
	Table        string
	Signature    string
	Template     Template
	Confidence   float64
	TimesUsed    int
	SuccessCount int
}

// Store persists learned patterns in the learned_patterns table.
type Store struct {
	db            *sqlx.DB
	minConfidence float64
	logger        *slog.Logger
}

// NewStore creates a pattern store. A non-positive minConfidence falls
// back to DefaultMinConfidence.
func NewStore(db *sql.DB, minConfidence float64, logger *slog.Logger) *Store {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Store{
		db:            sqlx.NewDb(db, "pgx"),
		minConfidence: minConfidence,
		logger:        logger.With("system", "patterns"),
	}
}

// Lookup returns the stored pattern for (table, signature), or nil when
// none exists or the stored confidence is below the applicability floor.
func (s *Store) Lookup(ctx context.Context, table, signature string) (*Pattern, error) {
	var row struct {
		Template     []byte  `db:"correction_template"`
		Confidence   float64 `db:"confidence_score"`
		TimesUsed    int     `db:"times_used"`
		SuccessCount int     `db:"success_count"`
	}

	err := s.db.GetContext(ctx, &row, lookupQuery, table, signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup pattern: %w", err)
	}

	if row.Confidence < s.minConfidence {
		s.logger.Debug(
			"pattern below confidence floor",
			"table", table,
			"signature", signature,
			"confidence", row.Confidence,
		)
		return nil, nil
	}

	var tmpl Template
	if err := json.Unmarshal(row.Template, &tmpl); err != nil {
		return nil, fmt.Errorf("decode pattern template: %w", err)
	}

	return &Pattern{
		Table:        table,
		Signature:    signature,
		Template:     tmpl,
		Confidence:   row.Confidence,
		TimesUsed:    row.TimesUsed,
		SuccessCount: row.SuccessCount,
	}, nil
}

// Save upserts a pattern on (table, signature). Callers must only save
// templates derived from corrections that re-validated clean.
func (s *Store) Save(ctx context.Context, table, signature string, tmpl Template, confidence float64) error {
	encoded, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("encode pattern template: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, upsertQuery, table, signature, encoded, confidence); err != nil {
		return fmt.Errorf("save pattern: %w", err)
	}

	s.logger.Info(
		"learned pattern saved",
		"table", table,
		"signature", signature,
		"confidence", confidence,
	)
	return nil
}

// MarkUsed bumps the usage counter after a pattern application.
func (s *Store) MarkUsed(ctx context.Context, table, signature string) error {
	if _, err := s.db.ExecContext(ctx, markUsedQuery, table, signature); err != nil {
		return fmt.Errorf("mark pattern used: %w", err)
	}
	return nil
}

// MarkOutcome feeds back whether an applied correction held up downstream.
// Success bumps success_count and nudges confidence up; failure pushes
// confidence down until the pattern falls below the applicability floor.
// The healing loop never calls this itself; promotion is caller-driven.
func (s *Store) MarkOutcome(ctx context.Context, table, signature string, success bool) error {
	if _, err := s.db.ExecContext(ctx, markOutcomeQuery, table, signature, success); err != nil {
		return fmt.Errorf("mark pattern outcome: %w", err)
	}
	return nil
}
