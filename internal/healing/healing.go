// Package healing orchestrates the tiered correction loop: deterministic
// rules first, then learned patterns, then the external oracle, feeding
// each tier's output back through validation until the record is clean or
// the attempt budget is exhausted.
package healing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JaimeStill/mend/internal/backend"
	"github.com/JaimeStill/mend/internal/fixes"
	"github.com/JaimeStill/mend/internal/patterns"
	"github.com/JaimeStill/mend/internal/schema"
	"github.com/JaimeStill/mend/pkg/record"
)

// DefaultMaxAttempts bounds correction cycles per healing call.
const DefaultMaxAttempts = 3

// Tier identifies which correction tier supplied a fix.
type Tier string

const (
	TierNone          Tier = "none"
	TierDeterministic Tier = "deterministic"
	TierPattern       Tier = "pattern"
	TierOracle        Tier = "oracle"
)

// PatternStore is the slice of the learned-pattern store the loop consumes.
type PatternStore interface {
	Lookup(ctx context.Context, table, signature string) (*patterns.Pattern, error)
	Save(ctx context.Context, table, signature string, tmpl patterns.Template, confidence float64) error
	MarkUsed(ctx context.Context, table, signature string) error
}

// Attempt records one correction cycle for offline analysis of which tier
// resolves which error shapes.
type Attempt struct {
	Number   int
	Tier     Tier
	Errors   []schema.ValidationError
	Changed  bool
	Duration time.Duration
}

// Result is the outcome of one healing call. A Result with Success true
// always carries a record that independently re-validated clean.
type Result struct {
	Success  bool
	Healed   bool
	Record   record.Record
	Method   Tier
	Attempts []Attempt
	Errors   []schema.ValidationError
}

// Loop drives the healing state machine for single records.
type Loop struct {
	validator   *schema.Validator
	fixes       *fixes.Registry
	patterns    PatternStore
	oracle      Oracle
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

// NewLoop creates a healing loop. The oracle may be nil, in which case the
// loop exhausts after the deterministic and pattern tiers.
func NewLoop(
	validator *schema.Validator,
	registry *fixes.Registry,
	store PatternStore,
	oracle Oracle,
	maxAttempts int,
	logger *slog.Logger,
) *Loop {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Loop{
		validator:   validator,
		fixes:       registry,
		patterns:    store,
		oracle:      oracle,
		maxAttempts: maxAttempts,
		logger:      logger.With("system", "healing"),
		now:         time.Now,
	}
}

// Heal validates the record and, when invalid, runs the correction tiers
// in order until the record validates clean or the attempt budget runs
// out. The returned error is reserved for infrastructure failures; a
// record that cannot be healed comes back with Success false and the
// remaining validation errors.
func (l *Loop) Heal(ctx context.Context, op backend.Operation, table string, data record.Record) (*Result, error) {
	res := &Result{Method: TierNone}
	current := data.Clone()

	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		vres, err := l.validator.Validate(ctx, op, table, current)
		if err != nil {
			return nil, fmt.Errorf("validate %s: %w", table, err)
		}

		if vres.Valid {
			res.Success = true
			res.Record = current
			res.Errors = nil
			return res, nil
		}

		res.Errors = vres.Errors
		start := l.now()

		if done, err := l.attemptFix(ctx, op, table, &current, vres.Errors, attempt, start, res); err != nil {
			return nil, err
		} else if done {
			return res, nil
		}

		if !res.lastChanged() {
			break
		}
	}

	res.Success = false
	res.Record = current
	l.logger.Warn(
		"healing exhausted",
		"table", table,
		"attempts", len(res.Attempts),
		"remaining_errors", len(res.Errors),
	)
	return res, nil
}

// attemptFix runs one correction cycle. It mutates *current when a tier
// produces a change and returns done=true only for the oracle tier, which
// re-validates internally.
func (l *Loop) attemptFix(
	ctx context.Context,
	op backend.Operation,
	table string,
	current *record.Record,
	errs []schema.ValidationError,
	attempt int,
	start time.Time,
	res *Result,
) (bool, error) {
	// Tier 1: deterministic rules. No network, no store lookups.
	outcome := l.fixes.ApplyAll(*current, errs, table)
	if outcome.Changed {
		*current = outcome.Data
		res.Healed = true
		res.Method = TierDeterministic
		res.record(attempt, TierDeterministic, errs, true, l.now().Sub(start))
		l.logger.Debug("deterministic fix applied", "table", table, "rules", outcome.Applied)
		return false, nil
	}

	// Tier 2: previously learned pattern keyed by error shape.
	signature := schema.Signature(errs)
	if pattern, err := l.patterns.Lookup(ctx, table, signature); err != nil {
		l.logger.Warn("pattern lookup failed", "table", table, "error", err)
	} else if pattern != nil {
		fixed, changed := pattern.Template.Apply(*current)
		if changed {
			if err := l.patterns.MarkUsed(ctx, table, signature); err != nil {
				l.logger.Warn("pattern usage update failed", "table", table, "error", err)
			}
			*current = fixed
			res.Healed = true
			res.Method = TierPattern
			res.record(attempt, TierPattern, errs, true, l.now().Sub(start))
			return false, nil
		}
	}

	// Tier 3: oracle, last resort. Output is only trusted after it
	// independently re-validates; only then is a pattern learned.
	corrected, ok := l.oracleFix(ctx, table, *current, errs)
	if !ok {
		res.record(attempt, TierOracle, errs, false, l.now().Sub(start))
		return false, nil
	}

	reval, err := l.validator.Validate(ctx, op, table, corrected)
	if err != nil {
		return false, fmt.Errorf("re-validate oracle output: %w", err)
	}

	if !reval.Valid {
		l.logger.Warn(
			"oracle output failed re-validation, discarding",
			"table", table,
			"errors", len(reval.Errors),
		)
		res.record(attempt, TierOracle, errs, false, l.now().Sub(start))
		return false, nil
	}

	if tmpl := patterns.Derive(*current, corrected); len(tmpl) > 0 {
		if err := l.patterns.Save(ctx, table, signature, tmpl, patterns.InitialConfidence); err != nil {
			l.logger.Warn("pattern save failed", "table", table, "error", err)
		}
	}

	*current = corrected
	res.Success = true
	res.Healed = true
	res.Method = TierOracle
	res.Record = corrected
	res.Errors = nil
	res.record(attempt, TierOracle, errs, true, l.now().Sub(start))
	return true, nil
}

func (r *Result) record(number int, tier Tier, errs []schema.ValidationError, changed bool, d time.Duration) {
	r.Attempts = append(r.Attempts, Attempt{
		Number:   number,
		Tier:     tier,
		Errors:   errs,
		Changed:  changed,
		Duration: d,
	})
}

func (r *Result) lastChanged() bool {
	if len(r.Attempts) == 0 {
		return false
	}
	return r.Attempts[len(r.Attempts)-1].Changed
}

// oracleFix sends the record to the correction oracle and parses a record
// from the response. Unreachable oracles and malformed or unchanged output
// all surface as "no fix", never as a loop failure.
func (l *Loop) oracleFix(ctx context.Context, table string, current record.Record, errs []schema.ValidationError) (record.Record, bool) {
	if l.oracle == nil {
		return nil, false
	}

	ts, err := l.validator.Schema(ctx, table)
	if err != nil {
		l.logger.Warn("schema unavailable for oracle prompt", "table", table, "error", err)
		return nil, false
	}

	prompt, err := buildPrompt(table, ts, current, errs)
	if err != nil {
		l.logger.Warn("oracle prompt build failed", "table", table, "error", err)
		return nil, false
	}

	response, err := l.oracle.Complete(ctx, prompt)
	if err != nil {
		l.logger.Warn("oracle unreachable", "table", table, "error", err)
		return nil, false
	}

	corrected, err := parseCorrection(response)
	if err != nil {
		l.logger.Warn("oracle output malformed", "table", table, "error", err)
		return nil, false
	}

	if corrected.Equal(current) {
		l.logger.Debug("oracle returned record unchanged", "table", table)
		return nil, false
	}

	return corrected, true
}
