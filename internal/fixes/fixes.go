// Package fixes is the deterministic correction tier: a registry of named,
// independently-matchable rules applied before any learned pattern or
// network call. Rules are pure functions over the record, so each is
// testable in isolation and new rules slot in without touching the loop.
package fixes

import (
	"log/slog"

	"github.com/JaimeStill/mend/internal/schema"
	"github.com/JaimeStill/mend/pkg/record"
)

// Rule is one correction strategy. Matches decides whether the rule fires
// for a given validation error; Apply returns the corrected record and
// whether anything changed. Apply must not mutate its input.
type Rule struct {
	Name       string
	Confidence float64
	Matches    func(err schema.ValidationError, table string) bool
	Apply      func(data record.Record, err schema.ValidationError) (record.Record, bool)
}

// Outcome reports the result of one ApplyAll pass.
type Outcome struct {
	Data       record.Record
	Applied    []string
	Confidence float64
	Changed    bool
}

// Registry holds rules in registration order. The list is scanned linearly
// for every error; rule counts are small, so clarity wins over indexing.
type Registry struct {
	rules  []Rule
	logger *slog.Logger
}

// NewRegistry creates a Registry pre-populated with the built-in rules.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		logger: logger.With("system", "fixes"),
	}
	r.registerBuiltins()
	return r
}

// Register appends a rule. Registration order is application order.
func (r *Registry) Register(rule Rule) {
	r.rules = append(r.rules, rule)
}

// ApplyAll iterates every error against every rule in registration order,
// applying matching rules cumulatively: one pass may touch the record
// through several rules. Returns the mutated record, the rule names that
// fired, and their average confidence. Changed is false when nothing matched.
func (r *Registry) ApplyAll(data record.Record, errs []schema.ValidationError, table string) *Outcome {
	out := &Outcome{Data: data.Clone()}

	var confidence float64
	for _, err := range errs {
		for _, rule := range r.rules {
			if !rule.Matches(err, table) {
				continue
			}

			fixed, changed := rule.Apply(out.Data, err)
			if !changed {
				continue
			}

			out.Data = fixed
			out.Applied = append(out.Applied, rule.Name)
			out.Changed = true
			confidence += rule.Confidence

			r.logger.Debug(
				"deterministic rule applied",
				"rule", rule.Name,
				"table", table,
				"column", err.Column,
			)
		}
	}

	if len(out.Applied) > 0 {
		out.Confidence = confidence / float64(len(out.Applied))
	}

	return out
}
