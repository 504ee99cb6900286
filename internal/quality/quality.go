// Package quality runs weighted quality gates over a modeled star schema and
// aggregates them into a composite score and a pass/fail decision.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/mboyajeffers/etl-framework/internal/model"
)

// Severity is the tier of a gate.
type Severity string

const (
	// Blocker failures fail the whole run.
	Blocker Severity = "BLOCKER"
	// Warn failures are recorded without failing the run.
	Warn Severity = "WARN"
	// Info gates are observational.
	Info Severity = "INFO"
)

// Check scores a schema in [0,1]. Implementations must not modify the schema.
type Check interface {
	Evaluate(ctx context.Context, schema *model.Schema) (score float64, detail string, err error)
}

// CheckFunc adapts a function into a Check.
type CheckFunc func(ctx context.Context, schema *model.Schema) (float64, string, error)

// Evaluate calls f.
func (f CheckFunc) Evaluate(ctx context.Context, schema *model.Schema) (float64, string, error) {
	return f(ctx, schema)
}

// Gate is a named, weighted check with a pass threshold.
type Gate struct {
	Name      string
	Check     Check
	Weight    float64
	Severity  Severity
	Threshold float64
}

// Result is the outcome of one gate.
type Result struct {
	Name      string   `json:"name"`
	Passed    bool     `json:"passed"`
	Score     float64  `json:"score"`
	Severity  Severity `json:"severity"`
	Weight    float64  `json:"weight"`
	Threshold float64  `json:"threshold"`
	Detail    string   `json:"detail,omitempty"`
}

// Report aggregates gate results.
type Report struct {
	Results        []Result `json:"results"`
	CompositeScore float64  `json:"composite_score"`
	Passed         bool     `json:"passed"`
	Warnings       []string `json:"warnings,omitempty"`
}

// BlockerError names the BLOCKER gates that failed.
type BlockerError struct {
	Gates []string
}

func (e *BlockerError) Error() string {
	return fmt.Sprintf("quality gate blocker: %s", strings.Join(e.Gates, ", "))
}

// Err returns a *BlockerError when the report did not pass.
func (r *Report) Err() error {
	if r.Passed {
		return nil
	}
	var failed []string
	for _, res := range r.Results {
		if res.Severity == Blocker && !res.Passed {
			failed = append(failed, res.Name)
		}
	}
	return &BlockerError{Gates: failed}
}

// Runner executes gates in order.
type Runner struct {
	log *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner() *Runner {
	return &Runner{log: slog.With("component", "quality")}
}

// Run evaluates gates against schema. A gate whose check errors or panics
// scores 0 and fails. The composite score is the weight-normalized average
// of gate scores, always within [0,1]; with no positive weights it is the
// plain mean, and with no gates it is 1.
func (r *Runner) Run(ctx context.Context, schema *model.Schema, gates []Gate) *Report {
	rep := &Report{Passed: true, Results: make([]Result, 0, len(gates))}

	var weighted, totalWeight, plain float64
	for _, g := range gates {
		res := r.evaluate(ctx, schema, g)
		rep.Results = append(rep.Results, res)

		plain += res.Score
		if res.Weight > 0 {
			weighted += res.Weight * res.Score
			totalWeight += res.Weight
		}

		if res.Passed {
			continue
		}
		switch res.Severity {
		case Blocker:
			rep.Passed = false
			r.log.Error("blocker gate failed", "gate", res.Name, "score", res.Score, "threshold", res.Threshold, "detail", res.Detail)
		case Warn:
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("%s: score %.4f below %.4f", res.Name, res.Score, res.Threshold))
			r.log.Warn("gate failed", "gate", res.Name, "score", res.Score, "threshold", res.Threshold, "detail", res.Detail)
		default:
			r.log.Info("informational gate below threshold", "gate", res.Name, "score", res.Score)
		}
	}

	switch {
	case len(gates) == 0:
		rep.CompositeScore = 1
	case totalWeight > 0:
		rep.CompositeScore = clamp(weighted / totalWeight)
	default:
		rep.CompositeScore = clamp(plain / float64(len(gates)))
	}
	return rep
}

func (r *Runner) evaluate(ctx context.Context, schema *model.Schema, g Gate) (res Result) {
	sev := g.Severity
	if sev == "" {
		sev = Warn
	}
	weight := g.Weight
	if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		weight = 0
	}
	res = Result{Name: g.Name, Severity: sev, Weight: weight, Threshold: g.Threshold}

	defer func() {
		if p := recover(); p != nil {
			res.Score = 0
			res.Passed = false
			res.Detail = fmt.Sprintf("check panicked: %v", p)
		}
	}()

	if g.Check == nil {
		res.Detail = "no check configured"
		return res
	}
	score, detail, err := g.Check.Evaluate(ctx, schema)
	if err != nil {
		res.Detail = err.Error()
		return res
	}
	res.Score = clamp(score)
	res.Detail = detail
	res.Passed = res.Score >= g.Threshold
	return res
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
