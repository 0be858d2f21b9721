package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/stepwise/internal/oracle"
	"github.com/rendis/stepwise/pkg/schema"
)

// Verifier judges expected-outcome statements against the final page.
type Verifier struct {
	oracle oracle.Gateway
	logger *slog.Logger
}

// NewVerifier creates a Verifier backed by gw.
func NewVerifier(gw oracle.Gateway, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{oracle: gw, logger: logger}
}

// Verify returns one OutcomeResult per statement, in statement order. Every
// statement is judged; a failing one does not stop the rest. When the oracle
// call itself fails, every statement is recorded failed with that error.
func (v *Verifier) Verify(ctx context.Context, snap *schema.Snapshot, statements []string) []schema.OutcomeResult {
	if len(statements) == 0 {
		return []schema.OutcomeResult{}
	}

	verdicts, err := v.oracle.VerifyOutcomes(ctx, snap, statements)
	if err != nil {
		v.logger.ErrorContext(ctx, "outcome verification failed",
			slog.Int("outcomes", len(statements)),
			slog.String("error", err.Error()),
		)
		return failedOutcomes(statements, err)
	}

	results := make([]schema.OutcomeResult, len(statements))
	for i, stmt := range statements {
		res := schema.OutcomeResult{Description: stmt, Status: schema.StatusPassed}
		if i >= len(verdicts) {
			res.Status = schema.StatusFailed
			res.Error = "no verdict returned"
		} else if !verdicts[i].Passed {
			res.Status = schema.StatusFailed
			res.Error = verdicts[i].Reason
			if res.Error == "" {
				res.Error = "outcome not observed"
			}
		}
		results[i] = res
	}
	return results
}

func failedOutcomes(statements []string, err error) []schema.OutcomeResult {
	results := make([]schema.OutcomeResult, len(statements))
	for i, stmt := range statements {
		results[i] = schema.OutcomeResult{Description: stmt, Status: schema.StatusFailed, Error: err.Error()}
	}
	return results
}

// OutcomesPassed reports whether every outcome passed. An empty list passes.
func OutcomesPassed(results []schema.OutcomeResult) bool {
	for _, r := range results {
		if r.Status != schema.StatusPassed {
			return false
		}
	}
	return true
}
