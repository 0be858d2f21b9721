package expressions

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rendis/stepwise/pkg/schema"
)

// assertLineRe matches "assert <engine>: <expression>", optionally as a list
// item.
var assertLineRe = regexp.MustCompile(`(?i)^\s*(?:[-*]\s+)?assert\s+(cel|expr|jq)\s*:\s*(.+?)\s*$`)

// ExtractAssertions removes assertion lines from a test document and returns
// the remaining text together with the assertions in document order.
func ExtractAssertions(doc string) (string, []schema.Assertion) {
	var (
		kept       []string
		assertions []schema.Assertion
	)
	for _, line := range strings.Split(doc, "\n") {
		m := assertLineRe.FindStringSubmatch(line)
		if m == nil {
			kept = append(kept, line)
			continue
		}
		assertions = append(assertions, schema.Assertion{
			Engine:     strings.ToLower(m[1]),
			Expression: m[2],
		})
	}
	return strings.Join(kept, "\n"), assertions
}

// Evaluator runs assertions against a snapshot using the registered engines.
type Evaluator struct {
	engines map[string]Engine
}

// NewEvaluator creates an Evaluator with the CEL, Expr and jq engines.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewEvaluatorWith(celEngine, NewExprEngine(), NewGoJQEngine()), nil
}

// NewEvaluatorWith creates an Evaluator over the given engines, keyed by Name.
func NewEvaluatorWith(engines ...Engine) *Evaluator {
	ev := &Evaluator{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		ev.engines[e.Name()] = e
	}
	return ev
}

// Evaluate checks every assertion against snap. All assertions are evaluated;
// one failing does not stop the others. An assertion passes only when its
// expression yields true (for jq, every output must be true).
func (ev *Evaluator) Evaluate(ctx context.Context, snap *schema.Snapshot, assertions []schema.Assertion) []schema.AssertionResult {
	data := SnapshotData(snap)
	results := make([]schema.AssertionResult, 0, len(assertions))
	for _, a := range assertions {
		res := schema.AssertionResult{Engine: a.Engine, Expression: a.Expression, Status: schema.StatusPassed}
		if err := ev.check(ctx, a, data); err != nil {
			res.Status = schema.StatusFailed
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

func (ev *Evaluator) check(ctx context.Context, a schema.Assertion, data map[string]any) error {
	engine, ok := ev.engines[a.Engine]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown assertion engine %q", a.Engine)
	}
	out, err := engine.Evaluate(ctx, a.Expression, data)
	if err != nil {
		return err
	}
	return truthy(out)
}

func truthy(out any) error {
	switch v := out.(type) {
	case bool:
		if !v {
			return fmt.Errorf("assertion evaluated to false")
		}
		return nil
	case []any:
		if len(v) == 0 {
			return fmt.Errorf("assertion produced no output")
		}
		for _, item := range v {
			if err := truthy(item); err != nil {
				return err
			}
		}
		return nil
	case nil:
		return fmt.Errorf("assertion produced no output")
	default:
		return fmt.Errorf("assertion must evaluate to a boolean, got %T", out)
	}
}
