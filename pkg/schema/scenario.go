package schema

// Scenario is a parsed natural-language test. It is not modified after parsing.
type Scenario struct {
	ID          string      `json:"id"`
	Description string      `json:"description"`
	Steps       []string    `json:"steps"`
	Outcomes    []string    `json:"outcomes,omitempty"`
	Assertions  []Assertion `json:"assertions,omitempty"`
}

// Assertion is a deterministic check evaluated against the final snapshot.
// Engine is one of "cel", "expr" or "jq".
type Assertion struct {
	Engine     string `json:"engine"`
	Expression string `json:"expression"`
}

// Call is one backend operation invocation requested by the oracle.
type Call struct {
	Operation string         `json:"operation"`
	Args      map[string]any `json:"args,omitempty"`
}

// CallPlan is the ordered list of calls that carries out exactly one step.
type CallPlan struct {
	Calls     []Call `json:"calls"`
	Reasoning string `json:"reasoning,omitempty"`
}

// OutcomeVerdict is the oracle's judgement of one outcome statement.
type OutcomeVerdict struct {
	Statement string `json:"statement"`
	Passed    bool   `json:"passed"`
	Reason    string `json:"reason,omitempty"`
}

// Analysis is the human-readable review of a finished run.
type Analysis struct {
	Summary         string   `json:"summary"`
	RootCause       string   `json:"root_cause,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// String renders the analysis as plain text.
func (a *Analysis) String() string {
	if a == nil {
		return ""
	}
	out := a.Summary
	if a.RootCause != "" {
		out += "\n\nRoot cause: " + a.RootCause
	}
	if len(a.Recommendations) > 0 {
		out += "\n\nRecommendations:"
		for _, r := range a.Recommendations {
			out += "\n- " + r
		}
	}
	return out
}
