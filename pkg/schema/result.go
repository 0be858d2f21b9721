package schema

import "time"

// StepResult records the execution of one natural-language step.
type StepResult struct {
	StepID         string        `json:"step_id"`
	Index          int           `json:"index"`
	Description    string        `json:"description"`
	Status         Status        `json:"status"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
	ScreenshotPath string        `json:"screenshot_path,omitempty"`
	Calls          []Call        `json:"calls,omitempty"`
}

// OutcomeResult records the verdict on one expected-outcome statement.
type OutcomeResult struct {
	Description string `json:"description"`
	Status      Status `json:"status"`
	Error       string `json:"error,omitempty"`
}

// AssertionResult records one deterministic assertion.
type AssertionResult struct {
	Engine     string `json:"engine"`
	Expression string `json:"expression"`
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
}

// TestResult aggregates a whole scenario run.
type TestResult struct {
	RunID       string            `json:"run_id"`
	ScenarioID  string            `json:"scenario_id"`
	Status      Status            `json:"status"`
	Steps       []StepResult      `json:"steps"`
	Outcomes    []OutcomeResult   `json:"outcomes"`
	Assertions  []AssertionResult `json:"assertions,omitempty"`
	Screenshots []string          `json:"screenshots"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     time.Time         `json:"ended_at"`
	Duration    time.Duration     `json:"duration"`
	Error       string            `json:"error,omitempty"`
}

// Passed reports whether the run passed.
func (r *TestResult) Passed() bool {
	return r != nil && r.Status == StatusPassed
}

// FailedSteps returns the number of failed steps.
func (r *TestResult) FailedSteps() int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == StatusFailed {
			n++
		}
	}
	return n
}
