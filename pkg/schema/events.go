package schema

// Event type constants for the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"

	EventStepPassed        = "step_passed"
	EventStepsCompleted    = "steps_completed"
	EventStepFailed        = "step_failed"
	EventOutcomesVerifying = "outcomes_verifying"
	EventOutcomesPassed    = "outcomes_passed"
	EventOutcomesFailed    = "outcomes_failed"

	EventNodeCompleted = "node_completed"
)

// RunState is a state of the per-scenario execution machine.
type RunState string

const (
	RunStateReady             RunState = "ready"
	RunStateRunning           RunState = "running"
	RunStateStepFailed        RunState = "step_failed"
	RunStateAllStepsDone      RunState = "all_steps_done"
	RunStateVerifyingOutcomes RunState = "verifying_outcomes"
	RunStateOutcomesFailed    RunState = "outcomes_failed"
	RunStateOutcomesPassed    RunState = "outcomes_passed"
	RunStateDone              RunState = "done"
)

// Status is the verdict attached to steps, outcomes, assertions and whole runs.
type Status string

const (
	StatusPassed Status = "passed"
	StatusFailed Status = "failed"
)
