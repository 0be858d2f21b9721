package schema

// Node names the orchestrator phase a WorkflowState is in.
type Node string

const (
	NodeParse    Node = "parse"
	NodeExecute  Node = "execute"
	NodeAnalyze  Node = "analyze"
	NodeComplete Node = "complete"
)

// WorkflowState is threaded through the orchestrator. Nodes never mutate it;
// they return a StatePatch that the orchestrator merges.
type WorkflowState struct {
	RunID       string      `json:"run_id"`
	Input       string      `json:"input"`
	Scenario    *Scenario   `json:"scenario,omitempty"`
	Result      *TestResult `json:"execution_result,omitempty"`
	Analysis    *Analysis   `json:"analysis,omitempty"`
	CurrentStep Node        `json:"current_step"`
	Error       string      `json:"error,omitempty"`
}

// StatePatch is a partial WorkflowState update. Nil/empty fields are left unchanged.
type StatePatch struct {
	Scenario *Scenario
	Result   *TestResult
	Analysis *Analysis
	Error    string
}

// Merge returns a copy of s with p applied. A non-empty error forces the
// complete node.
func (s WorkflowState) Merge(p StatePatch) WorkflowState {
	if p.Scenario != nil {
		s.Scenario = p.Scenario
	}
	if p.Result != nil {
		s.Result = p.Result
	}
	if p.Analysis != nil {
		s.Analysis = p.Analysis
	}
	if p.Error != "" {
		s.Error = p.Error
		s.CurrentStep = NodeComplete
	}
	return s
}
