package oracle

import (
	"bytes"
	"text/template"
)

const planSystemPrompt = `You drive a web browser to carry out one step of an end-to-end test.
You receive the step, the current page snapshot and the operations the browser supports.
Reply with a JSON object of the form
{"reasoning": "<one sentence>", "calls": [{"operation": "<name>", "args": {...}}]}

Rules:
- Use only the listed operations and only refs that appear in the snapshot.
- Refs are valid for this snapshot only. Never invent a ref.
- Any call that may load a new page or view (navigating, submitting a form, clicking a link or
  a button that changes the page) MUST be followed immediately by a browser_wait_for call.
  Choose the text to wait for from the step wording, i.e. text that should appear once the
  transition is done. If nothing specific can be inferred, wait a short time instead.
- Do not take snapshots or screenshots; they are taken for you.
- Return an empty calls list only when the step is already satisfied by the current page.`

const planUserPrompt = `Step {{.Index}} of {{.Total}}: {{.Step}}

Current page:
{{.Snapshot}}
Available operations:
{{range .Operations}}- {{.Name}}{{if .Description}}: {{.Description}}{{end}}
{{if .InputSchema}}  args schema: {{printf "%s" .InputSchema}}
{{end}}{{end}}`

const verifySystemPrompt = `You check expected outcomes of an end-to-end test against the final page.
Judge every statement independently using only the snapshot given.
Reply with a JSON object of the form
{"verdicts": [{"statement": "<statement verbatim>", "passed": true|false, "reason": "<why>"}]}
Return exactly one verdict per statement, in the order given.`

const verifyUserPrompt = `Final page:
{{.Snapshot}}
Statements:
{{range $i, $s := .Statements}}{{inc $i}}. {{$s}}
{{end}}`

const parseSystemPrompt = `You turn a natural-language end-to-end test into a structured scenario.
Split the document into ordered, atomic, imperative steps and into expected outcomes, i.e.
statements about the final page that should hold after all steps.
Keep concrete values (URLs, labels, texts) exactly as written.
Reply with a JSON object of the form
{"description": "<one line>", "steps": ["..."], "outcomes": ["..."]}`

const parseUserPrompt = `Test document:
{{.Document}}`

const analyzeSystemPrompt = `You review the result of an end-to-end browser test run.
Explain what happened for a developer reading the report.
Reply with a JSON object of the form
{"summary": "<2-4 sentences>", "root_cause": "<empty when the run passed>", "recommendations": ["..."]}`

const analyzeUserPrompt = `Scenario: {{.Scenario.Description}}
Steps:
{{range $i, $s := .Scenario.Steps}}{{inc $i}}. {{$s}}
{{end}}Expected outcomes:
{{range .Scenario.Outcomes}}- {{.}}
{{end}}
Run status: {{.Result.Status}}{{if .Result.Error}} ({{.Result.Error}}){{end}}
Step results:
{{range .Result.Steps}}- [{{.Status}}] {{.Description}}{{if .Error}}: {{.Error}}{{end}}
{{end}}Outcome results:
{{range .Result.Outcomes}}- [{{.Status}}] {{.Description}}{{if .Error}}: {{.Error}}{{end}}
{{end}}{{if .Result.Assertions}}Assertion results:
{{range .Result.Assertions}}- [{{.Status}}] {{.Engine}}: {{.Expression}}{{if .Error}}: {{.Error}}{{end}}
{{end}}{{end}}`

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

var (
	planTmpl    = template.Must(template.New("plan").Funcs(funcs).Parse(planUserPrompt))
	verifyTmpl  = template.Must(template.New("verify").Funcs(funcs).Parse(verifyUserPrompt))
	parseTmpl   = template.Must(template.New("parse").Funcs(funcs).Parse(parseUserPrompt))
	analyzeTmpl = template.Must(template.New("analyze").Funcs(funcs).Parse(analyzeUserPrompt))
)

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
