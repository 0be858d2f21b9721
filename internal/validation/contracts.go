package validation

// Contract names a structured response shape the reasoning oracle must
// produce.
type Contract string

const (
	ContractCallPlan        Contract = "call_plan"
	ContractOutcomeVerdicts Contract = "outcome_verdicts"
	ContractScenario        Contract = "scenario"
	ContractAnalysis        Contract = "analysis"
)

// contractSchemas holds the JSON Schema (draft 2020-12) of every contract.
// Unknown properties are tolerated; required fields and types are not.
var contractSchemas = map[Contract]string{
	ContractCallPlan: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["calls"],
  "properties": {
    "calls": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["operation"],
        "properties": {
          "operation": { "type": "string", "minLength": 1 },
          "args": { "type": "object" }
        }
      }
    },
    "reasoning": { "type": "string" }
  }
}`,

	ContractOutcomeVerdicts: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["verdicts"],
  "properties": {
    "verdicts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["statement", "passed"],
        "properties": {
          "statement": { "type": "string" },
          "passed": { "type": "boolean" },
          "reason": { "type": "string" }
        }
      }
    }
  }
}`,

	ContractScenario: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["description", "steps"],
  "properties": {
    "description": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "type": "string", "minLength": 1 }
    },
    "outcomes": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    }
  }
}`,

	ContractAnalysis: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": { "type": "string", "minLength": 1 },
    "root_cause": { "type": "string" },
    "recommendations": {
      "type": "array",
      "items": { "type": "string" }
    }
  }
}`,
}
