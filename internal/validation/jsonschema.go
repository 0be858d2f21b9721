package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepwise/pkg/schema"
)

const contractBaseURL = "https://stepwise.dev/schemas/"

// ErrMalformed is wrapped by Decode errors for input that is not JSON at all,
// as opposed to JSON that violates its contract.
var ErrMalformed = errors.New("malformed JSON")

// Validator checks oracle responses against their contracts and operation
// arguments against the input schema the backend advertised. It is safe for
// concurrent use.
type Validator struct {
	contracts map[Contract]*jsonschema.Schema

	// mu guards the cache of compiled operation input schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewValidator compiles every contract schema.
func NewValidator() (*Validator, error) {
	c := newCompiler()

	names := make([]string, 0, len(contractSchemas))
	for name := range contractSchemas {
		names = append(names, string(name))
	}
	sort.Strings(names)

	compiled := make(map[Contract]*jsonschema.Schema, len(names))
	for _, name := range names {
		url := contractBaseURL + name + ".json"
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(contractSchemas[Contract(name)]))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", name, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		compiled[Contract(name)] = sch
	}

	return &Validator{
		contracts: compiled,
		cache:     make(map[string]*jsonschema.Schema),
	}, nil
}

// Decode validates raw against contract c and unmarshals it into out.
// Anything that is not valid JSON or violates the contract is an
// ORACLE_CONTRACT_ERROR; nothing is coerced.
func (v *Validator) Decode(c Contract, raw []byte, out any) error {
	sch, ok := v.contracts[c]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown contract %q", c)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeOracleContract, "%s: response is not valid JSON", c).
			WithCause(fmt.Errorf("%w: %w", ErrMalformed, err))
	}
	if err := sch.Validate(doc); err != nil {
		return toContractError(string(c), err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeOracleContract, "%s: decode response", c).WithCause(err)
	}
	return nil
}

// ValidateArgs checks args against an operation's advertised input schema.
// The schema is compiled once and cached. An empty schema accepts anything.
func (v *Validator) ValidateArgs(operation string, args map[string]any, inputSchema []byte) error {
	if len(bytes.TrimSpace(inputSchema)) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		// Broken advertised schemas are ignored.
		return nil
	}

	doc, err := toJSONValue(args)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeOracleContract, "%s: arguments are not serializable", operation).
			WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toContractError(operation, err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *Validator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("stepwise://operation-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number, which
// the validator requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

func toContractError(subject string, err error) *schema.StepwiseError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeOracleContract, "%s: %s", subject, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewErrorf(schema.ErrCodeOracleContract, "%s: %s", subject, verr.Error())
	case 1:
		return schema.NewErrorf(schema.ErrCodeOracleContract, "%s: %s", subject, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeOracleContract, "%s: %d violations", subject, len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations walks a ValidationError tree and collects leaf messages
// prefixed by their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
