// Package expressions evaluates deterministic assertions over the final page
// snapshot. Three engines are available: CEL, Expr and jq.
package expressions

import (
	"context"

	"github.com/rendis/stepwise/pkg/schema"
)

// Engine evaluates one expression against snapshot data.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Variables exposed to every engine.
const (
	VarURL      = "url"
	VarTitle    = "title"
	VarElements = "elements"
	VarTexts    = "texts"
)

// SnapshotData converts a snapshot into the JSON-shaped document every engine
// evaluates against:
//
//	url:      string
//	title:    string
//	elements: list of {ref, type, name, text, disabled, active, url, depth}
//	texts:    every non-empty element name and text, in document order
func SnapshotData(snap *schema.Snapshot) map[string]any {
	data := map[string]any{
		VarURL:      "",
		VarTitle:    "",
		VarElements: []any{},
		VarTexts:    []any{},
	}
	if snap == nil {
		return data
	}
	data[VarURL] = snap.URL
	data[VarTitle] = snap.Title

	elements := make([]any, 0, len(snap.Elements))
	texts := make([]any, 0, len(snap.Elements))
	for _, el := range snap.Elements {
		elements = append(elements, map[string]any{
			"ref":      el.Ref,
			"type":     el.Type,
			"name":     el.Name,
			"text":     el.Text,
			"disabled": el.Disabled,
			"active":   el.Active,
			"url":      el.URL,
			"depth":    el.Depth,
		})
		if el.Name != "" {
			texts = append(texts, el.Name)
		}
		if el.Text != "" {
			texts = append(texts, el.Text)
		}
	}
	data[VarElements] = elements
	data[VarTexts] = texts
	return data
}
