package snapshot

import (
	"strings"

	"github.com/rendis/stepwise/pkg/schema"
)

// Format renders a snapshot for a model prompt, one element per line in
// document order, indented by depth.
func Format(snap *schema.Snapshot) string {
	if snap == nil {
		return "(no snapshot)"
	}
	var b strings.Builder
	b.WriteString("URL: " + snap.URL + "\n")
	if snap.Title != "" {
		b.WriteString("Title: " + snap.Title + "\n")
	}
	if len(snap.Elements) == 0 {
		b.WriteString("Elements: (none)\n")
		return b.String()
	}
	b.WriteString("Elements:\n")
	for _, el := range snap.Elements {
		b.WriteString(strings.Repeat("  ", el.Depth))
		b.WriteString("[" + el.Ref + "]")
		if el.Type != "" {
			b.WriteString(" " + el.Type)
		}
		if el.Name != "" {
			b.WriteString(` "` + el.Name + `"`)
		}
		if el.Disabled {
			b.WriteString(" (disabled)")
		}
		if el.Active {
			b.WriteString(" (focused)")
		}
		if el.URL != "" {
			b.WriteString(" url=" + el.URL)
		}
		if el.Text != "" {
			b.WriteString(": " + el.Text)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Texts returns every non-empty name and text in document order.
func Texts(snap *schema.Snapshot) []string {
	var out []string
	for _, el := range snap.Elements {
		if el.Name != "" {
			out = append(out, el.Name)
		}
		if el.Text != "" {
			out = append(out, el.Text)
		}
	}
	return out
}

// ContainsText reports whether any element name or text contains s.
func ContainsText(snap *schema.Snapshot, s string) bool {
	for _, t := range Texts(snap) {
		if strings.Contains(t, s) {
			return true
		}
	}
	return false
}
