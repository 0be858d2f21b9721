// Package snapshot parses the backend's accessibility report into elements.
//
// A report line looks like
//
//	- button "Sign in" [disabled] [ref=e12] [cursor=pointer]: Continue
//
// Only lines carrying a [ref=...] token become elements. Element order follows
// line order.
package snapshot

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/stepwise/pkg/schema"
)

var (
	refRe    = regexp.MustCompile(`\[ref=([^\]\s]+)\]`)
	markerRe = regexp.MustCompile(`\[([A-Za-z][\w-]*)(?:=([^\]]*))?\]`)
	nameRe   = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)
	roleRe   = regexp.MustCompile(`^([A-Za-z][\w-]*)`)
)

const (
	pageURLPrefix   = "Page URL:"
	pageTitlePrefix = "Page Title:"
	urlChildPrefix  = "/url:"
)

// Parser converts report text into a Snapshot. The zero value is usable.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a Parser that logs skipped lines at debug level.
func NewParser(logger *slog.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse never fails: malformed lines are skipped and an empty report yields
// a snapshot with no elements.
func (p *Parser) Parse(report string) *schema.Snapshot {
	snap := &schema.Snapshot{Elements: []schema.Element{}}
	last := -1

	for n, raw := range strings.Split(report, "\n") {
		line, depth := stripLine(raw)
		if skippable(line) {
			continue
		}

		if v, ok := cutPrefix(line, pageURLPrefix); ok {
			snap.URL = v
			continue
		}
		if v, ok := cutPrefix(line, pageTitlePrefix); ok {
			snap.Title = v
			continue
		}
		if v, ok := cutPrefix(line, urlChildPrefix); ok {
			if last >= 0 && depth > snap.Elements[last].Depth && snap.Elements[last].URL == "" {
				snap.Elements[last].URL = v
			}
			continue
		}

		el, ok := p.safeParseLine(line, n+1)
		if !ok {
			continue
		}
		el.Depth = depth
		snap.Elements = append(snap.Elements, el)
		last = len(snap.Elements) - 1
	}
	return snap
}

func (p *Parser) safeParseLine(line string, lineNo int) (el schema.Element, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if p.logger != nil {
				p.logger.Debug("skipping malformed snapshot line", slog.Int("line", lineNo), slog.Any("panic", r))
			}
			el, ok = schema.Element{}, false
		}
	}()
	return parseLine(line)
}

// parseLine extracts one element from a stripped line.
func parseLine(line string) (schema.Element, bool) {
	var el schema.Element
	rest := line
	if role := roleRe.FindString(line); role != "" {
		el.Type = role
		rest = line[len(role):]
	}

	header, text := splitText(rest)

	// The ref and markers are looked for outside the quoted name so a name
	// like "Save [draft]" or "Go [ref=e9]" is not read as a marker.
	markers := nameRe.ReplaceAllString(header, "")
	m := refRe.FindStringSubmatch(markers)
	if m == nil {
		return schema.Element{}, false
	}
	el.Ref = m[1]

	if nm := nameRe.FindStringSubmatch(header); nm != nil {
		el.Name = unquote(nm[1])
	}

	for _, mk := range markerRe.FindAllStringSubmatch(markers, -1) {
		key, val := strings.ToLower(mk[1]), strings.TrimSpace(mk[2])
		switch key {
		case "disabled":
			el.Disabled = val == "" || val == "true"
		case "active":
			el.Active = val == "" || val == "true"
		case "cursor":
			el.Cursor = val
		case "url":
			el.URL = val
		}
	}

	el.Text = cleanText(text)
	return el, true
}

// splitText splits at the first ':' outside quotes and brackets.
func splitText(s string) (header, text string) {
	inQuote, depth := false, 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && inQuote:
			i++
		case c == '"':
			inQuote = !inQuote
		case inQuote:
		case c == '[':
			depth++
		case c == ']':
			if depth > 0 {
				depth--
			}
		case c == ':' && depth == 0:
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

func stripLine(raw string) (string, int) {
	trimmed := strings.TrimLeft(raw, " \t")
	depth := (len(raw) - len(trimmed)) / 2
	line := strings.TrimSpace(trimmed)
	line = strings.TrimPrefix(line, "- ")
	if line == "-" {
		line = ""
	}
	return line, depth
}

func skippable(line string) bool {
	return line == "" ||
		strings.HasPrefix(line, "#") ||
		strings.HasPrefix(line, "//") ||
		strings.HasPrefix(line, "```")
}

func cutPrefix(line, prefix string) (string, bool) {
	v, ok := strings.CutPrefix(line, prefix)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func cleanText(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return unquote(s[1 : len(s)-1])
	}
	return s
}

func unquote(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return u
	}
	return s
}
