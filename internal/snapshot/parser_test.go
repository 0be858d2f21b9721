package snapshot

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

const loginReport = "### Page state\n" +
	"- Page URL: http://app.test/login\n" +
	"- Page Title: Sign in\n" +
	"- Page Snapshot:\n" +
	"```yaml\n" +
	"- generic [active] [ref=e1]:\n" +
	"  - heading \"Welcome back\" [level=1] [ref=e2]\n" +
	"  - textbox \"Email\" [ref=e3]\n" +
	"  - textbox \"Password\" [disabled] [ref=e4]\n" +
	"  - button \"Sign in\" [ref=e5] [cursor=pointer]\n" +
	"  - link \"Forgot password?\" [ref=e6] [cursor=pointer]:\n" +
	"    - /url: /forgot\n" +
	"  - paragraph [ref=e7]: Need an account? Contact your admin.\n" +
	"  - text: no ref here\n" +
	"```\n"

func TestParse_LoginPage(t *testing.T) {
	snap := NewParser(nil).Parse(loginReport)

	assert.Equal(t, "http://app.test/login", snap.URL)
	assert.Equal(t, "Sign in", snap.Title)
	require.Len(t, snap.Elements, 7)

	refs := make([]string, len(snap.Elements))
	for i, el := range snap.Elements {
		refs[i] = el.Ref
	}
	assert.Equal(t, []string{"e1", "e2", "e3", "e4", "e5", "e6", "e7"}, refs)

	root := snap.Elements[0]
	assert.Equal(t, "generic", root.Type)
	assert.True(t, root.Active)
	assert.Equal(t, 0, root.Depth)

	heading := snap.Elements[1]
	assert.Equal(t, "heading", heading.Type)
	assert.Equal(t, "Welcome back", heading.Name)
	assert.Equal(t, 1, heading.Depth)

	password := snap.Elements[3]
	assert.Equal(t, "Password", password.Name)
	assert.True(t, password.Disabled)

	button := snap.Elements[4]
	assert.Equal(t, "button", button.Type)
	assert.Equal(t, "Sign in", button.Name)
	assert.Equal(t, "pointer", button.Cursor)
	assert.False(t, button.Disabled)

	link := snap.Elements[5]
	assert.Equal(t, "/forgot", link.URL)

	para := snap.Elements[6]
	assert.Equal(t, "paragraph", para.Type)
	assert.Empty(t, para.Name)
	assert.Equal(t, "Need an account? Contact your admin.", para.Text)
}

func TestParse_LineWithoutRefNeverProducesElement(t *testing.T) {
	report := strings.Join([]string{
		`- button "Ghost"`,
		`- heading "Title" [level=2]`,
		`- text: plain`,
		`- button "Real" [ref=e9]`,
	}, "\n")

	snap := NewParser(nil).Parse(report)
	require.Len(t, snap.Elements, 1)
	assert.Equal(t, "e9", snap.Elements[0].Ref)
	assert.Equal(t, "Real", snap.Elements[0].Name)
}

func TestParse_Total(t *testing.T) {
	inputs := []string{
		"",
		"\n\n\n",
		"# comment only",
		"[ref=]",
		"[ref=e1",
		`- button "unterminated [ref=e2]`,
		"- : [ref=e3]:",
		"\x00\x01\x02 [ref=e4]",
		strings.Repeat("[", 1000) + "[ref=e5]",
		`- "quoted only" [ref=e6]`,
		"-",
		"```",
	}
	p := NewParser(nil)
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			snap := p.Parse(in)
			require.NotNil(t, snap)
			assert.NotNil(t, snap.Elements)
		}, "input %q", in)
	}
}

func TestParse_OrderPreserving(t *testing.T) {
	var lines []string
	var want []string
	for i := 0; i < 50; i++ {
		ref := fmt.Sprintf("e%d", i*3+1)
		want = append(want, ref)
		lines = append(lines, fmt.Sprintf(`- listitem "Item %d" [ref=%s]`, i, ref))
		if i%7 == 0 {
			lines = append(lines, "  - text: filler without ref")
		}
	}

	snap := NewParser(nil).Parse(strings.Join(lines, "\n"))
	require.Len(t, snap.Elements, len(want))
	for i, el := range snap.Elements {
		assert.Equal(t, want[i], el.Ref)
	}
}

func TestParse_MalformedLineSkipped(t *testing.T) {
	report := strings.Join([]string{
		`- button "OK" [ref=e1]`,
		`[ref=e2 broken`,
		`- button "Cancel" [ref=e3]`,
	}, "\n")

	snap := NewParser(nil).Parse(report)
	require.Len(t, snap.Elements, 2)
	assert.Equal(t, "e1", snap.Elements[0].Ref)
	assert.Equal(t, "e3", snap.Elements[1].Ref)
}

func TestParse_NameWithBracketsAndColon(t *testing.T) {
	snap := NewParser(nil).Parse(`- button "Save [draft]: now" [ref=e1]: extra text`)
	require.Len(t, snap.Elements, 1)
	el := snap.Elements[0]
	assert.Equal(t, "Save [draft]: now", el.Name)
	assert.Equal(t, "extra text", el.Text)
	assert.False(t, el.Disabled)
}

func TestParse_RefInsideNameIgnored(t *testing.T) {
	report := strings.Join([]string{
		`- button "Go [ref=e9]" [ref=e2]`,
		`- link "only [ref=e7] in name"`,
	}, "\n")

	snap := NewParser(nil).Parse(report)
	require.Len(t, snap.Elements, 1)
	assert.Equal(t, "e2", snap.Elements[0].Ref)
	assert.Equal(t, "Go [ref=e9]", snap.Elements[0].Name)
}

func TestParse_EscapedQuotesInName(t *testing.T) {
	snap := NewParser(nil).Parse(`- link "Say \"hi\"" [ref=e1] [url=/hi]`)
	require.Len(t, snap.Elements, 1)
	assert.Equal(t, `Say "hi"`, snap.Elements[0].Name)
	assert.Equal(t, "/hi", snap.Elements[0].URL)
}

func TestParse_QuotedTrailingText(t *testing.T) {
	snap := NewParser(nil).Parse(`- paragraph [ref=e1]: "Welcome, Alice"`)
	require.Len(t, snap.Elements, 1)
	assert.Equal(t, "Welcome, Alice", snap.Elements[0].Text)
}

func TestFormat(t *testing.T) {
	snap := NewParser(nil).Parse(loginReport)
	out := Format(snap)

	assert.Contains(t, out, "URL: http://app.test/login")
	assert.Contains(t, out, `[e5] button "Sign in"`)
	assert.Contains(t, out, `[e4] textbox "Password" (disabled)`)
	assert.Contains(t, out, "url=/forgot")
	assert.Less(t, strings.Index(out, "[e2]"), strings.Index(out, "[e5]"))

	assert.Equal(t, "(no snapshot)", Format(nil))
	assert.Contains(t, Format(&schema.Snapshot{URL: "about:blank"}), "Elements: (none)")
}

func TestContainsText(t *testing.T) {
	snap := NewParser(nil).Parse(loginReport)
	assert.True(t, ContainsText(snap, "Welcome"))
	assert.True(t, ContainsText(snap, "Contact your admin"))
	assert.False(t, ContainsText(snap, "no ref here"))
}
