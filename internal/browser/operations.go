package browser

import (
	"fmt"
	"slices"

	"github.com/rendis/stepwise/pkg/schema"
)

// Backend operation names as advertised by a Playwright MCP server.
const (
	OpNavigate       = "browser_navigate"
	OpNavigateBack   = "browser_navigate_back"
	OpClick          = "browser_click"
	OpType           = "browser_type"
	OpPressKey       = "browser_press_key"
	OpHover          = "browser_hover"
	OpSelectOption   = "browser_select_option"
	OpWaitFor        = "browser_wait_for"
	OpSnapshot       = "browser_snapshot"
	OpTakeScreenshot = "browser_take_screenshot"
)

// Kind identifies the variant of an Operation.
type Kind string

const (
	KindNavigate     Kind = "navigate"
	KindNavigateBack Kind = "navigate_back"
	KindClick        Kind = "click"
	KindType         Kind = "type"
	KindPressKey     Kind = "press_key"
	KindHover        Kind = "hover"
	KindSelectOption Kind = "select_option"
	KindWaitFor      Kind = "wait_for"
	KindSnapshot     Kind = "snapshot"
	KindScreenshot   Kind = "screenshot"
	KindGeneric      Kind = "generic"
)

// Operation is one backend call. Known operations are typed; anything else
// discovered at runtime travels as Generic. Typed variants carry arguments
// they have no field for in Extra so that none are lost on the way to the
// backend.
type Operation interface {
	Kind() Kind
	Name() string
	Arguments() map[string]any
}

// Navigate loads a URL.
type Navigate struct {
	URL   string
	Extra map[string]any
}

func (Navigate) Kind() Kind   { return KindNavigate }
func (Navigate) Name() string { return OpNavigate }
func (o Navigate) Arguments() map[string]any {
	return withExtra(map[string]any{"url": o.URL}, o.Extra)
}

// NavigateBack goes back in history.
type NavigateBack struct {
	Extra map[string]any
}

func (NavigateBack) Kind() Kind                  { return KindNavigateBack }
func (NavigateBack) Name() string                { return OpNavigateBack }
func (o NavigateBack) Arguments() map[string]any { return withExtra(map[string]any{}, o.Extra) }

// Click clicks the element with Ref. Element is the human description the
// backend uses for permission prompts and logs.
type Click struct {
	Element     string
	Ref         string
	DoubleClick bool
	Extra       map[string]any
}

func (Click) Kind() Kind   { return KindClick }
func (Click) Name() string { return OpClick }
func (o Click) Arguments() map[string]any {
	args := map[string]any{"element": o.Element, "ref": o.Ref}
	if o.DoubleClick {
		args["doubleClick"] = true
	}
	return withExtra(args, o.Extra)
}

// TypeText enters Text into the element with Ref.
type TypeText struct {
	Element string
	Ref     string
	Text    string
	Submit  bool
	Extra   map[string]any
}

func (TypeText) Kind() Kind   { return KindType }
func (TypeText) Name() string { return OpType }
func (o TypeText) Arguments() map[string]any {
	args := map[string]any{"element": o.Element, "ref": o.Ref, "text": o.Text}
	if o.Submit {
		args["submit"] = true
	}
	return withExtra(args, o.Extra)
}

// PressKey presses a keyboard key such as "Enter" or "ArrowDown".
type PressKey struct {
	Key   string
	Extra map[string]any
}

func (PressKey) Kind() Kind   { return KindPressKey }
func (PressKey) Name() string { return OpPressKey }
func (o PressKey) Arguments() map[string]any {
	return withExtra(map[string]any{"key": o.Key}, o.Extra)
}

// Hover moves the pointer over the element with Ref.
type Hover struct {
	Element string
	Ref     string
	Extra   map[string]any
}

func (Hover) Kind() Kind   { return KindHover }
func (Hover) Name() string { return OpHover }
func (o Hover) Arguments() map[string]any {
	return withExtra(map[string]any{"element": o.Element, "ref": o.Ref}, o.Extra)
}

// SelectOption picks Values in the dropdown with Ref.
type SelectOption struct {
	Element string
	Ref     string
	Values  []string
	Extra   map[string]any
}

func (SelectOption) Kind() Kind   { return KindSelectOption }
func (SelectOption) Name() string { return OpSelectOption }
func (o SelectOption) Arguments() map[string]any {
	values := make([]any, len(o.Values))
	for i, v := range o.Values {
		values[i] = v
	}
	return withExtra(map[string]any{"element": o.Element, "ref": o.Ref, "values": values}, o.Extra)
}

// WaitFor blocks until Text appears, TextGone disappears, or Seconds elapse.
type WaitFor struct {
	Text     string
	TextGone string
	Seconds  float64
	Extra    map[string]any
}

func (WaitFor) Kind() Kind   { return KindWaitFor }
func (WaitFor) Name() string { return OpWaitFor }
func (o WaitFor) Arguments() map[string]any {
	args := map[string]any{}
	if o.Text != "" {
		args["text"] = o.Text
	}
	if o.TextGone != "" {
		args["textGone"] = o.TextGone
	}
	if o.Seconds > 0 {
		args["time"] = o.Seconds
	}
	return withExtra(args, o.Extra)
}

// TakeSnapshot requests the accessibility report.
type TakeSnapshot struct {
	Extra map[string]any
}

func (TakeSnapshot) Kind() Kind                  { return KindSnapshot }
func (TakeSnapshot) Name() string                { return OpSnapshot }
func (o TakeSnapshot) Arguments() map[string]any { return withExtra(map[string]any{}, o.Extra) }

// TakeScreenshot captures the viewport, or the full page when FullPage is set.
// The image type defaults to png; an Extra "type" overrides it.
type TakeScreenshot struct {
	FullPage bool
	Extra    map[string]any
}

func (TakeScreenshot) Kind() Kind   { return KindScreenshot }
func (TakeScreenshot) Name() string { return OpTakeScreenshot }
func (o TakeScreenshot) Arguments() map[string]any {
	args := withExtra(map[string]any{"type": "png"}, o.Extra)
	if o.FullPage {
		args["fullPage"] = true
	}
	return args
}

// Generic is an operation this package has no typed variant for.
type Generic struct {
	OpName string
	Args   map[string]any
}

func (Generic) Kind() Kind     { return KindGeneric }
func (o Generic) Name() string { return o.OpName }
func (o Generic) Arguments() map[string]any {
	out := make(map[string]any, len(o.Args))
	for k, v := range o.Args {
		out[k] = v
	}
	return out
}

// Decode turns an oracle call into an Operation. Known operations with
// missing or mistyped required arguments are rejected.
func Decode(call schema.Call) (Operation, error) {
	a := args(call.Args)
	switch call.Operation {
	case "":
		return nil, contractError(call, "operation name is empty")
	case OpNavigate:
		url, ok := a.str("url")
		if !ok || url == "" {
			return nil, contractError(call, "url is required")
		}
		return Navigate{URL: url, Extra: a.extra("url")}, nil
	case OpNavigateBack:
		return NavigateBack{Extra: a.extra()}, nil
	case OpClick:
		ref, ok := a.str("ref")
		if !ok || ref == "" {
			return nil, contractError(call, "ref is required")
		}
		el, _ := a.str("element")
		dbl, _ := call.Args["doubleClick"].(bool)
		return Click{Element: el, Ref: ref, DoubleClick: dbl, Extra: a.extra("element", "ref", "doubleClick")}, nil
	case OpType:
		ref, ok := a.str("ref")
		if !ok || ref == "" {
			return nil, contractError(call, "ref is required")
		}
		text, ok := a.str("text")
		if !ok {
			return nil, contractError(call, "text is required")
		}
		el, _ := a.str("element")
		submit, _ := call.Args["submit"].(bool)
		return TypeText{Element: el, Ref: ref, Text: text, Submit: submit,
			Extra: a.extra("element", "ref", "text", "submit")}, nil
	case OpPressKey:
		key, ok := a.str("key")
		if !ok || key == "" {
			return nil, contractError(call, "key is required")
		}
		return PressKey{Key: key, Extra: a.extra("key")}, nil
	case OpHover:
		ref, ok := a.str("ref")
		if !ok || ref == "" {
			return nil, contractError(call, "ref is required")
		}
		el, _ := a.str("element")
		return Hover{Element: el, Ref: ref, Extra: a.extra("element", "ref")}, nil
	case OpSelectOption:
		ref, ok := a.str("ref")
		if !ok || ref == "" {
			return nil, contractError(call, "ref is required")
		}
		values, ok := a.strings("values")
		if !ok || len(values) == 0 {
			return nil, contractError(call, "values is required")
		}
		el, _ := a.str("element")
		return SelectOption{Element: el, Ref: ref, Values: values, Extra: a.extra("element", "ref", "values")}, nil
	case OpWaitFor:
		text, _ := a.str("text")
		gone, _ := a.str("textGone")
		secs, _ := a.number("time")
		if text == "" && gone == "" && secs <= 0 {
			return nil, contractError(call, "one of text, textGone or time is required")
		}
		return WaitFor{Text: text, TextGone: gone, Seconds: secs, Extra: a.extra("text", "textGone", "time")}, nil
	case OpSnapshot:
		return TakeSnapshot{Extra: a.extra()}, nil
	case OpTakeScreenshot:
		full, _ := call.Args["fullPage"].(bool)
		return TakeScreenshot{FullPage: full, Extra: a.extra("fullPage")}, nil
	default:
		return Generic{OpName: call.Operation, Args: call.Args}, nil
	}
}

func contractError(call schema.Call, msg string) error {
	return schema.NewErrorf(schema.ErrCodeOracleContract, "%s: %s", call.Operation, msg).
		WithDetails(map[string]any{"operation": call.Operation, "args": call.Args})
}

type args map[string]any

func (a args) str(key string) (string, bool) {
	v, ok := a[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// extra returns the arguments not named in known, or nil when there are none.
func (a args) extra(known ...string) map[string]any {
	var out map[string]any
	for k, v := range a {
		if slices.Contains(known, k) {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[k] = v
	}
	return out
}

// withExtra copies extra into args. Typed keys never appear in extra.
func withExtra(args, extra map[string]any) map[string]any {
	for k, v := range extra {
		args[k] = v
	}
	return args
}

func (a args) number(key string) (float64, bool) {
	switch v := a[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func (a args) strings(key string) ([]string, bool) {
	switch v := a[key].(type) {
	case string:
		return []string{v}, true
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// String renders an operation for logs.
func String(op Operation) string {
	return fmt.Sprintf("%s %v", op.Name(), op.Arguments())
}
