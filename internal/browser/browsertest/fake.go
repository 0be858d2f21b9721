// Package browsertest provides an in-process automation backend for tests.
// It is an MCP tool server with Playwright-style operations over scripted
// pages, connected to an rpc.Client through pipes instead of a child process.
package browsertest

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepwise/internal/browser"
	"github.com/rendis/stepwise/internal/rpc"
)

// PNG is a 1x1 transparent PNG returned by the screenshot operation.
var PNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

// Call is one recorded operation invocation.
type Call struct {
	Name string
	Args map[string]any
}

type page struct {
	title    string
	snapshot string
}

// Browser is a scripted fake browser.
type Browser struct {
	baseURL string

	mu      sync.Mutex
	pages   map[string]page
	clicks  map[string]string
	fail    map[string]string
	current string
	calls   []Call

	connects atomic.Int32
	closes   atomic.Int32
}

// New creates a Browser whose relative URLs resolve against baseURL.
func New(baseURL string) *Browser {
	return &Browser{
		baseURL: strings.TrimRight(baseURL, "/"),
		pages:   make(map[string]page),
		clicks:  make(map[string]string),
		fail:    make(map[string]string),
	}
}

// AddPage registers the accessibility snapshot served at path.
func (b *Browser) AddPage(path, title, snapshot string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[path] = page{title: title, snapshot: snapshot}
}

// OnClick makes a click on ref navigate to path.
func (b *Browser) OnClick(ref, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clicks[ref] = path
}

// FailOperation makes every call to the named operation report an error.
func (b *Browser) FailOperation(name, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail[name] = message
}

// Calls returns the recorded operation calls in order.
func (b *Browser) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// CallNames returns the names of the recorded calls in order.
func (b *Browser) CallNames() []string {
	calls := b.Calls()
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}

// Connects returns how many times the backend was started.
func (b *Browser) Connects() int { return int(b.connects.Load()) }

// Closes returns how many times a connection's input stream was closed.
func (b *Browser) Closes() int { return int(b.closes.Load()) }

// CurrentURL returns the page the fake browser is on.
func (b *Browser) CurrentURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Spawner returns an rpc.Spawner that serves this browser in-process.
func (b *Browser) Spawner() rpc.Spawner {
	return func(ctx context.Context) (*rpc.Stream, error) {
		b.connects.Add(1)

		srv := server.NewMCPServer("fake-browser", "test", server.WithToolCapabilities(false))
		srv.AddTools(b.tools()...)
		stdio := server.NewStdioServer(srv)
		stdio.SetErrorLogger(log.New(io.Discard, "", 0))

		inR, inW := io.Pipe()
		outR, outW := io.Pipe()
		listenCtx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			err := stdio.Listen(listenCtx, inR, outW)
			_ = outW.Close()
			done <- err
		}()

		return &rpc.Stream{
			Stdin:  &closeCounter{PipeWriter: inW, closes: &b.closes},
			Stdout: outR,
			Wait: func() error {
				err := <-done
				cancel()
				return err
			},
			Kill: func() error {
				cancel()
				_ = inR.Close()
				return nil
			},
		}, nil
	}
}

type closeCounter struct {
	*io.PipeWriter
	closes *atomic.Int32
}

func (c *closeCounter) Close() error {
	c.closes.Add(1)
	return c.PipeWriter.Close()
}

func (b *Browser) tools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool(browser.OpNavigate,
				mcp.WithDescription("Navigate to a URL"),
				mcp.WithString("url", mcp.Required(), mcp.Description("The URL to navigate to")),
			),
			Handler: b.handleNavigate,
		},
		{
			Tool: mcp.NewTool(browser.OpClick,
				mcp.WithDescription("Perform click on a web page"),
				mcp.WithString("element", mcp.Description("Human-readable element description")),
				mcp.WithString("ref", mcp.Required(), mcp.Description("Exact target element reference from the page snapshot")),
				mcp.WithBoolean("doubleClick", mcp.Description("Whether to perform a double click")),
			),
			Handler: b.handleClick,
		},
		{
			Tool: mcp.NewTool(browser.OpType,
				mcp.WithDescription("Type text into editable element"),
				mcp.WithString("element", mcp.Description("Human-readable element description")),
				mcp.WithString("ref", mcp.Required(), mcp.Description("Exact target element reference from the page snapshot")),
				mcp.WithString("text", mcp.Required(), mcp.Description("Text to type into the element")),
				mcp.WithBoolean("submit", mcp.Description("Whether to press Enter after typing")),
			),
			Handler: b.handleType,
		},
		{
			Tool: mcp.NewTool(browser.OpWaitFor,
				mcp.WithDescription("Wait for text to appear or disappear or a specified time to pass"),
				mcp.WithString("text", mcp.Description("The text to wait for")),
				mcp.WithString("textGone", mcp.Description("The text to wait for to disappear")),
				mcp.WithNumber("time", mcp.Description("The time to wait in seconds")),
			),
			Handler: b.handleWaitFor,
		},
		{
			Tool: mcp.NewTool(browser.OpSnapshot,
				mcp.WithDescription("Capture accessibility snapshot of the current page"),
			),
			Handler: b.handleSnapshot,
		},
		{
			Tool: mcp.NewTool(browser.OpTakeScreenshot,
				mcp.WithDescription("Take a screenshot of the current page"),
				mcp.WithString("type", mcp.Description("Image format")),
				mcp.WithBoolean("fullPage", mcp.Description("Capture the full scrollable page")),
			),
			Handler: b.handleScreenshot,
		},
	}
}

// record logs the call and returns the scripted failure for it, if any.
func (b *Browser) record(req mcp.CallToolRequest) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, Call{Name: req.Params.Name, Args: req.GetArguments()})
	msg, ok := b.fail[req.Params.Name]
	return msg, ok
}

func (b *Browser) resolve(url string) string {
	if strings.HasPrefix(url, "/") {
		return url
	}
	return strings.TrimPrefix(url, b.baseURL)
}

func (b *Browser) handleNavigate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if msg, failed := b.record(req); failed {
		return mcp.NewToolResultError(msg), nil
	}
	url, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path := b.resolve(url)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pages[path]; !ok {
		return mcp.NewToolResultError(fmt.Sprintf("net::ERR_ABORTED at %s", url)), nil
	}
	b.current = path
	return mcp.NewToolResultText(fmt.Sprintf("Navigated to %s", b.baseURL+path)), nil
}

func (b *Browser) handleClick(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if msg, failed := b.record(req); failed {
		return mcp.NewToolResultError(msg), nil
	}
	ref, err := req.RequireString("ref")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !strings.Contains(b.pages[b.current].snapshot, "[ref="+ref+"]") {
		return mcp.NewToolResultError(fmt.Sprintf("Ref %s not found in the current page snapshot", ref)), nil
	}
	if target, ok := b.clicks[ref]; ok {
		b.current = target
	}
	return mcp.NewToolResultText("Clicked " + ref), nil
}

func (b *Browser) handleType(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if msg, failed := b.record(req); failed {
		return mcp.NewToolResultError(msg), nil
	}
	ref, err := req.RequireString("ref")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !strings.Contains(b.pages[b.current].snapshot, "[ref="+ref+"]") {
		return mcp.NewToolResultError(fmt.Sprintf("Ref %s not found in the current page snapshot", ref)), nil
	}
	return mcp.NewToolResultText("Typed into " + ref), nil
}

func (b *Browser) handleWaitFor(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if msg, failed := b.record(req); failed {
		return mcp.NewToolResultError(msg), nil
	}
	text := req.GetString("text", "")

	b.mu.Lock()
	defer b.mu.Unlock()
	if text != "" && !strings.Contains(b.pages[b.current].snapshot, text) {
		return mcp.NewToolResultError(fmt.Sprintf("Timed out waiting for text %q", text)), nil
	}
	return mcp.NewToolResultText("Waited"), nil
}

func (b *Browser) handleSnapshot(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if msg, failed := b.record(req); failed {
		return mcp.NewToolResultError(msg), nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.pages[b.current]
	url := "about:blank"
	if b.current != "" {
		url = b.baseURL + b.current
	}
	var sb strings.Builder
	sb.WriteString("### Page state\n")
	sb.WriteString("- Page URL: " + url + "\n")
	sb.WriteString("- Page Title: " + p.title + "\n")
	sb.WriteString("- Page Snapshot:\n```yaml\n")
	sb.WriteString(p.snapshot)
	sb.WriteString("\n```\n")
	return mcp.NewToolResultText(sb.String()), nil
}

func (b *Browser) handleScreenshot(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if msg, failed := b.record(req); failed {
		return mcp.NewToolResultError(msg), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent("Took the viewport screenshot"),
			mcp.NewImageContent(base64.StdEncoding.EncodeToString(PNG), "image/png"),
		},
	}, nil
}
