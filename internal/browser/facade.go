package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/stepwise/pkg/schema"
)

// Caller is the request/response transport the facade drives.
// Satisfied by *rpc.Client.
type Caller interface {
	Connect(ctx context.Context) error
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	Disconnect() error
}

// SnapshotParser turns the backend's textual report into a Snapshot.
type SnapshotParser interface {
	Parse(report string) *schema.Snapshot
}

// OperationInfo describes one operation the backend advertises.
type OperationInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Image is a decoded image content block.
type Image struct {
	MimeType string
	Data     []byte
}

// Result is the decoded outcome of one operation.
type Result struct {
	Text   string
	Images []Image
}

// Config configures a Facade.
type Config struct {
	ClientName    string
	ClientVersion string
	// CallTimeout bounds every backend call; zero uses the client default.
	CallTimeout time.Duration
}

// Facade exposes typed browser automation over an MCP tool server.
// One Facade serves one run and one backend connection.
type Facade struct {
	client Caller
	parser SnapshotParser
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	operations []OperationInfo
	lastURL    string
	server     mcp.Implementation
}

// NewFacade creates a Facade.
func NewFacade(client Caller, parser SnapshotParser, cfg Config, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "stepwise"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "dev"
	}
	return &Facade{client: client, parser: parser, cfg: cfg, logger: logger}
}

// Connect starts the backend and performs the MCP initialize handshake. On a
// failed handshake the backend is torn down before returning.
func (f *Facade) Connect(ctx context.Context) error {
	if err := f.client.Connect(ctx); err != nil {
		return err
	}
	if err := f.initialize(ctx); err != nil {
		_ = f.client.Disconnect()
		return err
	}
	return nil
}

func (f *Facade) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"clientInfo": mcp.Implementation{
			Name:    f.cfg.ClientName,
			Version: f.cfg.ClientVersion,
		},
		"capabilities": map[string]any{},
	}
	raw, err := f.client.Call(ctx, string(mcp.MethodInitialize), params, f.cfg.CallTimeout)
	if err != nil {
		return err
	}

	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return schema.NewError(schema.ErrCodeBackend, "decode initialize result").WithCause(err)
	}
	if res.ProtocolVersion != mcp.LATEST_PROTOCOL_VERSION {
		f.logger.WarnContext(ctx, "backend protocol version differs",
			slog.String("client", mcp.LATEST_PROTOCOL_VERSION),
			slog.String("server", res.ProtocolVersion),
		)
	}

	f.mu.Lock()
	f.server = res.ServerInfo
	f.mu.Unlock()

	if err := f.client.Notify(ctx, "notifications/initialized", nil); err != nil {
		return err
	}
	f.logger.InfoContext(ctx, "backend ready",
		slog.String("server", res.ServerInfo.Name),
		slog.String("version", res.ServerInfo.Version),
	)
	return nil
}

// Disconnect closes the backend connection and forgets cached discovery.
func (f *Facade) Disconnect() error {
	f.mu.Lock()
	f.operations = nil
	f.mu.Unlock()
	return f.client.Disconnect()
}

// ServerInfo returns the backend's self-reported name and version.
func (f *Facade) ServerInfo() mcp.Implementation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.server
}

// ListOperations returns the backend's advertised operations. The first call
// per connection queries the backend; later calls return the cached list.
func (f *Facade) ListOperations(ctx context.Context) ([]OperationInfo, error) {
	f.mu.Lock()
	if f.operations != nil {
		ops := f.operations
		f.mu.Unlock()
		return ops, nil
	}
	f.mu.Unlock()

	var ops []OperationInfo
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		raw, err := f.client.Call(ctx, string(mcp.MethodToolsList), params, f.cfg.CallTimeout)
		if err != nil {
			return nil, err
		}
		var res mcp.ListToolsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, schema.NewError(schema.ErrCodeBackend, "decode tools/list result").WithCause(err)
		}
		for _, tool := range res.Tools {
			info := OperationInfo{Name: tool.Name, Description: tool.Description}
			if in, err := json.Marshal(tool.InputSchema); err == nil {
				info.InputSchema = in
			}
			ops = append(ops, info)
		}
		cursor = string(res.NextCursor)
		if cursor == "" {
			break
		}
	}
	if ops == nil {
		ops = []OperationInfo{}
	}

	f.mu.Lock()
	f.operations = ops
	f.mu.Unlock()

	f.logger.DebugContext(ctx, "discovered backend operations", slog.Int("count", len(ops)))
	return ops, nil
}

// Invoke runs op on the backend. A result flagged as an error by the backend
// is returned as a STEP_FAILED error alongside the decoded result.
func (f *Facade) Invoke(ctx context.Context, op Operation) (*Result, error) {
	params := map[string]any{
		"name":      op.Name(),
		"arguments": op.Arguments(),
	}
	raw, err := f.client.Call(ctx, string(mcp.MethodToolsCall), params, f.cfg.CallTimeout)
	if err != nil {
		return nil, err
	}

	res, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeBackend, "decode %s result", op.Name()).WithCause(err)
	}

	out := &Result{}
	var texts []string
	for _, content := range res.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			texts = append(texts, tc.Text)
			continue
		}
		if ic, ok := mcp.AsImageContent(content); ok {
			data, err := base64.StdEncoding.DecodeString(ic.Data)
			if err != nil {
				f.logger.WarnContext(ctx, "skipping undecodable image content", slog.String("operation", op.Name()))
				continue
			}
			out.Images = append(out.Images, Image{MimeType: ic.MIMEType, Data: data})
		}
	}
	out.Text = strings.Join(texts, "\n")

	if res.IsError {
		msg := strings.TrimSpace(out.Text)
		if msg == "" {
			msg = "backend reported an error"
		}
		return out, schema.NewErrorf(schema.ErrCodeStepFailed, "%s: %s", op.Name(), msg).
			WithDetails(map[string]any{"operation": op.Name(), "args": op.Arguments()})
	}

	if nav, ok := op.(Navigate); ok {
		f.mu.Lock()
		f.lastURL = nav.URL
		f.mu.Unlock()
	}
	return out, nil
}

// LastURL returns the URL of the most recent successful navigation.
func (f *Facade) LastURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastURL
}

// Snapshot requests the backend's interactive-surface report and parses it.
func (f *Facade) Snapshot(ctx context.Context) (*schema.Snapshot, error) {
	res, err := f.Invoke(ctx, TakeSnapshot{})
	if err != nil {
		return nil, err
	}
	snap := f.parser.Parse(res.Text)
	if snap.URL == "" {
		snap.URL = f.LastURL()
	}
	return snap, nil
}

// Screenshot captures the page and writes the first image to path.
func (f *Facade) Screenshot(ctx context.Context, path string) (string, error) {
	res, err := f.Invoke(ctx, TakeScreenshot{})
	if err != nil {
		return "", err
	}
	if len(res.Images) == 0 {
		return "", schema.NewError(schema.ErrCodeBackend, "screenshot returned no image")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "create screenshot dir: %s", err.Error()).WithCause(err)
	}
	if err := os.WriteFile(path, res.Images[0].Data, 0o644); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "write screenshot: %s", err.Error()).WithCause(err)
	}
	return path, nil
}
