package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/stepwise/pkg/schema"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultGracePeriod = 3 * time.Second
	maxFrameSize       = 32 * 1024 * 1024
)

// Client exchanges correlated JSON-RPC requests with a backend child process
// over newline-delimited stdio. Multiple calls may be in flight; responses are
// matched to callers by id.
type Client struct {
	spawn   Spawner
	timeout time.Duration
	grace   time.Duration
	logger  *slog.Logger

	nextID atomic.Int64

	mu        sync.Mutex
	conn      *conn
	connected bool
	pending   map[int64]chan callResult

	writeMu sync.Mutex
}

// conn is one spawned backend. A Client holds at most one at a time.
type conn struct {
	stream *Stream
	exited chan struct{}
}

type callResult struct {
	raw json.RawMessage
	err error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTimeout sets the per-call timeout used when Call receives zero.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithGracePeriod sets how long Disconnect waits for the backend to exit
// after its stdin is closed before killing it.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.grace = d
		}
	}
}

// NewClient creates a Client that starts its backend with spawn on Connect.
func NewClient(spawn Spawner, opts ...Option) *Client {
	c := &Client{
		spawn:   spawn,
		timeout: defaultCallTimeout,
		grace:   defaultGracePeriod,
		pending: make(map[int64]chan callResult),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return c
}

// Connect spawns the backend and starts the reader, stderr logger and exit
// monitor.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return schema.NewError(schema.ErrCodeTransport, "backend already connected")
	}

	stream, err := c.spawn(ctx)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeTransport, "start backend: %s", err.Error()).WithCause(err)
	}

	cn := &conn{stream: stream, exited: make(chan struct{})}
	c.conn = cn
	c.connected = true

	go c.readLoop(cn)
	go c.monitorExit(cn)
	if stream.Stderr != nil {
		go c.logStderr(stream.Stderr)
	}

	c.logger.DebugContext(ctx, "backend connected")
	return nil
}

// Connected reports whether calls can currently be issued.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Call sends method with params and waits for the matching response.
// A zero timeout uses the client default. Only this call is affected when its
// timeout elapses; the connection stays usable.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeNotConnected, "%s: not connected", method)
	}
	cn := c.conn
	id := c.nextID.Add(1)
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}
	if err := c.write(cn, req); err != nil {
		c.removePending(id)
		if errors.Is(err, errEncode) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", method, err.Error()).WithCause(err)
		}
		terr := schema.NewErrorf(schema.ErrCodeTransport, "%s: write request: %s", method, err.Error()).WithCause(err)
		c.fail(cn, terr)
		return nil, terr
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.raw, res.err
	case <-timer.C:
		c.removePending(id)
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "%s: no response within %s", method, timeout).
			WithDetails(map[string]any{"method": method, "id": id, "timeout": timeout.String()})
	case <-ctx.Done():
		c.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "%s: deadline exceeded", method).
				WithCause(ctx.Err()).
				WithDetails(map[string]any{"method": method, "id": id})
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: %s", method, ctx.Err().Error()).WithCause(ctx.Err())
	}
}

// Notify sends a request without id. No response is expected.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotConnected, "%s: not connected", method)
	}
	cn := c.conn
	c.mu.Unlock()

	if err := c.write(cn, notification{JSONRPC: jsonrpcVersion, Method: method, Params: params}); err != nil {
		terr := schema.NewErrorf(schema.ErrCodeTransport, "%s: write notification: %s", method, err.Error()).WithCause(err)
		c.fail(cn, terr)
		return terr
	}
	return nil
}

// Disconnect rejects all pending calls, closes the backend's stdin, waits up
// to the grace period for it to exit and kills it otherwise. Calling it again
// is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	cn := c.conn
	if cn == nil {
		c.mu.Unlock()
		return nil
	}
	c.conn = nil
	c.connected = false
	pending := c.takePending()
	c.mu.Unlock()

	closed := schema.NewError(schema.ErrCodeConnectionClosed, "connection closed")
	for _, ch := range pending {
		ch <- callResult{err: closed}
	}

	_ = cn.stream.Stdin.Close()

	select {
	case <-cn.exited:
	case <-time.After(c.grace):
		c.logger.Warn("backend did not exit after stdin closed, killing", slog.Duration("grace", c.grace))
		if cn.stream.Kill != nil {
			if err := cn.stream.Kill(); err != nil {
				return schema.NewError(schema.ErrCodeTransport, "kill backend").WithCause(err)
			}
		}
		select {
		case <-cn.exited:
		case <-time.After(c.grace):
			c.logger.Error("backend still running after kill")
		}
	}

	c.logger.Debug("backend disconnected")
	return nil
}

var errEncode = errors.New("encode frame")

func (c *Client) write(cn *conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Join(errEncode, err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = cn.stream.Stdin.Write(data)
	return err
}

func (c *Client) readLoop(cn *conn) {
	scanner := bufio.NewScanner(cn.stream.Stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		c.dispatch(cn, line)
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.fail(cn, schema.NewErrorf(schema.ErrCodeTransport, "backend output closed: %s", err.Error()).WithCause(err))
}

func (c *Client) dispatch(cn *conn, line []byte) {
	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		c.logger.Warn("dropping malformed frame from backend", slog.String("error", err.Error()))
		return
	}

	// A frame with both id and method is a request from the backend, never a
	// response to one of ours.
	if f.Method != "" && hasID(f.ID) {
		c.answer(cn, f)
		return
	}

	id, ok := parseID(f.ID)
	if !ok {
		if f.Method != "" {
			c.logger.Debug("backend notification", slog.String("method", f.Method))
		} else {
			c.logger.Warn("dropping frame without id from backend")
		}
		return
	}

	c.mu.Lock()
	ch, found := c.pending[id]
	if found {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !found {
		c.logger.Warn("dropping response for unknown request id", slog.Int64("id", id))
		return
	}

	if f.Error != nil {
		ch <- callResult{err: schema.NewErrorf(schema.ErrCodeBackend, "%s", f.Error.Message).
			WithCause(f.Error).
			WithDetails(map[string]any{"rpc_code": f.Error.Code})}
		return
	}
	if len(f.Result) == 0 {
		f.Result = json.RawMessage("null")
	}
	ch <- callResult{raw: f.Result}
}

// answer replies to a backend-initiated request. Only ping is supported.
func (c *Client) answer(cn *conn, f frame) {
	resp := response{JSONRPC: jsonrpcVersion, ID: f.ID}
	if f.Method == "ping" {
		resp.Result = json.RawMessage("{}")
	} else {
		c.logger.Warn("rejecting backend request", slog.String("method", f.Method))
		resp.Error = &RPCError{Code: MethodNotFound, Message: "method not found: " + f.Method}
	}
	if err := c.write(cn, resp); err != nil {
		c.logger.Warn("failed to answer backend request",
			slog.String("method", f.Method),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Client) monitorExit(cn *conn) {
	err := cn.stream.Wait()
	close(cn.exited)

	msg := "backend process exited"
	if err != nil {
		msg += ": " + err.Error()
	}
	terr := schema.NewError(schema.ErrCodeTransport, msg)
	if err != nil {
		terr = terr.WithCause(err)
	}
	c.fail(cn, terr)
}

func (c *Client) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		c.logger.Debug(line, slog.String("source", "backend"))
	}
}

// fail marks cn disconnected and rejects every pending call with err. It is a
// no-op when cn is no longer the live connection or already failed.
func (c *Client) fail(cn *conn, err error) {
	c.mu.Lock()
	if c.conn != cn || !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	pending := c.takePending()
	c.mu.Unlock()

	c.logger.Error("backend transport failed",
		slog.String("error", err.Error()),
		slog.Int("rejected_calls", len(pending)),
	)
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

// takePending swaps out the pending table. Caller holds c.mu.
func (c *Client) takePending() map[int64]chan callResult {
	pending := c.pending
	c.pending = make(map[int64]chan callResult)
	return pending
}

func (c *Client) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
