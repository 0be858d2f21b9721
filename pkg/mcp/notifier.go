package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepwise/internal/streaming"
	"github.com/rendis/stepwise/pkg/schema"
)

// RunNotifier pushes run progress to the agent that started the run.
type RunNotifier interface {
	Notify(ctx context.Context, runID string, payload map[string]any) error
}

// MCPNotifier implements RunNotifier with MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to the run's session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the session that started runID.
// Best-effort: returns nil if no session is known for the run.
func (n *MCPNotifier) Notify(_ context.Context, runID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(runID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away mid-run.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// forwardProgress relays state_changed events to the run's session until
// events is closed or ctx is done.
func (s *StepwiseServer) forwardProgress(ctx context.Context, events <-chan streaming.StreamEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload := progressPayload(ev)
			if payload == nil {
				continue
			}
			if err := s.notifier.Notify(ctx, ev.RunID, payload); err != nil {
				s.logger.WarnContext(ctx, "progress notification failed",
					slog.String("run_id", ev.RunID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// progressPayload builds the notification body for one orchestrator state.
// Events without a run ID or a WorkflowState payload are skipped.
func progressPayload(ev streaming.StreamEvent) map[string]any {
	if ev.RunID == "" {
		return nil
	}
	state, ok := ev.Payload.(schema.WorkflowState)
	if !ok {
		return nil
	}
	data := map[string]any{
		"run_id":       ev.RunID,
		"current_step": string(state.CurrentStep),
	}
	if state.Error != "" {
		data["error"] = state.Error
	}
	if state.Result != nil {
		data["status"] = string(state.Result.Status)
		data["steps"] = len(state.Result.Steps)
	}
	return map[string]any{
		"level":  "info",
		"logger": "stepwise",
		"data":   data,
	}
}
