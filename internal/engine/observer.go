package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/stepwise/internal/streaming"
	"github.com/rendis/stepwise/pkg/schema"
)

// HubObserver publishes every orchestrator state to an event hub.
type HubObserver struct {
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewHubObserver creates a HubObserver.
func NewHubObserver(hub streaming.EventHub, logger *slog.Logger) *HubObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &HubObserver{hub: hub, logger: logger}
}

// OnStateChange publishes state as a state_changed event. Publish errors are logged.
func (o *HubObserver) OnStateChange(ctx context.Context, state schema.WorkflowState) {
	err := o.hub.Publish(ctx, streaming.StreamEvent{
		RunID:     state.RunID,
		EventType: streaming.EventStateChanged,
		Payload:   state,
	})
	if err != nil {
		o.logger.WarnContext(ctx, "publish state failed", slog.String("error", err.Error()))
	}
}

// Observers fans one notification out to several observers in order.
type Observers []Observer

func (obs Observers) OnStateChange(ctx context.Context, state schema.WorkflowState) {
	for _, o := range obs {
		if o != nil {
			o.OnStateChange(ctx, state)
		}
	}
}
