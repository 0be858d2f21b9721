package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/scheduler"
	"github.com/rendis/stepwise/internal/streaming"
	"github.com/rendis/stepwise/pkg/mcp"
)

var serveWithScheduler bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve stepwise tools to agents over MCP stdio",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.Close()

	hub := streaming.NewMemoryHub()
	defer hub.Close()

	runner, err := a.newRunner(engine.NewHubObserver(hub, a.logger))
	if err != nil {
		return err
	}

	if serveWithScheduler {
		sched := scheduler.NewScheduler(a.store, runner, a.logger)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				a.logger.Warn("stop scheduler failed", slog.String("error", err.Error()))
			}
		}()
	}

	srv := mcp.NewStepwiseServer(mcp.StepwiseServerDeps{
		Runner:  runner,
		Store:   a.store,
		Hub:     hub,
		Version: version,
		Logger:  a.logger,
	})
	a.logger.Info("serving MCP over stdio", slog.String("version", version))
	return srv.Serve(ctx)
}
