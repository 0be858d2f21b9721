package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/stepwise/internal/browser"
	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/oracle"
	"github.com/rendis/stepwise/internal/report"
	"github.com/rendis/stepwise/internal/rpc"
	"github.com/rendis/stepwise/internal/snapshot"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/internal/validation"
)

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg     Config
	logger  *slog.Logger
	store   *store.LibSQLStore
	reports *report.Writer
}

func newLogger(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logging.ParseLevel(level)})
	return slog.New(logging.NewCorrelationHandler(handler))
}

// newApp opens the history database and the report directory.
func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}
	st, err := store.NewLibSQLStore(cfg.dbURI())
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		reports: report.NewWriter(cfg.OutputDir),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close history failed", slog.String("error", err.Error()))
	}
}

// newRunner builds the oracle stack and returns a Runner wired to history
// and reports. observer may be nil.
func (a *app) newRunner(observer engine.Observer) (*engine.Runner, error) {
	validator, err := validation.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("load contracts: %w", err)
	}
	evaluator, err := expressions.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("init assertion engines: %w", err)
	}
	llm, err := oracle.NewOpenAIClient(oracle.OpenAIConfig{
		BaseURL: a.cfg.LLMBaseURL,
		APIKey:  os.Getenv(a.cfg.LLMAPIKeyEnv),
		Model:   a.cfg.LLMModel,
	})
	if err != nil {
		return nil, err
	}
	gateway := oracle.NewLLMGateway(llm, validator,
		oracle.WithCallTimeout(a.cfg.OracleTimeout()),
		oracle.WithLogger(a.logger),
	)
	parser := snapshot.NewParser(a.logger)

	deps := func(_ context.Context, runID string) (*engine.RunContext, error) {
		client := rpc.NewClient(
			rpc.CommandSpawner(rpc.ProcessConfig{Command: a.cfg.BackendCommand, Args: a.cfg.BackendArgs}),
			rpc.WithLogger(a.logger),
			rpc.WithTimeout(a.cfg.CallTimeout()),
		)
		facade := browser.NewFacade(client, parser, browser.Config{
			ClientName:    "stepwise",
			ClientVersion: version,
			CallTimeout:   a.cfg.CallTimeout(),
		}, a.logger)

		return &engine.RunContext{
			RunID:      runID,
			Automation: facade,
			Oracle:     gateway,
			Args:       validator,
			Assertions: evaluator,
			Config:     engine.ExecutorConfig{StepTimeout: a.cfg.StepTimeout()},
			Logger:     a.logger,
		}, nil
	}

	return engine.NewRunner(engine.RunnerConfig{
		Deps:     deps,
		Loader:   a.cfg.loadTest,
		Store:    a.store,
		Reports:  a.reports,
		Observer: observer,
		Logger:   a.logger,
	}), nil
}
