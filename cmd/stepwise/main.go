package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// errTestFailed marks a run that completed with a failing verdict. main exits
// 1 without printing it; the summary has already been written.
var errTestFailed = errors.New("test failed")

var rootCmd = &cobra.Command{
	Use:           "stepwise",
	Short:         "Natural-language browser tests",
	Long:          "stepwise runs browser tests written in plain language: an LLM plans each step against the live page and judges the expected outcomes.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	runCmd.Flags().BoolVar(&runStream, "stream", false, "print orchestrator progress while the test runs")
	runCmd.Flags().StringVar(&runInputFile, "file", "", "run a test document from a path instead of a project test file")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs to list")
	historyCmd.Flags().StringVar(&historyProject, "project", "", "only list runs of this project")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "only list runs with this status (running, passed, failed)")

	showCmd.Flags().BoolVar(&showEvents, "events", false, "also print the run's event log")

	scheduleServeCmd.Flags().DurationVar(&scheduleInterval, "interval", 0, "polling interval (default 60s)")
	scheduleCmd.AddCommand(scheduleAddCmd, scheduleListCmd, scheduleRemoveCmd, scheduleServeCmd)

	serveCmd.Flags().BoolVar(&serveWithScheduler, "with-scheduler", false, "also run scheduled jobs while serving")

	rootCmd.AddCommand(runCmd, historyCmd, showCmd, scheduleCmd, serveCmd, versionCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		if !errors.Is(err, errTestFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
