package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stepwise/internal/store"
)

var (
	historyLimit   int
	historyProject string
	historyStatus  string
	showEvents     bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var showCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run from history",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func runHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.Close()

	filter := store.RunFilter{Limit: historyLimit, Project: historyProject}
	if historyStatus != "" {
		st := store.RunStatus(historyStatus)
		filter.Status = &st
	}
	runs, err := a.store.ListRuns(ctx, filter)
	if err != nil {
		return err
	}
	printRuns(cmd.OutOrStdout(), runs)
	return nil
}

func printRuns(w io.Writer, runs []*store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTATUS\tPROJECT\tTEST\tSTARTED\tDURATION")
	for _, r := range runs {
		test := r.TestFile
		if test == "" {
			test = "(inline)"
		}
		duration := "-"
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.CreatedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Status, dash(r.Project), test, r.CreatedAt.Local().Format("2006-01-02 15:04:05"), duration)
	}
	_ = tw.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	printRun(w, run)

	if showEvents {
		events, err := a.store.GetEvents(ctx, run.ID, 0)
		if err != nil {
			return err
		}
		printEvents(w, events)
	}
	return nil
}

func printRun(w io.Writer, r *store.Run) {
	fmt.Fprintf(w, "Run:      %s\n", r.ID)
	fmt.Fprintf(w, "Status:   %s\n", r.Status)
	if r.Project != "" {
		fmt.Fprintf(w, "Test:     %s/%s\n", r.Project, r.TestFile)
	}
	if r.Description != "" {
		fmt.Fprintf(w, "Scenario: %s\n", r.Description)
	}
	fmt.Fprintf(w, "Started:  %s\n", r.CreatedAt.Local().Format(time.RFC3339))
	if r.CompletedAt != nil {
		fmt.Fprintf(w, "Finished: %s\n", r.CompletedAt.Local().Format(time.RFC3339))
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", r.Error)
	}
	if r.ReportPath != "" {
		fmt.Fprintf(w, "Report:   %s\n", r.ReportPath)
	}
	if r.Analysis != "" {
		fmt.Fprintf(w, "Analysis:\n%s\n", indent(r.Analysis, "  "))
	}
}

func printEvents(w io.Writer, events []*store.Event) {
	fmt.Fprintln(w, "Events:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range events {
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\n",
			e.Sequence, e.Timestamp.Local().Format("15:04:05.000"), e.Type, dash(e.StepID), string(e.Payload))
	}
	_ = tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
