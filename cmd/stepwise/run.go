package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/streaming"
	"github.com/rendis/stepwise/pkg/schema"
)

var (
	runStream    bool
	runInputFile string
)

var runCmd = &cobra.Command{
	Use:   "run <project> <test-file>",
	Short: "Run a test file against a configured project",
	Args: func(cmd *cobra.Command, args []string) error {
		if runInputFile != "" {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(2)(cmd, args)
	},
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	req, err := buildRunRequest(args, runInputFile)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.Close()

	w := cmd.OutOrStdout()
	var observer engine.Observer
	stopStream := func() {}
	if runStream {
		hub := streaming.NewMemoryHub()
		defer hub.Close()
		events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: []string{streaming.EventStateChanged}})
		if err != nil {
			return err
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range events {
				if state, ok := ev.Payload.(schema.WorkflowState); ok {
					fmt.Fprintln(w, formatProgress(state))
				}
			}
		}()
		stopStream = func() {
			unsubscribe()
			<-done
		}
		observer = engine.NewHubObserver(hub, a.logger)
	}

	runner, err := a.newRunner(observer)
	if err != nil {
		return err
	}

	out, err := runner.Run(ctx, req)
	stopStream()
	if out == nil {
		return err
	}
	printOutcome(w, out)
	if err != nil {
		return err
	}
	if !out.Passed() {
		return errTestFailed
	}
	return nil
}

func buildRunRequest(args []string, inputFile string) (engine.RunRequest, error) {
	if inputFile != "" {
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return engine.RunRequest{}, fmt.Errorf("read test document: %w", err)
		}
		return engine.RunRequest{Input: string(data)}, nil
	}
	return engine.RunRequest{Project: args[0], TestFile: args[1]}, nil
}

// formatProgress renders one orchestrator state as a single progress line.
func formatProgress(state schema.WorkflowState) string {
	line := "-> " + string(state.CurrentStep)
	switch {
	case state.Error != "":
		line += "  error: " + state.Error
	case state.CurrentStep == schema.NodeExecute && state.Scenario != nil:
		line += fmt.Sprintf("  (%d steps, %d outcomes)", len(state.Scenario.Steps), len(state.Scenario.Outcomes))
	case state.Result != nil:
		line += "  result: " + string(state.Result.Status)
	}
	return line
}

func statusIcon(status schema.Status) string {
	switch status {
	case schema.StatusPassed:
		return "✓"
	case schema.StatusFailed:
		return "✗"
	default:
		return "·"
	}
}

// printOutcome writes a human-readable summary of a finished run.
func printOutcome(w io.Writer, out *engine.RunOutcome) {
	state := out.State
	fmt.Fprintf(w, "Run %s: %s\n", out.RunID, strings.ToUpper(string(out.Status)))
	if sc := state.Scenario; sc != nil && sc.Description != "" {
		fmt.Fprintf(w, "Scenario: %s\n", sc.Description)
	}

	if res := state.Result; res != nil {
		if len(res.Steps) > 0 {
			fmt.Fprintln(w, "Steps:")
		}
		for _, s := range res.Steps {
			fmt.Fprintf(w, "  %s %d. %s (%s)\n", statusIcon(s.Status), s.Index, s.Description, s.Duration.Round(time.Millisecond))
			if s.Error != "" {
				fmt.Fprintf(w, "       %s\n", s.Error)
			}
		}
		if len(res.Outcomes) > 0 {
			fmt.Fprintln(w, "Outcomes:")
		}
		for _, o := range res.Outcomes {
			fmt.Fprintf(w, "  %s %s\n", statusIcon(o.Status), o.Description)
			if o.Error != "" {
				fmt.Fprintf(w, "       %s\n", o.Error)
			}
		}
		if len(res.Assertions) > 0 {
			fmt.Fprintln(w, "Assertions:")
		}
		for _, as := range res.Assertions {
			fmt.Fprintf(w, "  %s [%s] %s\n", statusIcon(as.Status), as.Engine, as.Expression)
			if as.Error != "" {
				fmt.Fprintf(w, "       %s\n", as.Error)
			}
		}
		if res.Error != "" && state.Error == "" {
			fmt.Fprintf(w, "Error: %s\n", res.Error)
		}
	}
	if state.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", state.Error)
	}
	if state.Analysis != nil {
		fmt.Fprintf(w, "Analysis:\n%s\n", indent(state.Analysis.String(), "  "))
	}
	if out.ReportPath != "" {
		fmt.Fprintf(w, "Report: %s\n", out.ReportPath)
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}
