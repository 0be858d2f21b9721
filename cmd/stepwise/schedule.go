package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stepwise/internal/scheduler"
	"github.com/rendis/stepwise/internal/store"
)

var scheduleInterval time.Duration

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage cron-scheduled test runs",
}

var scheduleAddCmd = &cobra.Command{
	Use:     "add <project> <test-file> <cron>",
	Short:   "Schedule a project test file on a cron expression",
	Example: `  stepwise schedule add shop login.md "0 * * * *"`,
	Args:    cobra.ExactArgs(3),
	RunE:    runScheduleAdd,
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	Args:  cobra.NoArgs,
	RunE:  runScheduleList,
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove <job-id>",
	Short: "Remove a scheduled job",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleRemove,
}

var scheduleServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled jobs until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runScheduleServe,
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := loadConfig()
	if _, ok := cfg.Projects[args[0]]; !ok {
		return fmt.Errorf("unknown project %q", args[0])
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.NewScheduler(a.store, nil, a.logger)
	job, err := sched.AddJob(ctx, args[0], args[1], args[2])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %s (next run %s)\n", job.ID, job.NextRunAt.Local().Format(time.RFC3339))
	return nil
}

func runScheduleList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := a.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{})
	if err != nil {
		return err
	}
	printJobs(cmd.OutOrStdout(), jobs)
	return nil
}

func printJobs(w io.Writer, jobs []*store.ScheduledJob) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No scheduled jobs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tPROJECT\tTEST\tCRON\tENABLED\tNEXT RUN\tLAST STATUS")
	for _, j := range jobs {
		next := "-"
		if j.NextRunAt != nil {
			next = j.NextRunAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			j.ID, j.Project, j.TestFile, j.CronExpression, j.Enabled, next, dash(j.LastRunStatus))
	}
	_ = tw.Flush()
}

func runScheduleRemove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.DeleteScheduledJob(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return nil
}

func runScheduleServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer a.Close()

	runner, err := a.newRunner(nil)
	if err != nil {
		return err
	}
	sched := scheduler.NewScheduler(a.store, runner, a.logger, scheduler.WithInterval(scheduleInterval))
	if err := sched.RecoverMissed(ctx); err != nil {
		a.logger.Warn("recover missed jobs failed", slog.String("error", err.Error()))
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return sched.Stop()
}
