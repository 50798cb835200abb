package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"meshpipe/internal/history"
)

func newHistoryCommand(app *App) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recent repro runs or show one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(app.Config.History); errors.Is(err, os.ErrNotExist) {
				app.printf("no runs recorded\n")
				return nil
			}
			rec, err := history.Open(app.Config.History)
			if err != nil {
				return err
			}
			defer rec.Close()

			ctx := cmd.Context()
			if len(args) == 0 {
				runs, err := rec.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				app.printRuns(runs)
				return nil
			}

			run, err := findRun(cmd, rec, args[0])
			if err != nil {
				return err
			}
			stages, err := rec.Stages(ctx, run.ID)
			if err != nil {
				return err
			}
			failure, err := rec.LastFailure(ctx, run.ID)
			if err != nil {
				return err
			}
			app.printRun(run, stages, failure)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "runs to list (0 lists all)")
	return cmd
}

// findRun looks a run up by full ID or unique prefix.
func findRun(cmd *cobra.Command, rec *history.Recorder, id string) (history.Run, error) {
	run, err := rec.GetRun(cmd.Context(), id)
	if err == nil || !errors.Is(err, history.ErrNotFound) {
		return run, err
	}
	runs, err := rec.ListRuns(cmd.Context(), 0)
	if err != nil {
		return history.Run{}, err
	}
	var matches []history.Run
	for _, r := range runs {
		if strings.HasPrefix(r.ID, id) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return history.Run{}, invalidInvocationf("unknown run %q", id)
	}
	return history.Run{}, invalidInvocationf("run prefix %q is ambiguous (%d matches)", id, len(matches))
}

func (app *App) printRuns(runs []history.Run) {
	if len(runs) == 0 {
		app.printf("no runs recorded\n")
		return
	}
	tw := tabwriter.NewWriter(app.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTARTED\tDURATION\tTARGETS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			shortID(r.ID), r.Status, r.StartedAt.Local().Format(time.DateTime), runDuration(r), targetsOf(r.Targets))
	}
	_ = tw.Flush()
}

func (app *App) printRun(run history.Run, stages []history.StageRun, failure *history.Failure) {
	app.printf("run:      %s\n", run.ID)
	app.printf("status:   %s\n", run.Status)
	app.printf("pipeline: %s\n", run.PipelineHash)
	app.printf("started:  %s\n", run.StartedAt.Local().Format(time.DateTime))
	app.printf("duration: %s\n", runDuration(run))
	app.printf("targets:  %s\n", targetsOf(run.Targets))
	if run.Force {
		app.printf("forced:   yes\n")
	}
	if len(stages) > 0 {
		app.printf("\n")
		tw := tabwriter.NewWriter(app.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STAGE\tSTATE\tEXIT\tDURATION\tDETAIL")
		for _, s := range stages {
			detail := strings.Join(s.Reasons, ", ")
			if s.Error != "" {
				detail = s.Error
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.Stage, s.State, s.ExitCode, s.Duration.Round(time.Millisecond), detail)
		}
		_ = tw.Flush()
	}
	if failure != nil {
		app.printf("\nfailure: %s/%s", failure.Class, failure.Code)
		if failure.Stage != "" {
			app.printf(" in %s", failure.Stage)
		}
		app.printf(": %s\n", failure.Message)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runDuration(r history.Run) string {
	if r.FinishedAt.IsZero() {
		return "-"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}

func targetsOf(targets []string) string {
	if len(targets) == 0 {
		return "all"
	}
	return strings.Join(targets, ",")
}
