package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"meshpipe/internal/core"
	"meshpipe/internal/lock"
	"meshpipe/internal/runner"
)

func newStatusCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status [stages...]",
		Short: "Show which stages repro would run and why",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, g, err := app.loadPipeline()
			if err != nil {
				return err
			}
			if _, err := g.Upstream(args); err != nil {
				return invalidInvocation(err)
			}
			store, err := lock.NewStore(app.Config.LockFile)
			if err != nil {
				return configError(err)
			}
			l, err := store.Load()
			if err != nil {
				return configError(err)
			}
			r := runner.New(p.Dir, l, nil, core.NewProcessExecutor(p.Dir), app.logger())
			entries, err := runner.Plan(cmd.Context(), g, r, args)
			if err != nil {
				return err
			}
			for _, e := range entries {
				app.printf("%s\n", e)
			}
			return nil
		},
	}
}

func newDagCommand(app *App) *cobra.Command {
	var dot bool
	cmd := &cobra.Command{
		Use:   "dag",
		Short: "Print the stages in execution order with their upstream stages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, g, err := app.loadPipeline()
			if err != nil {
				return err
			}
			if dot {
				app.printf("digraph pipeline {\n")
				for _, name := range g.TopologicalOrder() {
					app.printf("  %q;\n", name)
				}
				for _, e := range g.Edges() {
					app.printf("  %q -> %q;\n", e.From, e.To)
				}
				app.printf("}\n")
				return nil
			}
			for _, name := range g.TopologicalOrder() {
				parents := g.Parents(name)
				if len(parents) == 0 {
					app.printf("%s\n", name)
					continue
				}
				app.printf("%s <- %s\n", name, strings.Join(parents, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dot, "dot", false, "print graphviz dot")
	return cmd
}

func newValidateCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the pipeline file, its vars and training profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, g, err := app.loadPipeline()
			if err != nil {
				return err
			}
			app.printf("%s: %s, %s\n", p.Path, plural(len(p.Stages), "stage"), plural(len(g.Edges()), "edge"))
			return nil
		},
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
