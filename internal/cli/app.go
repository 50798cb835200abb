package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshpipe/internal/config"
	"meshpipe/internal/dag"
	"meshpipe/internal/logging"
	"meshpipe/internal/pipeline"
)

// App is the state shared by every command of one invocation.
type App struct {
	Stdout io.Writer
	Stderr io.Writer

	// Dir is the project directory. Empty means the process working
	// directory.
	Dir string

	// Logger, if set before the command runs, is used instead of one built
	// from the configuration.
	Logger *zap.Logger

	Config config.Config

	pipelineFlag string
	logLevel     string
	logFormat    string
	taggerBin    string

	// started is set once flags, flag groups and arguments were accepted.
	started bool
	owned   bool
}

// NewRootCommand builds the meshpipe command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "meshpipe",
		Short: "Reproducible grants-tagger MeSH pipelines",
		Long: `meshpipe runs the stages of a pipeline file in dependency order and
skips the ones whose command, deps and outs match the lock file.

It also invokes grants-tagger preprocess mesh and train bertmesh directly
from typed flags and training profiles.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// cobra checks these only after the persistent hooks.
			if err := cmd.ValidateRequiredFlags(); err != nil {
				return invalidInvocation(err)
			}
			if err := cmd.ValidateFlagGroups(); err != nil {
				return invalidInvocation(err)
			}
			app.started = true
			return app.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.close()
		},
	}
	root.SetOut(app.Stdout)
	root.SetErr(app.Stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocation(err)
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&app.Dir, "dir", "C", app.Dir, "project directory")
	pf.StringVarP(&app.pipelineFlag, "file", "f", "", "pipeline file (default pipeline.yaml)")
	pf.StringVar(&app.logLevel, "log-level", "", "log level: debug|info|warn|error")
	pf.StringVar(&app.logFormat, "log-format", "", "log format: console|json")
	pf.StringVar(&app.taggerBin, "tagger-bin", "", "grants-tagger executable")

	root.AddCommand(
		newReproCommand(app),
		newStatusCommand(app),
		newDagCommand(app),
		newValidateCommand(app),
		newPreprocessCommand(app),
		newTrainCommand(app),
		newLabelsCommand(app),
		newDataCommand(app),
		newHistoryCommand(app),
	)
	return root
}

func (app *App) setup(cmd *cobra.Command) error {
	dir := app.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		dir = wd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	app.Dir = dir

	c, err := config.Load(dir)
	if err != nil {
		return configError(err)
	}
	if app.pipelineFlag != "" {
		c.Pipeline = app.pipelineFlag
	}
	if app.logLevel != "" {
		c.Log.Level = app.logLevel
	}
	if app.logFormat != "" {
		c.Log.Format = app.logFormat
	}
	if app.taggerBin != "" {
		c.TaggerBin = app.taggerBin
	}
	if err := c.Validate(); err != nil {
		return configError(err)
	}
	app.Config = c.Resolve(dir)

	if app.Logger == nil {
		logger, err := logging.New(c.Log)
		if err != nil {
			return configError(err)
		}
		app.Logger = logger
		app.owned = true
	}
	app.Logger.Debug("configured",
		zap.String("command", cmd.CommandPath()),
		zap.String("dir", dir),
		zap.String("pipeline", app.Config.Pipeline))
	return nil
}

func (app *App) close() {
	if app.owned && app.Logger != nil {
		_ = app.Logger.Sync()
	}
}

func (app *App) logger() *zap.Logger {
	if app.Logger == nil {
		return zap.NewNop()
	}
	return app.Logger
}

// loadPipeline loads, validates and graphs the configured pipeline file.
func (app *App) loadPipeline() (*pipeline.Pipeline, *dag.Graph, error) {
	p, err := pipeline.Load(app.Config.Pipeline, pipeline.Options{TaggerBin: app.Config.TaggerBin})
	if err != nil {
		return nil, nil, configError(err)
	}
	if err := p.Validate(); err != nil {
		return nil, nil, configError(err)
	}
	g, err := p.Graph()
	if err != nil {
		return nil, nil, configError(err)
	}
	return p, g, nil
}

func (app *App) printf(format string, args ...any) {
	fmt.Fprintf(app.Stdout, format, args...)
}
