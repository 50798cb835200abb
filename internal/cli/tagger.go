package cli

import (
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshpipe/internal/core"
	"meshpipe/internal/tagger"
)

type taggerOptions struct {
	print bool
	set   []string
}

func (o *taggerOptions) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.print, "print", false, "print the grants-tagger command instead of running it")
	cmd.Flags().StringArrayVar(&o.set, "set", nil, "set a flag as key=value (repeatable)")
}

// pairs splits --set values.
func (o *taggerOptions) pairs() ([][2]string, error) {
	out := make([][2]string, 0, len(o.set))
	for _, kv := range o.set {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, invalidInvocationf("--set %q: expected key=value", kv)
		}
		out = append(out, [2]string{k, v})
	}
	return out, nil
}

func newPreprocessCommand(app *App) *cobra.Command {
	parent := &cobra.Command{
		Use:   "preprocess",
		Short: "Run grants-tagger preprocessing",
	}

	var (
		opts       taggerOptions
		spec       tagger.PreprocessSpec
		trainYears string
		testYears  string
	)
	mesh := &cobra.Command{
		Use:   "mesh <input> <output_dir>",
		Short: "Split a MeSH JSONL corpus into train and test sets",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Input, spec.OutputDir = args[0], args[1]
			var err error
			if spec.TrainYears, err = tagger.ParseYears(trainYears); err != nil {
				return invalidInvocationf("--train-years: %v", err)
			}
			if spec.TestYears, err = tagger.ParseYears(testYears); err != nil {
				return invalidInvocationf("--test-years: %v", err)
			}
			pairs, err := opts.pairs()
			if err != nil {
				return err
			}
			for _, kv := range pairs {
				if spec.Extra == nil {
					spec.Extra = map[string]string{}
				}
				spec.Extra[kv[0]] = kv[1]
			}
			argv, err := spec.Command(app.Config.TaggerBin)
			if err != nil {
				return invalidInvocation(err)
			}
			return app.invoke(cmd.Context(), argv, opts.print)
		},
	}
	f := mesh.Flags()
	f.StringVar(&spec.ModelKey, "model-key", "", "label binarizer model key; empty builds a new one")
	f.Float64Var(&spec.TestSize, "test-size", 0, "test split as a fraction in (0,1) or an example count")
	f.StringVar(&trainYears, "train-years", "", "years kept for training, e.g. 2016-2019")
	f.StringVar(&testYears, "test-years", "", "years kept for testing, e.g. 2020,2021")
	opts.register(mesh)

	parent.AddCommand(mesh)
	return parent
}

func newTrainCommand(app *App) *cobra.Command {
	parent := &cobra.Command{
		Use:   "train",
		Short: "Run grants-tagger training",
	}

	var (
		opts taggerOptions
		spec tagger.TrainSpec
	)
	bertmesh := &cobra.Command{
		Use:   "bertmesh <input>",
		Short: "Train the bertmesh model on a preprocessed directory",
		Long: `Trains bertmesh with hyperparameters from --profile, overridden by --set.

Keys that are not bertmesh hyperparameters are passed through as extra flags:

  meshpipe train bertmesh data/processed --output-dir models/bertmesh \
    --profile profiles/bertmesh-base.yaml --set learning_rate=1e-4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Model = tagger.DefaultModel
			spec.Input = args[0]
			spec.ResolveProfile(app.Dir)
			pairs, err := opts.pairs()
			if err != nil {
				return err
			}
			for _, kv := range pairs {
				if tagger.IsKey(kv[0]) {
					if err := spec.Hyperparameters.Set(kv[0], kv[1]); err != nil {
						return invalidInvocationf("--set %s: %v", kv[0], err)
					}
					continue
				}
				if spec.Extra == nil {
					spec.Extra = map[string]string{}
				}
				spec.Extra[kv[0]] = kv[1]
			}
			argv, err := spec.Command(app.Config.TaggerBin)
			if err != nil {
				return invalidInvocation(err)
			}
			return app.invoke(cmd.Context(), argv, opts.print)
		},
	}
	f := bertmesh.Flags()
	f.StringVar(&spec.OutputDir, "output-dir", "", "model output directory")
	f.StringVar(&spec.Profile, "profile", "", "hyperparameter profile (YAML)")
	f.StringVar(&spec.ModelKey, "model-key", "", "existing label binarizer model key")
	_ = bertmesh.MarkFlagRequired("output-dir")
	opts.register(bertmesh)

	parent.AddCommand(bertmesh)
	return parent
}

// invoke runs argv in the project directory without a shell and passes the
// tool's exit code through.
func (app *App) invoke(ctx context.Context, argv []string, printOnly bool) error {
	display := tagger.ShellJoin(tagger.Redact(argv))
	if printOnly {
		app.printf("%s\n", display)
		return nil
	}
	log := app.logger()
	log.Info("running grants-tagger", zap.String("cmd", display))

	px := core.NewProcessExecutor(app.Dir)
	px.Stdout = app.Stdout
	px.Stderr = app.Stderr
	res, err := px.ExecuteArgv(ctx, argv, nil, "")
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return configError(err)
	}
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		log.Warn("grants-tagger failed", zap.Int("exit_code", res.ExitCode), zap.Duration("duration", res.Duration))
		return &ToolExitError{Code: res.ExitCode}
	}
	log.Info("grants-tagger finished", zap.Duration("duration", res.Duration))
	return nil
}
