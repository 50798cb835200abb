package cli

import (
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshpipe/internal/meshdata"
	"meshpipe/internal/tagger"
)

func newLabelsCommand(app *App) *cobra.Command {
	parent := &cobra.Command{
		Use:   "labels",
		Short: "Inspect MeSH label frequencies",
	}

	var (
		trainYears string
		testYears  string
		minCount   int
		jobs       int
	)
	count := &cobra.Command{
		Use:   "count <jsonl> <output>",
		Short: "Count articles per MeSH tag and report tags below --min-examples",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				filter meshdata.YearFilter
				err    error
			)
			if filter.Train, err = tagger.ParseYears(trainYears); err != nil {
				return invalidInvocationf("--train-years: %v", err)
			}
			if filter.Test, err = tagger.ParseYears(testYears); err != nil {
				return invalidInvocationf("--test-years: %v", err)
			}
			if jobs < 1 {
				return invalidInvocationf("--jobs must be at least 1 (got %d)", jobs)
			}
			in, out := app.resolve(args[0]), app.resolve(args[1])

			counts, err := meshdata.CountLabels(cmd.Context(), in, filter, jobs)
			if err != nil {
				return err
			}
			if err := writeFile(out, func(w io.Writer) error { return meshdata.WriteCounts(w, counts) }); err != nil {
				return err
			}
			below := counts.Below(minCount)
			app.logger().Info("labels counted",
				zap.String("output", out),
				zap.Int("labels", len(counts)),
				zap.Int("below_min", len(below)))
			app.printf("%s: %s, %d below %d examples\n", args[1], plural(len(counts), "label"), len(below), minCount)
			return nil
		},
	}
	f := count.Flags()
	f.StringVar(&trainYears, "train-years", "", "only count articles from these years")
	f.StringVar(&testYears, "test-years", "", "skip articles from these years")
	f.IntVar(&minCount, "min-examples", meshdata.DefaultMinExamples, "tags with fewer articles need augmentation")
	f.IntVarP(&jobs, "jobs", "j", runtime.GOMAXPROCS(0), "parallel decoders")

	parent.AddCommand(count)
	return parent
}

func newDataCommand(app *App) *cobra.Command {
	parent := &cobra.Command{
		Use:   "data",
		Short: "Prepare raw BioASQ data",
	}

	var opts meshdata.ConvertOptions
	convert := &cobra.Command{
		Use:   "convert <input> <output>",
		Short: "Convert a latin-1 BioASQ JSON array into UTF-8 JSONL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.MaxArticles < 0 {
				return invalidInvocationf("--max-articles must not be negative")
			}
			in, out := app.resolve(args[0]), app.resolve(args[1])
			f, err := os.Open(in)
			if err != nil {
				return err
			}
			defer f.Close()

			var n int
			err = writeFile(out, func(w io.Writer) error {
				var cerr error
				n, cerr = meshdata.Convert(cmd.Context(), f, w, opts)
				return cerr
			})
			if err != nil {
				return err
			}
			app.logger().Info("converted", zap.String("input", in), zap.String("output", out), zap.Int("articles", n))
			app.printf("%s: %s\n", args[1], plural(n, "article"))
			return nil
		},
	}
	convert.Flags().IntVar(&opts.MaxArticles, "max-articles", 0, "stop after this many articles (0 converts all)")

	parent.AddCommand(convert)
	return parent
}
