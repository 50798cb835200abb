package tagger

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultBinary is the grants-tagger executable looked up on PATH.
const DefaultBinary = "grants-tagger"

// PreprocessSpec describes `grants-tagger preprocess mesh`.
type PreprocessSpec struct {
	Input     string `yaml:"input"`
	OutputDir string `yaml:"output_dir"`

	// ModelKey is the positional model key; empty builds a new label set.
	ModelKey string `yaml:"model_key"`

	// TestSize is a fraction in (0, 1) or an absolute count >= 1. Zero
	// leaves the tool's default.
	TestSize float64 `yaml:"test_size,omitempty"`

	TrainYears Years `yaml:"train_years,omitempty"`
	TestYears  Years `yaml:"test_years,omitempty"`

	// Extra holds flags meshpipe does not model, rendered sorted by key.
	Extra map[string]string `yaml:"extra,omitempty"`
}

var preprocessKeys = structKeys(reflect.TypeOf(PreprocessSpec{}))

// UnmarshalYAML accepts dashed keys ("test-size") and rejects unknown ones.
func (p *PreprocessSpec) UnmarshalYAML(value *yaml.Node) error {
	normalizeMappingKeys(value)
	if err := checkKeys(value, preprocessKeys); err != nil {
		return fmt.Errorf("preprocess: %w", err)
	}
	type plain PreprocessSpec
	var out plain
	if err := value.Decode(&out); err != nil {
		return err
	}
	*p = PreprocessSpec(out)
	return nil
}

// Validate checks required fields and value ranges.
func (p *PreprocessSpec) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Input) == "" {
		errs = append(errs, errors.New("preprocess: input is required"))
	}
	if strings.TrimSpace(p.OutputDir) == "" {
		errs = append(errs, errors.New("preprocess: output_dir is required"))
	}
	switch {
	case p.TestSize < 0:
		errs = append(errs, fmt.Errorf("preprocess: test_size must be positive, got %g", p.TestSize))
	case p.TestSize >= 1 && p.TestSize != math.Trunc(p.TestSize):
		errs = append(errs, fmt.Errorf("preprocess: test_size %g is neither a fraction nor a count", p.TestSize))
	}
	if both := p.TrainYears.Overlap(p.TestYears); len(both) > 0 {
		errs = append(errs, fmt.Errorf("preprocess: years %s are in both train_years and test_years", both))
	}
	if err := validateExtra(p.Extra, map[string]bool{"test_size": true, "train_years": true, "test_years": true, "output_dir": true}); err != nil {
		errs = append(errs, fmt.Errorf("preprocess: %w", err))
	}
	return errors.Join(errs...)
}

// Command renders the argv for bin (DefaultBinary when empty).
func (p *PreprocessSpec) Command(bin string) ([]string, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if bin == "" {
		bin = DefaultBinary
	}
	argv := []string{bin, "preprocess", "mesh", p.Input, p.OutputDir, p.ModelKey}
	if p.TestSize > 0 {
		argv = append(argv, "--test-size", formatTestSize(p.TestSize))
	}
	if len(p.TrainYears) > 0 {
		argv = append(argv, "--train-years", p.TrainYears.String())
	}
	if len(p.TestYears) > 0 {
		argv = append(argv, "--test-years", p.TestYears.String())
	}
	return append(argv, extraFlags(p.Extra)...), nil
}

func formatTestSize(v float64) string {
	if v >= 1 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// validateExtra rejects empty keys and keys shadowing modeled flags.
func validateExtra(extra map[string]string, modeled map[string]bool) error {
	for k := range extra {
		nk := NormalizeKey(k)
		if nk == "" {
			return errors.New("extra flag with empty name")
		}
		if modeled[nk] {
			return fmt.Errorf("extra flag %q shadows a modeled setting", k)
		}
	}
	return nil
}

func extraFlags(extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, "--"+strings.TrimLeft(k, "-"), extra[k])
	}
	return out
}
