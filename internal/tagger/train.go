package tagger

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultModel is the model trained when TrainSpec.Model is empty.
const DefaultModel = "bertmesh"

// TrainSpec describes `grants-tagger train <model>`.
//
// Hyperparameters set inline override the ones from Profile.
type TrainSpec struct {
	Model     string `yaml:"model,omitempty"`
	ModelKey  string `yaml:"model_key,omitempty"`
	Input     string `yaml:"input"`
	OutputDir string `yaml:"output_dir"`

	// Profile is a YAML file of hyperparameters, see LoadProfile.
	Profile string `yaml:"profile,omitempty"`

	Hyperparameters `yaml:",inline"`

	Extra map[string]string `yaml:"extra,omitempty"`
}

var trainKeys = func() map[string]bool {
	m := structKeys(reflect.TypeOf(TrainSpec{}))
	for k := range hyperparameterKeys {
		m[k] = true
	}
	return m
}()

// structKeys collects the yaml keys of t's fields. Inline fields have no key
// of their own and are skipped.
func structKeys(t reflect.Type) map[string]bool {
	m := map[string]bool{}
	for i := 0; i < t.NumField(); i++ {
		key, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if key != "" && key != "-" {
			m[key] = true
		}
	}
	return m
}

// UnmarshalYAML accepts dashed keys and rejects unknown ones.
func (t *TrainSpec) UnmarshalYAML(value *yaml.Node) error {
	normalizeMappingKeys(value)
	if err := checkKeys(value, trainKeys); err != nil {
		return fmt.Errorf("train: %w", err)
	}
	type plain TrainSpec
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*t = TrainSpec(p)
	return nil
}

// ResolveProfile makes a relative Profile path relative to dir.
func (t *TrainSpec) ResolveProfile(dir string) {
	if t.Profile != "" && !filepath.IsAbs(t.Profile) {
		t.Profile = filepath.Join(dir, t.Profile)
	}
}

// Effective returns the inline hyperparameters merged over the profile.
func (t *TrainSpec) Effective() (Hyperparameters, error) {
	if t.Profile == "" {
		return t.Hyperparameters, nil
	}
	base, err := LoadProfile(t.Profile)
	if err != nil {
		return Hyperparameters{}, err
	}
	return t.Hyperparameters.Merge(base), nil
}

// Validate checks required fields and the effective hyperparameters.
func (t *TrainSpec) Validate() error {
	_, err := t.validated()
	return err
}

func (t *TrainSpec) validated() (Hyperparameters, error) {
	var errs []error
	if strings.TrimSpace(t.Input) == "" {
		errs = append(errs, errors.New("train: input is required"))
	}
	if strings.TrimSpace(t.OutputDir) == "" {
		errs = append(errs, errors.New("train: output_dir is required"))
	}
	if strings.ContainsAny(t.Model, " \t\n") {
		errs = append(errs, fmt.Errorf("train: invalid model %q", t.Model))
	}
	hp, err := t.Effective()
	if err != nil {
		errs = append(errs, fmt.Errorf("train: %w", err))
	} else if err := hp.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("train: %w", err))
	}
	modeled := map[string]bool{"output_dir": true}
	for k := range hyperparameterKeys {
		modeled[k] = true
	}
	if err := validateExtra(t.Extra, modeled); err != nil {
		errs = append(errs, fmt.Errorf("train: %w", err))
	}
	return hp, errors.Join(errs...)
}

// Command renders the argv for bin (DefaultBinary when empty).
func (t *TrainSpec) Command(bin string) ([]string, error) {
	hp, err := t.validated()
	if err != nil {
		return nil, err
	}
	if bin == "" {
		bin = DefaultBinary
	}
	model := t.Model
	if model == "" {
		model = DefaultModel
	}
	argv := []string{bin, "train", model, t.ModelKey, t.Input, "--output_dir", t.OutputDir}
	argv = append(argv, hp.Flags()...)
	return append(argv, extraFlags(t.Extra)...), nil
}
