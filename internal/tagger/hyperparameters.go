package tagger

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backbone controls whether the pretrained encoder is trained.
type Backbone string

const (
	BackboneFreeze       Backbone = "freeze"
	BackboneUnfreeze     Backbone = "unfreeze"
	BackboneUnfreezeBias Backbone = "unfreeze_bias"
)

// UnmarshalYAML also accepts booleans: true freezes, false unfreezes.
func (b *Backbone) UnmarshalYAML(value *yaml.Node) error {
	v, err := parseBackbone(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = v
	return nil
}

func parseBackbone(s string) (Backbone, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "freeze", "true", "yes":
		return BackboneFreeze, nil
	case "unfreeze", "false", "no":
		return BackboneUnfreeze, nil
	case "unfreeze_bias":
		return BackboneUnfreezeBias, nil
	}
	return "", fmt.Errorf("freeze_backbone %q: want freeze, unfreeze or unfreeze_bias", s)
}

// Hyperparameters are the bertmesh training flags meshpipe models. A nil
// field is not rendered, leaving the tool's default in effect.
//
// Fields are rendered in declaration order.
type Hyperparameters struct {
	PerDeviceTrainBatchSize   *int      `yaml:"per_device_train_batch_size,omitempty"`
	PerDeviceEvalBatchSize    *int      `yaml:"per_device_eval_batch_size,omitempty"`
	NumTrainEpochs            *float64  `yaml:"num_train_epochs,omitempty"`
	LearningRate              *float64  `yaml:"learning_rate,omitempty"`
	Dropout                   *float64  `yaml:"dropout,omitempty"`
	HiddenSize                *int      `yaml:"hidden_size,omitempty"`
	WarmupSteps               *int      `yaml:"warmup_steps,omitempty"`
	MaxGradNorm               *float64  `yaml:"max_grad_norm,omitempty"`
	SchedulerType             *string   `yaml:"scheduler_type,omitempty"`
	WeightDecay               *float64  `yaml:"weight_decay,omitempty"`
	CorrectBias               *bool     `yaml:"correct_bias,omitempty"`
	Threshold                 *float64  `yaml:"threshold,omitempty"`
	PruneLabelsInEvaluation   *bool     `yaml:"prune_labels_in_evaluation,omitempty"`
	HiddenDropoutProb         *float64  `yaml:"hidden_dropout_prob,omitempty"`
	AttentionProbsDropoutProb *float64  `yaml:"attention_probs_dropout_prob,omitempty"`
	FP16                      *bool     `yaml:"fp16,omitempty"`
	TorchCompile              *bool     `yaml:"torch_compile,omitempty"`
	EvaluationStrategy        *string   `yaml:"evaluation_strategy,omitempty"`
	EvalAccumulationSteps     *int      `yaml:"eval_accumulation_steps,omitempty"`
	SaveStrategy              *string   `yaml:"save_strategy,omitempty"`
	MultilabelAttention       *bool     `yaml:"multilabel_attention,omitempty"`
	FreezeBackbone            *Backbone `yaml:"freeze_backbone,omitempty"`
	WandbProject              *string   `yaml:"wandb_project,omitempty"`
	WandbName                 *string   `yaml:"wandb_name,omitempty"`

	// WandbAPIKey is only rendered when set explicitly. Prefer the
	// WANDB_API_KEY environment variable, which the tool reads itself.
	WandbAPIKey *string `yaml:"wandb_api_key,omitempty"`
}

// Schedulers accepted for scheduler_type: the transformers SchedulerType
// values plus the tool's own hard-restart cosine schedule.
var Schedulers = []string{
	"linear",
	"cosine",
	"cosine_with_restarts",
	"cosine_hard_restart",
	"polynomial",
	"constant",
	"constant_with_warmup",
	"inverse_sqrt",
	"reduce_lr_on_plateau",
}

// Strategies accepted for evaluation_strategy and save_strategy.
var Strategies = []string{"no", "steps", "epoch"}

type hpField struct {
	index int
	key   string
}

var hpFields = func() []hpField {
	t := reflect.TypeOf(Hyperparameters{})
	out := make([]hpField, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("yaml")
		key, _, _ := strings.Cut(tag, ",")
		out = append(out, hpField{index: i, key: key})
	}
	return out
}()

// Keys returns every hyperparameter key in rendering order.
func Keys() []string {
	keys := make([]string, len(hpFields))
	for i, f := range hpFields {
		keys[i] = f.key
	}
	return keys
}

// NormalizeKey maps "--scheduler-type" and "scheduler-type" to
// "scheduler_type".
func NormalizeKey(key string) string {
	return strings.ReplaceAll(strings.TrimLeft(strings.TrimSpace(key), "-"), "-", "_")
}

func findField(key string) (hpField, bool) {
	key = NormalizeKey(key)
	for _, f := range hpFields {
		if f.key == key {
			return f, true
		}
	}
	return hpField{}, false
}

// IsKey reports whether key names a modeled hyperparameter.
func IsKey(key string) bool {
	_, ok := findField(key)
	return ok
}

// Flags renders the set fields as command-line arguments in canonical order.
// Booleans render as True/False.
func (h *Hyperparameters) Flags() []string {
	var out []string
	v := reflect.ValueOf(h).Elem()
	for _, f := range hpFields {
		fv := v.Field(f.index)
		if fv.IsNil() {
			continue
		}
		out = append(out, "--"+f.key, formatValue(fv.Elem()))
	}
	return out
}

func formatValue(v reflect.Value) string {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return "True"
		}
		return "False"
	case reflect.Int:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	default:
		return v.String()
	}
}

// Set parses value and assigns it to the hyperparameter named key.
func (h *Hyperparameters) Set(key, value string) error {
	f, ok := findField(key)
	if !ok {
		return fmt.Errorf("unknown hyperparameter %q", key)
	}
	fv := reflect.ValueOf(h).Elem().Field(f.index)
	elem := reflect.New(fv.Type().Elem()).Elem()

	switch elem.Kind() {
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%s: %q is not a boolean", f.key, value)
		}
		elem.SetBool(b)
	case reflect.Int:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", f.key, value)
		}
		elem.SetInt(int64(n))
	case reflect.Float64:
		x, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("%s: %q is not a number", f.key, value)
		}
		elem.SetFloat(x)
	case reflect.String:
		if elem.Type() == reflect.TypeOf(Backbone("")) {
			b, err := parseBackbone(value)
			if err != nil {
				return err
			}
			elem.SetString(string(b))
			break
		}
		elem.SetString(value)
	}

	ptr := reflect.New(elem.Type())
	ptr.Elem().Set(elem)
	fv.Set(ptr)
	return nil
}

// Merge returns h with every unset field taken from base.
func (h Hyperparameters) Merge(base Hyperparameters) Hyperparameters {
	out := h
	ov := reflect.ValueOf(&out).Elem()
	bv := reflect.ValueOf(base)
	for _, f := range hpFields {
		if ov.Field(f.index).IsNil() {
			ov.Field(f.index).Set(bv.Field(f.index))
		}
	}
	return out
}

// Validate checks value ranges. All problems are reported together.
func (h *Hyperparameters) Validate() error {
	var errs []error
	positiveInt := func(name string, v *int) {
		if v != nil && *v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %d", name, *v))
		}
	}
	nonNegativeInt := func(name string, v *int) {
		if v != nil && *v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0, got %d", name, *v))
		}
	}
	positive := func(name string, v *float64) {
		if v != nil && *v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %g", name, *v))
		}
	}
	nonNegative := func(name string, v *float64) {
		if v != nil && *v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0, got %g", name, *v))
		}
	}
	probability := func(name string, v *float64) {
		if v != nil && (*v < 0 || *v >= 1) {
			errs = append(errs, fmt.Errorf("%s must be in [0, 1), got %g", name, *v))
		}
	}
	oneOf := func(name string, v *string, allowed []string) {
		if v == nil {
			return
		}
		for _, a := range allowed {
			if *v == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s %q: want one of %s", name, *v, strings.Join(allowed, ", ")))
	}

	positiveInt("per_device_train_batch_size", h.PerDeviceTrainBatchSize)
	positiveInt("per_device_eval_batch_size", h.PerDeviceEvalBatchSize)
	positive("num_train_epochs", h.NumTrainEpochs)
	positive("learning_rate", h.LearningRate)
	probability("dropout", h.Dropout)
	positiveInt("hidden_size", h.HiddenSize)
	nonNegativeInt("warmup_steps", h.WarmupSteps)
	nonNegative("max_grad_norm", h.MaxGradNorm)
	oneOf("scheduler_type", h.SchedulerType, Schedulers)
	nonNegative("weight_decay", h.WeightDecay)
	if h.Threshold != nil && (*h.Threshold <= 0 || *h.Threshold >= 1) {
		errs = append(errs, fmt.Errorf("threshold must be in (0, 1), got %g", *h.Threshold))
	}
	probability("hidden_dropout_prob", h.HiddenDropoutProb)
	probability("attention_probs_dropout_prob", h.AttentionProbsDropoutProb)
	oneOf("evaluation_strategy", h.EvaluationStrategy, Strategies)
	positiveInt("eval_accumulation_steps", h.EvalAccumulationSteps)
	oneOf("save_strategy", h.SaveStrategy, Strategies)
	if h.FreezeBackbone != nil {
		if _, err := parseBackbone(string(*h.FreezeBackbone)); err != nil {
			errs = append(errs, err)
		}
	}
	if h.WandbAPIKey != nil && strings.TrimSpace(*h.WandbAPIKey) == "" {
		errs = append(errs, errors.New("wandb_api_key is set but empty"))
	}
	return errors.Join(errs...)
}

// normalizeMappingKeys rewrites dashed keys of a YAML mapping in place so
// "scheduler-type" decodes like "scheduler_type".
func normalizeMappingKeys(node *yaml.Node) {
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		node.Content[i].Value = NormalizeKey(node.Content[i].Value)
	}
}

// checkKeys rejects mapping keys outside known, reporting them sorted.
func checkKeys(node *yaml.Node, known map[string]bool) error {
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	var unknown []string
	for i := 0; i+1 < len(node.Content); i += 2 {
		if k := node.Content[i].Value; !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown keys: %s", strings.Join(unknown, ", "))
	}
	return nil
}
