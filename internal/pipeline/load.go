package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"meshpipe/internal/core"
	"meshpipe/internal/tagger"
)

// DefaultFile is the pipeline file looked up in the working directory.
const DefaultFile = "pipeline.yaml"

// Options control how typed stages are rendered.
type Options struct {
	// TaggerBin is the grants-tagger executable (tagger.DefaultBinary when
	// empty).
	TaggerBin string
}

// File is the raw pipeline document.
type File struct {
	Vars   yaml.Node `yaml:"vars"`
	Stages yaml.Node `yaml:"stages"`
}

// Kind names how a stage command is given.
type Kind string

const (
	KindCmd        Kind = "cmd"
	KindPreprocess Kind = "preprocess"
	KindTrain      Kind = "train"
)

// Stage is a resolved pipeline stage.
type Stage struct {
	core.Stage

	Kind Kind
	Desc string

	// Argv is the rendered command of a typed stage.
	Argv []string

	Preprocess *tagger.PreprocessSpec
	Train      *tagger.TrainSpec
}

type stageDoc struct {
	Cmd        cmdLines               `yaml:"cmd"`
	Preprocess *tagger.PreprocessSpec `yaml:"preprocess"`
	Train      *tagger.TrainSpec      `yaml:"train"`
	Deps       []string               `yaml:"deps"`
	Outs       []outDoc               `yaml:"outs"`
	Env        map[string]string      `yaml:"env"`
	Desc       string                 `yaml:"desc"`
}

var stageKeys = map[string]bool{
	"cmd": true, "preprocess": true, "train": true,
	"deps": true, "outs": true, "env": true, "desc": true,
}

// cmdLines is a command given as one string or a list run in sequence.
type cmdLines []string

func (c *cmdLines) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*c = cmdLines{value.Value}
		return nil
	case yaml.SequenceNode:
		var lines []string
		if err := value.Decode(&lines); err != nil {
			return err
		}
		*c = lines
		return nil
	}
	return fmt.Errorf("line %d: cmd must be a string or a list of strings", value.Line)
}

type outDoc core.Out

func (o *outDoc) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*o = outDoc{Path: value.Value}
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: out must be a path or a mapping", value.Line)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		if k := value.Content[i].Value; k != "path" && k != "persist" {
			return fmt.Errorf("line %d: unknown out key %q", value.Content[i].Line, k)
		}
	}
	var out core.Out
	if err := value.Decode(&out); err != nil {
		return err
	}
	*o = outDoc(out)
	return nil
}

var validName = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// Load reads, interpolates and validates the pipeline at path.
func Load(path string, opts Options) (*Pipeline, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	p, err := Parse(b, abs, opts)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Parse builds a pipeline from data. Relative paths in vars includes and
// train profiles are resolved against the directory of path.
func Parse(data []byte, path string, opts Options) (*Pipeline, error) {
	name := filepath.Base(path)
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, invalidf(name, "", "", "empty file")
		}
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	var trailing yaml.Node
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, invalidf(name, "", "", "more than one document")
		}
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}

	p := &Pipeline{Path: path, Dir: filepath.Dir(path)}
	vars, includes, err := loadVars(p.Dir, &f.Vars)
	if err != nil {
		return nil, &Error{File: name, Field: "vars", Err: err}
	}
	p.Vars, p.Includes = vars, includes

	if f.Stages.Kind != yaml.MappingNode || len(f.Stages.Content) == 0 {
		return nil, invalidf(name, "", "stages", "expected a non-empty mapping of stages")
	}
	seen := map[string]bool{}
	for i := 0; i+1 < len(f.Stages.Content); i += 2 {
		stageName := f.Stages.Content[i].Value
		if seen[stageName] {
			return nil, invalidf(name, stageName, "", "defined twice")
		}
		seen[stageName] = true
		st, err := p.parseStage(name, stageName, f.Stages.Content[i+1], opts)
		if err != nil {
			return nil, err
		}
		p.Stages = append(p.Stages, st)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) parseStage(file, name string, node *yaml.Node, opts Options) (*Stage, error) {
	if node.Kind != yaml.MappingNode {
		return nil, invalidf(file, name, "", "line %d: expected a mapping", node.Line)
	}
	var unknown []string
	for i := 0; i+1 < len(node.Content); i += 2 {
		if k := node.Content[i].Value; !stageKeys[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, invalidf(file, name, "", "unknown keys: %s", strings.Join(unknown, ", "))
	}
	if field, err := p.Vars.interpolateNode(node, ""); err != nil {
		return nil, &Error{File: file, Stage: name, Field: field, Err: err}
	}
	var doc stageDoc
	if err := node.Decode(&doc); err != nil {
		return nil, &Error{File: file, Stage: name, Err: err}
	}

	st := &Stage{Desc: doc.Desc}
	st.Name = name
	st.Deps = doc.Deps
	st.Env = doc.Env
	for _, o := range doc.Outs {
		st.Outs = append(st.Outs, core.Out(o))
	}

	n := 0
	if len(doc.Cmd) > 0 {
		n++
	}
	if doc.Preprocess != nil {
		n++
	}
	if doc.Train != nil {
		n++
	}
	if n != 1 {
		return nil, invalidf(file, name, "", "exactly one of cmd, preprocess or train is required")
	}

	switch {
	case len(doc.Cmd) > 0:
		st.Kind = KindCmd
		st.Cmd = strings.Join(doc.Cmd, " && ")
	case doc.Preprocess != nil:
		st.Kind = KindPreprocess
		st.Preprocess = doc.Preprocess
		argv, err := doc.Preprocess.Command(opts.TaggerBin)
		if err != nil {
			return nil, &Error{File: file, Stage: name, Field: "preprocess", Err: err}
		}
		st.setArgv(argv, doc.Preprocess.Input, doc.Preprocess.OutputDir)
	case doc.Train != nil:
		st.Kind = KindTrain
		doc.Train.ResolveProfile(p.Dir)
		st.Train = doc.Train
		argv, err := doc.Train.Command(opts.TaggerBin)
		if err != nil {
			return nil, &Error{File: file, Stage: name, Field: "train", Err: err}
		}
		st.setArgv(argv, doc.Train.Input, doc.Train.OutputDir)
		if doc.Train.Profile != "" {
			if rel, err := filepath.Rel(p.Dir, doc.Train.Profile); err == nil && !strings.HasPrefix(rel, "..") {
				st.addDep(filepath.ToSlash(rel))
			}
		}
	}
	if strings.TrimSpace(st.Cmd) == "" {
		return nil, invalidf(file, name, "cmd", "empty command")
	}
	return st, nil
}

func (s *Stage) setArgv(argv []string, input, output string) {
	s.Argv = argv
	s.Cmd = tagger.ShellJoin(argv)
	if shown := tagger.ShellJoin(tagger.Redact(argv)); shown != s.Cmd {
		s.DisplayCmd = shown
	}
	s.addDep(input)
	for _, o := range s.Outs {
		if cleanPath(o.Path) == cleanPath(output) {
			return
		}
	}
	s.Outs = append(s.Outs, core.Out{Path: output})
}

func (s *Stage) addDep(path string) {
	for _, d := range s.Deps {
		if cleanPath(d) == cleanPath(path) {
			return
		}
	}
	s.Deps = append(s.Deps, path)
}
