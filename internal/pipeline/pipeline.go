package pipeline

import (
	"errors"
	"path"
	"path/filepath"
	"strings"

	"meshpipe/internal/core"
	"meshpipe/internal/dag"
)

// Pipeline is a loaded pipeline file.
type Pipeline struct {
	// Path is the absolute path of the pipeline file; Dir is its directory
	// and the working directory of every stage.
	Path string
	Dir  string

	// Stages are in declaration order.
	Stages []*Stage

	Vars     Vars
	Includes []string
}

// Stage returns the named stage.
func (p *Pipeline) Stage(name string) (*Stage, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// Names returns stage names in declaration order.
func (p *Pipeline) Names() []string {
	names := make([]string, 0, len(p.Stages))
	for _, s := range p.Stages {
		names = append(names, s.Name)
	}
	return names
}

// CoreStages returns the resolved stages in declaration order.
func (p *Pipeline) CoreStages() []core.Stage {
	out := make([]core.Stage, 0, len(p.Stages))
	for _, s := range p.Stages {
		out = append(out, s.Stage)
	}
	return out
}

// Files lists the files whose content defines the pipeline: the pipeline
// file, vars includes and train profiles.
func (p *Pipeline) Files() []string {
	files := append([]string{p.Path}, p.Includes...)
	for _, s := range p.Stages {
		if s.Train != nil && s.Train.Profile != "" {
			files = append(files, s.Train.Profile)
		}
	}
	return files
}

// WatchPaths lists the absolute paths whose changes can make a stage stale:
// Files plus every dep that no stage produces.
func (p *Pipeline) WatchPaths() []string {
	paths := p.Files()
	seen := map[string]bool{}
	for _, f := range paths {
		seen[f] = true
	}
	for _, s := range p.Stages {
		for _, d := range s.Deps {
			abs := p.abs(d)
			if seen[abs] || p.Generated(abs) {
				continue
			}
			seen[abs] = true
			paths = append(paths, abs)
		}
	}
	return paths
}

// Generated reports whether path lies in some stage's out. Relative paths
// are taken relative to Dir.
func (p *Pipeline) Generated(path string) bool {
	rel, err := filepath.Rel(p.Dir, p.abs(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return false
	}
	rel = cleanPath(rel)
	for _, s := range p.Stages {
		for _, o := range s.Outs {
			if under(rel, cleanPath(o.Path)) {
				return true
			}
		}
	}
	return false
}

// inside reports whether path lies strictly below Dir.
func (p *Pipeline) inside(path string) bool {
	rel, err := filepath.Rel(filepath.Clean(p.Dir), p.abs(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (p *Pipeline) abs(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(p.Dir, path)
}

// Validate checks names, commands and the ownership of outputs.
func (p *Pipeline) Validate() error {
	file := filepath.Base(p.Path)
	if len(p.Stages) == 0 {
		return invalidf(file, "", "stages", "no stages")
	}
	var errs []error
	names := map[string]bool{}
	owner := map[string]string{}
	var owned []string
	for _, s := range p.Stages {
		if !validName.MatchString(s.Name) {
			errs = append(errs, invalidf(file, s.Name, "", "invalid stage name"))
		}
		if names[s.Name] {
			errs = append(errs, invalidf(file, s.Name, "", "defined twice"))
		}
		names[s.Name] = true
		if strings.TrimSpace(s.Cmd) == "" {
			errs = append(errs, invalidf(file, s.Name, "cmd", "empty command"))
		}
		for i, d := range s.Deps {
			if strings.TrimSpace(d) == "" {
				errs = append(errs, invalidf(file, s.Name, "deps", "entry %d is empty", i))
			}
		}
		for _, o := range s.Outs {
			out := cleanPath(o.Path)
			if strings.TrimSpace(o.Path) == "" || out == "." || out == "/" {
				errs = append(errs, invalidf(file, s.Name, "outs", "invalid path %q", o.Path))
				continue
			}
			if !p.inside(o.Path) {
				errs = append(errs, invalidf(file, s.Name, "outs", "%s is not inside the project directory", o.Path))
				continue
			}
			if prev, ok := owner[out]; ok {
				if prev == s.Name {
					errs = append(errs, invalidf(file, s.Name, "outs", "%s listed twice", o.Path))
				} else {
					errs = append(errs, invalidf(file, s.Name, "outs", "%s is already an output of %q", o.Path, prev))
				}
				continue
			}
			for _, other := range owned {
				if st := owner[other]; st != s.Name && (under(other, out) || under(out, other)) {
					errs = append(errs, invalidf(file, s.Name, "outs", "%s overlaps output %s of %q", o.Path, other, st))
				}
			}
			owner[out] = s.Name
			owned = append(owned, out)
			for _, d := range s.Deps {
				if under(cleanPath(d), out) {
					errs = append(errs, invalidf(file, s.Name, "deps", "%s is the stage's own output", d))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// Edges derives the dependencies between stages: B depends on A when a dep
// of B equals or is nested under an out of A.
func (p *Pipeline) Edges() []dag.Edge {
	var edges []dag.Edge
	seen := map[dag.Edge]bool{}
	for _, b := range p.Stages {
		for _, d := range b.Deps {
			dep := cleanPath(d)
			for _, a := range p.Stages {
				if a.Name == b.Name {
					continue
				}
				for _, o := range a.Outs {
					e := dag.Edge{From: a.Name, To: b.Name}
					if !seen[e] && under(dep, cleanPath(o.Path)) {
						seen[e] = true
						edges = append(edges, e)
					}
				}
			}
		}
	}
	return edges
}

// Graph builds the stage graph.
func (p *Pipeline) Graph() (*dag.Graph, error) {
	return dag.NewGraph(p.CoreStages(), p.Edges())
}

// Hash is the identity of the resolved pipeline.
func (p *Pipeline) Hash() (dag.GraphHash, error) {
	g, err := p.Graph()
	if err != nil {
		return "", err
	}
	return g.Hash(), nil
}

func cleanPath(p string) string {
	return path.Clean(filepath.ToSlash(strings.TrimSpace(p)))
}

// under reports whether p equals root or lies below it.
func under(p, root string) bool {
	return p == root || strings.HasPrefix(p, strings.TrimSuffix(root, "/")+"/")
}
