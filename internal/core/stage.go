package core

// Out is a declared stage output.
type Out struct {
	// Path is relative to the pipeline working directory.
	Path string `json:"path" yaml:"path"`

	// Persist keeps the output in place before the stage runs. By default
	// outputs are removed so a failed run cannot leave a stale result behind.
	Persist bool `json:"persist,omitempty" yaml:"persist,omitempty"`
}

// Stage is a single resolved pipeline stage.
type Stage struct {
	// Name is the stage identifier used in the pipeline file and lock file.
	Name string `json:"name" yaml:"name"`

	// Cmd is interpreted by `sh -c` exactly as provided.
	Cmd string `json:"cmd" yaml:"cmd"`

	// DisplayCmd is Cmd with secret values masked. Empty means Cmd holds no
	// secrets. It is what gets logged and written to the lock file.
	DisplayCmd string `json:"-" yaml:"-"`

	// Deps are files or directories read by the stage.
	Deps []string `json:"deps,omitempty" yaml:"deps,omitempty"`

	// Outs are files or directories produced by the stage.
	Outs []Out `json:"outs,omitempty" yaml:"outs,omitempty"`

	// Env is added on top of the inherited process environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Display returns the command as it may be shown to users.
func (s *Stage) Display() string {
	if s.DisplayCmd != "" {
		return s.DisplayCmd
	}
	return s.Cmd
}

// OutPaths returns the declared output paths in declaration order.
func (s *Stage) OutPaths() []string {
	paths := make([]string, 0, len(s.Outs))
	for _, o := range s.Outs {
		paths = append(paths, o.Path)
	}
	return paths
}
