package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MissingOutputError reports declared outputs a successful command did not
// produce.
type MissingOutputError struct {
	Stage string
	Paths []string
}

func (e *MissingOutputError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("stage %q did not produce declared outputs: %s", e.Stage, strings.Join(e.Paths, ", "))
}

// Outputs manages declared stage outputs under BaseDir.
type Outputs struct {
	BaseDir string
}

// NewOutputs creates an Outputs manager for baseDir.
func NewOutputs(baseDir string) *Outputs {
	return &Outputs{BaseDir: baseDir}
}

// Clean removes every non-persisted output before a stage runs, so a
// failing command cannot leave a previous result that looks current.
func (o *Outputs) Clean(outs []Out) error {
	for _, out := range outs {
		if out.Persist {
			continue
		}
		full, err := o.resolve(out.Path)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(full); err != nil {
			return fmt.Errorf("removing %q: %w", out.Path, err)
		}
	}
	return nil
}

// Prepare creates the parent directory of every output so commands that
// write a single file do not have to.
func (o *Outputs) Prepare(outs []Out) error {
	for _, out := range outs {
		full, err := o.resolve(out.Path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("creating parent of %q: %w", out.Path, err)
		}
	}
	return nil
}

// Verify checks that every declared output exists.
func (o *Outputs) Verify(stage string, outs []Out) error {
	var missing []string
	for _, out := range outs {
		full, err := o.resolve(out.Path)
		if err != nil {
			return err
		}
		if _, err := os.Stat(full); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				missing = append(missing, out.Path)
				continue
			}
			return fmt.Errorf("stat output %q: %w", out.Path, err)
		}
	}
	if len(missing) > 0 {
		return &MissingOutputError{Stage: stage, Paths: missing}
	}
	return nil
}

func (o *Outputs) resolve(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("output path is empty")
	}
	full := p
	if !filepath.IsAbs(p) {
		full = filepath.Join(o.BaseDir, p)
	}
	full, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	base, err := filepath.Abs(o.BaseDir)
	if err != nil {
		return "", err
	}
	// full must not be base or one of its ancestors.
	rel, err := filepath.Rel(full, base)
	if err != nil || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
		return "", fmt.Errorf("refusing to manage output %q: it contains the working directory", p)
	}
	return full, nil
}
