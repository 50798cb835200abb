// Package config loads meshpipe settings from .meshpipe.yaml, .env and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"meshpipe/internal/history"
	"meshpipe/internal/lock"
	"meshpipe/internal/logging"
	"meshpipe/internal/pipeline"
	"meshpipe/internal/tagger"
)

// DefaultFile is the optional settings file in the working directory.
const DefaultFile = ".meshpipe.yaml"

// DefaultEnvFile is loaded into the process environment when present.
const DefaultEnvFile = ".env"

// DefaultLogDir receives per-stage logs.
const DefaultLogDir = ".meshpipe/logs"

// Environment overrides, applied after the settings file.
const (
	EnvLogLevel  = "MESHPIPE_LOG_LEVEL"
	EnvLogFormat = "MESHPIPE_LOG_FORMAT"
	EnvJobs      = "MESHPIPE_JOBS"
	EnvTaggerBin = "MESHPIPE_TAGGER_BIN"
)

// Config holds settings shared by every command.
type Config struct {
	Pipeline  string         `yaml:"pipeline"`
	LockFile  string         `yaml:"lock_file"`
	History   string         `yaml:"history"`
	LogDir    string         `yaml:"log_dir"`
	TaggerBin string         `yaml:"tagger_bin"`
	Jobs      int            `yaml:"jobs"`
	Log       logging.Config `yaml:"log"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Pipeline:  pipeline.DefaultFile,
		LockFile:  lock.DefaultFile,
		History:   history.DefaultPath,
		LogDir:    DefaultLogDir,
		TaggerBin: tagger.DefaultBinary,
		Jobs:      1,
		Log:       logging.Config{Level: "info", Format: logging.FormatConsole},
	}
}

// Load reads dir/.env, then dir/.meshpipe.yaml, then the environment
// overrides. Variables already set in the environment win over .env. Missing
// files are not an error. The result is not validated; callers apply their
// own overrides first and then call Validate.
func Load(dir string) (Config, error) {
	if err := LoadEnvFile(filepath.Join(dir, DefaultEnvFile)); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	c := Default()
	data, err := os.ReadFile(filepath.Join(dir, DefaultFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("config: %w", err)
	default:
		if err := c.parse(data); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", DefaultFile, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadEnvFile loads path into the process environment if it exists.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (c *Config) parse(data []byte) error {
	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv(EnvTaggerBin); v != "" {
		c.TaggerBin = v
	}
	if v := os.Getenv(EnvJobs); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: invalid integer %q", EnvJobs, v)
		}
		c.Jobs = n
	}
	return nil
}

// Validate checks every field.
func (c Config) Validate() error {
	var errs []error
	for _, f := range []struct{ name, value string }{
		{"pipeline", c.Pipeline},
		{"lock_file", c.LockFile},
		{"history", c.History},
		{"tagger_bin", c.TaggerBin},
	} {
		if strings.TrimSpace(f.value) == "" {
			errs = append(errs, fmt.Errorf("config: %s must not be empty", f.name))
		}
	}
	if c.Jobs < 1 {
		errs = append(errs, fmt.Errorf("config: jobs must be at least 1 (got %d)", c.Jobs))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: log: %w", err))
	}
	return errors.Join(errs...)
}

// Resolve makes the relative paths absolute under dir.
func (c Config) Resolve(dir string) Config {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.Pipeline = abs(c.Pipeline)
	c.LockFile = abs(c.LockFile)
	c.History = abs(c.History)
	c.LogDir = abs(c.LogDir)
	return c
}
