// Package logging builds the process logger.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Formats supported by New.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config selects the logger level and encoding.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// OutputPaths defaults to stderr.
	OutputPaths []string `yaml:"-"`
}

// ParseLevel accepts zap level names, case-insensitively. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// Validate reports an unknown level or format.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "", FormatJSON, FormatConsole:
		return nil
	}
	return fmt.Errorf("invalid log format %q (expected %s|%s)", c.Format, FormatJSON, FormatConsole)
}

// New builds a production logger for the json format and a development
// logger for console.
func New(c Config) (*zap.Logger, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	lvl, _ := ParseLevel(c.Level)

	var zc zap.Config
	if c.Format == FormatConsole {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		if colored(c) {
			zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		zc.DisableStacktrace = true
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zc.Sampling = nil
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	if len(c.OutputPaths) > 0 {
		zc.OutputPaths = c.OutputPaths
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// stderrIsTerminal is replaced in tests.
var stderrIsTerminal = func() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// colored reports whether console levels get ANSI colors: only when logging
// to stderr and stderr is a terminal.
func colored(c Config) bool {
	if len(c.OutputPaths) > 0 {
		return false
	}
	return stderrIsTerminal()
}
