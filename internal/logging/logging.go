// Package logging builds the zap loggers used by the container.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New builds a logger at the given level. The json format uses zap's
// production config, console uses the development config with colored levels.
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var config zap.Config
	switch strings.ToLower(format) {
	case FormatJSON, "":
		config = zap.NewProductionConfig()
		config.Sampling = &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		}
	case FormatConsole:
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	config.Level = zap.NewAtomicLevelAt(lvl)
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	return config.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	)
}

// Named returns l scoped to a component, or a no-op logger when l is nil.
func Named(l *zap.Logger, component string) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.Named(component)
}
