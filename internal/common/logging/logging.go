// Package logging configures the process-wide logrus logger and provides helpers for logging errors.
package logging

import (
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	FormatText = "text"
	FormatJson = "json"
)

// Config defines logging configuration.
type Config struct {
	// Log level, e.g. info, warn etc
	Level string
	// Logging format, either text or json
	Format string
}

// Configure sets up the standard logrus logger according to the provided config,
// writing to stdout. Empty fields fall back to info level and text format.
func Configure(config Config) error {
	return configure(log.StandardLogger(), os.Stdout, config)
}

func configure(logger *log.Logger, out io.Writer, config Config) error {
	level := log.InfoLevel
	if config.Level != "" {
		parsed, err := log.ParseLevel(config.Level)
		if err != nil {
			return errors.WithStack(err)
		}
		level = parsed
	}

	switch config.Format {
	case "", FormatText:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case FormatJson:
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q; valid formats are %q and %q", config.Format, FormatText, FormatJson)
	}

	logger.SetLevel(level)
	logger.SetOutput(out)
	return nil
}
