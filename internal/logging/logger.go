package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/harbouros/appliance/internal/config"
)

// NewLogger creates a structured zerolog.Logger for an appliance component.
func NewLogger(cfg *config.Config, service string) zerolog.Logger {
	ctx := zerolog.New(os.Stdout).With().Timestamp()

	if service != "" {
		ctx = ctx.Str("service", service)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
