package logging

import (
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NewLogger creates a structured zerolog.Logger for one provisioning run.
// Every event carries a fresh run ID so interleaved pipeline logs can be
// attributed to a single bake.
func NewLogger(logLevel string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "imagebake-provision").
		Str("run_id", uuid.NewString()).
		Logger()

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
