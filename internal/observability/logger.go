package observability

import (
	"os"

	"github.com/danmuck/stepwise/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the global logger for a binary and tags it with
// app.
func InitLogger(app string, cfg logging.Config) zerolog.Logger {
	logging.Apply(cfg, os.Stdout)
	logger := log.Logger.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
