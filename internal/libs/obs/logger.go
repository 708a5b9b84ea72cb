// Package obs wires logging and metrics for the engine and its workers.
package obs

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger initializes the global logger. Console output is enabled when
// ENV=dev; production emits JSON lines.
func InitLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if os.Getenv("ENV") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// Logger returns a child logger tagged with the component name.
func Logger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// CollectionLogger returns a child logger tagged with component and
// collection; the engine's per-collection workers log through this.
func CollectionLogger(component, collection string) zerolog.Logger {
	return log.With().Str("component", component).Str("collection", collection).Logger()
}

// Silence discards all log output; used by tests.
func Silence() {
	log.Logger = zerolog.New(io.Discard)
}
