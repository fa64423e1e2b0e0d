package log

import (
	"os"

	"github.com/rs/zerolog"
)

var (
	// L is the shared logger (use log.L.Info().Msg("hi"))
	L zerolog.Logger
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	L = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// SetLevel changes the level of the shared logger.
func SetLevel(level zerolog.Level) {
	L = L.Level(level)
}

// With returns a child logger context, for component loggers.
func With() zerolog.Context { return L.With() }

func Debug() *zerolog.Event { return L.Debug() }
func Info() *zerolog.Event  { return L.Info() }
func Warn() *zerolog.Event  { return L.Warn() }
func Error() *zerolog.Event { return L.Error() }
