// Package logging wires up the engine's single structured logger. The
// engine and its workers are handed a *logrus.Entry rather
// than reaching for a package-level global, the same shape used to carry a
// contextualized logger through a peer connection's lifetime.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Level mirrors the config file's logging_level enum.
type Level string

const (
	Debug    Level = "DEBUG"
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case Debug:
		return logrus.DebugLevel
	case Info:
		return logrus.InfoLevel
	case Warning:
		return logrus.WarnLevel
	case Error:
		return logrus.ErrorLevel
	case Critical:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// New builds a logger at the given level. If quiet is true, the effective
// level is raised to ERROR regardless of what level requests, matching
// quiet mode suppresses non-fatal output, raising the floor to ERROR.
func New(role string, level Level, quiet bool) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	effective := level.logrusLevel()
	if quiet && effective > logrus.ErrorLevel {
		effective = logrus.ErrorLevel
	}
	log.SetLevel(effective)

	return log.WithField("role", role)
}
