// Package logger owns the process-wide structured logger.
//
// Every package logs through logger.Log; only main configures it. Pipeline
// stages log at info with counts and durations, per-span degradations at
// debug, retries at warn.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log is the shared logger instance. Until Init runs it emits text at info
// level to stderr, which is what tests and early startup failures want.
var Log = logrus.New()

// Settings selects the output shape of the logger. Populated from the
// environment by main.
type Settings struct {
	Level  string `env:"LOOM_LOG_LEVEL,default=info"`
	Format string `env:"LOOM_LOG_FORMAT,default=text"`
}

// Init applies settings to the shared logger. An unknown level falls back
// to info with a warning rather than failing startup.
func Init(s Settings, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	Log.SetOutput(out)

	if strings.EqualFold(s.Format, "json") {
		Log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(s.Level)
	if err != nil {
		lvl = logrus.InfoLevel
		Log.Warnf("unknown log level %q, using info", s.Level)
	}
	Log.SetLevel(lvl)
}
