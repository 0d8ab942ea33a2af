package obslog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the server's structured logger: JSON-formatted, to stdout by
// default, with level controlled by MCP_LOG_LEVEL (parsed by config). This
// mirrors the teacher's own preference for logrus over the standard
// library's log package throughout its services.
func New(level logrus.Level, out io.Writer) *logrus.Entry {
	if out == nil {
		out = os.Stdout
	}
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetOutput(out)
	l.SetLevel(level)
	return logrus.NewEntry(l)
}

// ParseLevel wraps logrus.ParseLevel, defaulting to InfoLevel on an
// unrecognized or empty string rather than erroring — a misconfigured log
// level should never prevent the server from starting (spec.md §6 exit
// codes reserve 2 for configuration errors more severe than this).
func ParseLevel(s string) logrus.Level {
	if s == "" {
		return logrus.InfoLevel
	}
	lvl, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
