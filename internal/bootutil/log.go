package bootutil

import (
	"bytes"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Verbosity-gated status levels, mirroring the teacher's stdout/stderr
// split: Silent prints nothing, Verbose prints everything including
// per-fragment chatter.
const (
	VerbositySilent  = 0
	VerbosityQuiet   = 1
	VerbosityDefault = 2
	VerbosityVerbose = 3
)

// Verbosity controls StatusMessage/ErrorMessage gating. It does not affect
// the logrus level, which governs structured Debug/Info/Warn/Error calls
// made directly against the package logger.
var Verbosity = VerbosityDefault

type lineFormatter struct{}

func (f *lineFormatter) Format(entry *log.Entry) ([]byte, error) {
	b := &bytes.Buffer{}
	b.WriteString(entry.Time.Format("2006/01/02 15:04:05.000 "))
	b.WriteString("[" + strings.ToUpper(entry.Level.String()) + "] ")
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// InitLog configures logrus the way the teacher's util.Init does: a fixed
// line formatter, a level, and stderr output. Core components never call
// os.Exit or panic from a logging path; logging is purely informational
// per the wire-protocol spec.
func InitLog(level log.Level) {
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	log.SetFormatter(&lineFormatter{})
}

// StatusMessage writes an operator-facing line through the logrus logger
// at Info level, gated by Verbosity; the logrus level still applies on
// top of that gate.
func StatusMessage(minLevel int, format string, args ...interface{}) {
	if Verbosity >= minLevel {
		log.Infof(format, args...)
	}
}

// ErrorMessage is StatusMessage's Warn-level counterpart for policy denials
// and other operator-relevant failures that are not Go errors.
func ErrorMessage(minLevel int, format string, args ...interface{}) {
	if Verbosity >= minLevel {
		log.Warnf(format, args...)
	}
}
