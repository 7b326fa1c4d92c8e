// Package loglevel is a small leveled logger in the shape of the
// teacher's device.Logger (referenced from
// tun/netstack/examples/socket5_server.go as
// device.NewLogger(device.LogLevelVerbose, "")): a level plus a prefix
// tag, backed directly by the standard library's log package rather
// than a structured/JSON logging dependency — the teacher never reaches
// for one, so neither does this module.
package loglevel

import (
	"fmt"
	"log"
	"os"
)

// Level selects which of Verbosef/Errorf actually write output.
type Level int

const (
	// Silent disables all output.
	Silent Level = iota
	// Error enables only Errorf.
	Error
	// Verbose enables both Verbosef and Errorf.
	Verbose
)

// Logger is a tagged, leveled wrapper around a standard log.Logger.
type Logger struct {
	level Level
	tag   string
	std   *log.Logger
}

// New returns a Logger at level, writing "tag: " prefixed lines to
// stderr. An empty tag omits the prefix, matching NewLogger("")'s
// behavior in the teacher.
func New(level Level, tag string) *Logger {
	prefix := ""
	if tag != "" {
		prefix = tag + ": "
	}
	return &Logger{level: level, tag: tag, std: log.New(os.Stderr, prefix, log.LstdFlags)}
}

// Verbosef logs a formatted trace line when the level is Verbose.
func (l *Logger) Verbosef(format string, args ...interface{}) {
	if l == nil || l.level < Verbose {
		return
	}
	l.std.Output(2, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted error line when the level is Error or above.
func (l *Logger) Errorf(format string, args ...interface{}) {
	if l == nil || l.level < Error {
		return
	}
	l.std.Output(2, fmt.Sprintf(format, args...))
}
