package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// Logs exposes the entries captured by an observer logger. It is the subset
// of *observer.ObservedLogs that tests assert against.
type Logs interface {
	// Len returns the number of captured entries.
	Len() int

	// All returns a copy of every captured entry.
	All() []observer.LoggedEntry

	// TakeAll returns a copy of every captured entry and resets the
	// collection.
	TakeAll() []observer.LoggedEntry
}

var _ Logs = (*observer.ObservedLogs)(nil)

// NewObserverLogger returns a logger that records entries at or above the
// given level, along with the recorded entries. Unparseable levels fall back
// to debug so tests see everything.
func NewObserverLogger(level string) (Logger, Logs) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	core, logs := observer.New(lvl)

	return &ZapLogger{Logger: zap.New(core)}, logs
}
