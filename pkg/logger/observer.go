package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// NewRecordingLogger returns a logger whose entries at or above the given
// level are captured in memory. Tests inspect the returned logs to assert on
// emitted messages and fields without touching stderr. An unparseable level
// records everything.
func NewRecordingLogger(level string) (*ZapLogger, *observer.ObservedLogs) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	core, logs := observer.New(lvl)

	return &ZapLogger{zap.New(core)}, logs
}
