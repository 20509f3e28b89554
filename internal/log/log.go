package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	*zap.Logger
}

// NewLogger builds a production logger at the given level ("debug", "info",
// "warn", "error"). Unknown levels fall back to info.
func NewLogger(level ...string) *Logger {
	cfg := zap.NewProductionConfig()
	if len(level) > 0 && level[0] != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level[0])); err == nil {
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return &Logger{logger}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return &Logger{zap.NewNop()}
}

func (l *Logger) Named(name string) *Logger {
	return &Logger{l.Logger.Named(name)}
}
