// Package logging builds the zap logger shared by the service.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON logger writing info to stdout and warnings and above to
// stderr. Debug mode switches to the development encoder and enables debug
// level.
func New(debug bool) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	low := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l == zapcore.InfoLevel
	})
	if debug {
		encCfg = zap.NewDevelopmentEncoderConfig()
		low = func(l zapcore.Level) bool {
			return l == zapcore.DebugLevel || l == zapcore.InfoLevel
		}
	}
	high := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= zapcore.WarnLevel
	})

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stdout), low),
		zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stderr), high),
	)
	return zap.New(core, zap.AddCaller())
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
