package btprobe

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger denotes a generic logger interface
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// NullLogger discards all log output
type NullLogger struct{}

// Debugf does nothing
func (l *NullLogger) Debugf(format string, args ...interface{}) {}

// Infof does nothing
func (l *NullLogger) Infof(format string, args ...interface{}) {}

// Warnf does nothing
func (l *NullLogger) Warnf(format string, args ...interface{}) {}

// Errorf does nothing
func (l *NullLogger) Errorf(format string, args ...interface{}) {}

// Fatalf does nothing
func (l *NullLogger) Fatalf(format string, args ...interface{}) {}

// NewDefaultLogger instantiates a zap based logger, falling back to a NullLogger if
// the logger cannot be built
func NewDefaultLogger(debug bool) Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		return &NullLogger{}
	}

	return logger.Sugar()
}
