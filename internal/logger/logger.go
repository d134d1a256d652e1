package logger

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	appName string
	l       *zap.Logger
}

// New builds a logger writing to w (stdout when nil). format is "json" or
// "console"; level is any zap level name.
func New(appName, level, format string, w io.Writer) (*Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(cfg)
	case "console":
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	if w == nil {
		w = os.Stdout
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), lvl)

	return &Logger{
		appName: appName,
		l:       zap.New(core).With(zap.String("app_name", appName)),
	}, nil
}

// Nop discards everything; used by tests and by components built without a logger.
func Nop() *Logger {
	return &Logger{l: zap.NewNop()}
}

func (l *Logger) Stop() error {
	return l.l.Sync()
}

func (l *Logger) Debug(msg string, fields ...map[string]any) {
	l.l.Debug(msg, toZapFields(fields)...)
}

func (l *Logger) Info(msg string, fields ...map[string]any) {
	l.l.Info(msg, toZapFields(fields)...)
}

func (l *Logger) Warning(msg string, fields ...map[string]any) {
	l.l.Warn(msg, toZapFields(fields)...)
}

func (l *Logger) Error(err error, fields ...map[string]any) {
	l.l.Error(err.Error(), append(toZapFields(fields), zap.Error(err))...)
}

func toZapFields(fields []map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}

	zapFields := make([]zap.Field, 0, len(fields[0]))
	for k, v := range fields[0] {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return zapFields
}
