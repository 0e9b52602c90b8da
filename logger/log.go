// Package logger owns the process-wide zap logger. Components take a child
// from Named; the level is shared and can change at runtime.
package logger

import (
	"os"
	"strings"

	"ShiftChat/tools/errs"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

var (
	Log   = build(FormatConsole)
	level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
)

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
}

func build(format string) *zap.Logger {
	ec := encoderConfig()
	var enc zapcore.Encoder
	if format == FormatJSON {
		ec.EncodeLevel = zapcore.LowercaseLevelEncoder
		enc = zapcore.NewJSONEncoder(ec)
	} else {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

// Setup 启动时调用一次：json 给日志采集用，console 给本地开发
func Setup(format, lvl string) error {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "", FormatConsole:
		format = FormatConsole
	case FormatJSON:
	default:
		return errs.ErrArgs.WrapMsg("unknown log format", "format", format)
	}
	if err := SetLevel(lvl); err != nil {
		return err
	}
	Log = build(format)
	return nil
}

// SetLevel changes the level of every logger derived from Log, including
// the Named ones handed out earlier.
func SetLevel(s string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return errs.ErrArgs.WrapMsg("unknown log level", "level", s)
	}
	level.SetLevel(l)
	return nil
}

func Level() string { return level.Level().String() }

// Named returns a child logger for one component, without the helper skip.
func Named(name string) *zap.Logger {
	return Log.WithOptions(zap.AddCallerSkip(-1)).Named(name)
}

func Info(msg string, fields ...zap.Field)  { Log.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Log.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Log.Error(msg, fields...) }

func Sync() { _ = Log.Sync() }
