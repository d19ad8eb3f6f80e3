// Package log provides the process-wide structured logger used across the
// runtime lifecycle manager. Every component logs through the package-level
// Logger rather than constructing its own.
package log

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the process-wide sugared logger. It defaults to a development
// console logger at info level; Init replaces it (typically with a logger
// built by CreateLoggerWithLumberjack) once a log file is known.
var Logger *zap.SugaredLogger = newDefault()

func newDefault() *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	l, err := cfg.Build()
	if err != nil {
		// zap.NewDevelopmentConfig().Build() only fails on a misconfigured
		// encoder/sink; fall back to a no-op logger rather than panic in an
		// init path.
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// CreateLoggerWithLumberjack builds a sugared logger that writes JSON lines
// to logFile, rotating at maxSizeMB, in addition to stderr. It never returns
// nil: a failure to create the log directory degrades to a stderr-only
// logger so that a bad --log-file flag cannot crash the caller.
func CreateLoggerWithLumberjack(logFile string, maxSizeMB int, level zapcore.Level) *zap.SugaredLogger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	fileWriter := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    maxSizeMB,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	})

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), fileWriter, level),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(zapcore.AddSync(stderrSink())), level),
	)

	return zap.New(core, zap.AddCaller()).Sugar()
}

// Init replaces the package-level Logger. Call it once during process
// startup (e.g. from cmd/nrtctl) after parsing the data directory / log
// level; it is not safe to call concurrently with logging.
func Init(logger *zap.SugaredLogger) {
	if logger == nil {
		return
	}
	Logger = logger
}

// Sync flushes any buffered log entries. Callers should defer it from main.
func Sync() {
	_ = Logger.Sync()
}

// ParseLogLevel parses a CLI --log-level flag value ("debug", "info",
// "warn", "error") into a zapcore.Level.
func ParseLogLevel(s string) (zapcore.Level, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
