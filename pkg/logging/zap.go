package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ZapLogger implements the Logger interface using uber-go/zap
type ZapLogger struct {
	logger *zap.Logger
	fields []Field
}

// ZapOption defines a function that can configure a zap logger
type ZapOption func(*zapOptions)

// zapOptions holds configuration for the zap logger
type zapOptions struct {
	development bool
	level       zapcore.Level
	rotateFile  string
	console     bool
}

func defaultZapOptions() *zapOptions {
	return &zapOptions{
		level:   zapcore.InfoLevel,
		console: true,
	}
}

// WithDevelopmentMode enables development mode with more verbose output
func WithDevelopmentMode() ZapOption {
	return func(opts *zapOptions) {
		opts.development = true
		opts.level = zapcore.DebugLevel
	}
}

// WithLogLevel sets the minimum level that will be emitted
func WithLogLevel(level Level) ZapOption {
	return func(opts *zapOptions) {
		switch level {
		case DEBUG:
			opts.level = zapcore.DebugLevel
		case WARN:
			opts.level = zapcore.WarnLevel
		case ERROR:
			opts.level = zapcore.ErrorLevel
		default:
			opts.level = zapcore.InfoLevel
		}
	}
}

// WithRotatingFile additionally writes JSON entries to path, rotated at
// 10 MB with 3 backups kept for 7 days.
func WithRotatingFile(path string) ZapOption {
	return func(opts *zapOptions) {
		opts.rotateFile = path
	}
}

// WithoutConsole disables the stdout sink; only useful together with
// WithRotatingFile.
func WithoutConsole() ZapOption {
	return func(opts *zapOptions) {
		opts.console = false
	}
}

// NewZapLogger creates a Logger implementation backed by zap. Output goes to
// stdout as JSON (console-encoded in development mode), optionally teed into
// a rotating file.
func NewZapLogger(options ...ZapOption) Logger {
	opts := defaultZapOptions()
	for _, opt := range options {
		opt(opts)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.MessageKey = "message"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.development {
		devConfig := zap.NewDevelopmentEncoderConfig()
		devConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(devConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var sinks []zapcore.WriteSyncer
	if opts.console {
		sinks = append(sinks, zapcore.AddSync(os.Stdout))
	}
	if opts.rotateFile != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.rotateFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     7, // days
			Compress:   true,
		}))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, zapcore.AddSync(os.Stdout))
	}

	core := zapcore.NewCore(
		encoder,
		zapcore.NewMultiWriteSyncer(sinks...),
		zap.NewAtomicLevelAt(opts.level),
	)

	logger := zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	return &ZapLogger{logger: logger}
}

// Debug implements Logger interface
func (l *ZapLogger) Debug(msg string, fields ...Field) {
	if ce := l.logger.Check(zapcore.DebugLevel, msg); ce != nil {
		ce.Write(l.convertFields(fields...)...)
	}
}

// Info implements Logger interface
func (l *ZapLogger) Info(msg string, fields ...Field) {
	if ce := l.logger.Check(zapcore.InfoLevel, msg); ce != nil {
		ce.Write(l.convertFields(fields...)...)
	}
}

// Warn implements Logger interface
func (l *ZapLogger) Warn(msg string, fields ...Field) {
	if ce := l.logger.Check(zapcore.WarnLevel, msg); ce != nil {
		ce.Write(l.convertFields(fields...)...)
	}
}

// Error implements Logger interface
func (l *ZapLogger) Error(msg string, fields ...Field) {
	if ce := l.logger.Check(zapcore.ErrorLevel, msg); ce != nil {
		ce.Write(l.convertFields(fields...)...)
	}
}

// WithFields implements Logger interface
func (l *ZapLogger) WithFields(fields ...Field) Logger {
	newLogger := *l
	newLogger.fields = make([]Field, len(l.fields)+len(fields))
	copy(newLogger.fields, l.fields)
	copy(newLogger.fields[len(l.fields):], fields)
	return &newLogger
}

// GetZapLogger returns the underlying zap.Logger
func (l *ZapLogger) GetZapLogger() *zap.Logger {
	return l.logger
}

// convertFields converts our Field type to zap.Field
func (l *ZapLogger) convertFields(fields ...Field) []zap.Field {
	zapFields := make([]zap.Field, 0, len(l.fields)+len(fields))
	for _, f := range l.fields {
		zapFields = append(zapFields, zap.Any(f.Key, f.Value))
	}
	for _, f := range fields {
		zapFields = append(zapFields, zap.Any(f.Key, f.Value))
	}
	return zapFields
}

// Close flushes any buffered log entries
func (l *ZapLogger) Close() error {
	return l.logger.Sync()
}
