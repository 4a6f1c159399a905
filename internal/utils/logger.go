// internal/utils/logger.go
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"grbl-service/internal/config"
)

// NewLogger builds the application logger. Console output uses a coloured
// human layout; everything else is JSON.
func NewLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	sink, err := logSink(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log sink: %w", err)
	}

	core := zapcore.NewCore(logEncoder(cfg.Format), sink, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func logEncoder(format string) zapcore.Encoder {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.MessageKey = "message"
	enc.EncodeCaller = zapcore.ShortCallerEncoder

	if format == "console" {
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		return zapcore.NewConsoleEncoder(enc)
	}

	enc.EncodeLevel = zapcore.LowercaseLevelEncoder
	enc.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339Nano)
	return zapcore.NewJSONEncoder(enc)
}

// logSink resolves stdout, stderr or a rotated log file
func logSink(cfg *config.LoggingConfig) (zapcore.WriteSyncer, error) {
	switch cfg.Output {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Output,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}), nil
}

// SessionLogger wraps zap.Logger with link session fields
type SessionLogger struct {
	*zap.Logger
	sessionID string
}

// NewSessionLogger creates a session-specific logger
func NewSessionLogger(baseLogger *zap.Logger, sessionID, port string, baudRate int) *SessionLogger {
	logger := baseLogger.With(
		zap.String("session_id", sessionID),
		zap.String("port", port),
		zap.Int("baud_rate", baudRate),
		zap.String("component", "link"),
	)

	return &SessionLogger{
		Logger:    logger,
		sessionID: sessionID,
	}
}

// LogCommand logs a resolved line command
func (sl *SessionLogger) LogCommand(seq uint64, command string, duration time.Duration, err error) {
	fields := []zap.Field{
		zap.Uint64("seq", seq),
		zap.String("command", command),
		zap.Duration("duration", duration),
		zap.Bool("success", err == nil),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		sl.Warn("Command failed", fields...)
	} else {
		sl.Debug("Command acknowledged", fields...)
	}
}

// LogStateChange logs a session state transition
func (sl *SessionLogger) LogStateChange(from, to string, cause error) {
	fields := []zap.Field{
		zap.String("from", from),
		zap.String("to", to),
	}

	if cause != nil {
		fields = append(fields, zap.Error(cause))
		sl.Warn("Session state changed", fields...)
	} else {
		sl.Info("Session state changed", fields...)
	}
}

// ServiceLogger provides service-level logging functionality
type ServiceLogger struct {
	*zap.Logger
	serviceName string
}

// NewServiceLogger creates a service-specific logger
func NewServiceLogger(baseLogger *zap.Logger, serviceName string) *ServiceLogger {
	logger := baseLogger.With(
		zap.String("service", serviceName),
		zap.String("component", "service"),
	)

	return &ServiceLogger{
		Logger:      logger,
		serviceName: serviceName,
	}
}

// LogServiceStart logs service startup
func (sl *ServiceLogger) LogServiceStart(version string, config interface{}) {
	sl.Info("Service starting",
		zap.String("version", version),
		zap.Any("config", config),
	)
}

// LogServiceStop logs service shutdown
func (sl *ServiceLogger) LogServiceStop(reason string) {
	sl.Info("Service stopping",
		zap.String("reason", reason),
	)
}

// APIRequest describes one served HTTP request
type APIRequest struct {
	Method    string
	Route     string
	ClientIP  string
	RequestID string
	Status    int
	Duration  time.Duration
	// Errors holds the errors handlers attached to the gin context
	Errors string
	// Quiet demotes a successful request to debug level
	Quiet bool
}

// LogAPIRequest logs HTTP API requests
func (sl *ServiceLogger) LogAPIRequest(req APIRequest) {
	level := zapcore.InfoLevel
	switch {
	case req.Status >= 500:
		level = zapcore.ErrorLevel
	case req.Status >= 400:
		level = zapcore.WarnLevel
	case req.Quiet:
		level = zapcore.DebugLevel
	}

	if ce := sl.Check(level, "API request"); ce != nil {
		fields := []zap.Field{
			zap.String("method", req.Method),
			zap.String("route", req.Route),
			zap.String("client_ip", req.ClientIP),
			zap.String("request_id", req.RequestID),
			zap.Int("status_code", req.Status),
			zap.Duration("duration", req.Duration),
		}
		if req.Errors != "" {
			fields = append(fields, zap.String("errors", req.Errors))
		}
		ce.Write(fields...)
	}
}

// CloseLogger flushes buffered log entries
func CloseLogger(logger *zap.Logger) error {
	return logger.Sync()
}
