// Package logging builds the service's zap logger and adapts it to points.OperationLogger.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/speakle/rewards/pkg/points"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 3
	defaultMaxAgeDays = 7
)

// Config controls log level and the optional rolling file sink.
type Config struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New returns a JSON logger on stdout, teed to a lumberjack file when Path is set.
func New(config Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(strings.ToLower(defaultIfEmpty(config.Level, "info"))))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(os.Stdout), level),
	}
	if config.Path != "" {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
			return nil, fmt.Errorf("log directory: %w", err)
		}
		rolling := &lumberjack.Logger{
			Filename:   config.Path,
			MaxSize:    positiveOr(config.MaxSizeMB, defaultMaxSizeMB),
			MaxBackups: positiveOr(config.MaxBackups, defaultMaxBackups),
			MaxAge:     positiveOr(config.MaxAgeDays, defaultMaxAgeDays),
			Compress:   config.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(rolling), level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// OperationLogger emits points operations as structured log lines.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wraps logger; a nil logger discards entries.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger.Named("points")}
}

func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry points.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
	}
	if entry.Source != "" {
		fields = append(fields, zap.String("source", entry.Source.String()))
	}
	if entry.Error == nil {
		fields = append(fields, zap.Int64("delta", entry.Delta.Int64()), zap.Int64("balance", entry.Balance.Int64()), zap.String("tier", entry.Tier.String()))
	}
	if !entry.Reference.IsZero() {
		fields = append(fields, zap.String("ref_type", entry.Reference.Type), zap.String("ref_id", entry.Reference.ID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error), zap.String("kind", points.Classify(entry.Error).String()))
		if points.Classify(entry.Error) == points.KindFatal {
			operationLogger.logger.Error("points operation failed", fields...)
			return
		}
		operationLogger.logger.Warn("points operation rejected", fields...)
		return
	}
	if entry.Status != "ok" {
		operationLogger.logger.Warn("points operation flagged", fields...)
		return
	}
	operationLogger.logger.Info("points operation", fields...)
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func positiveOr(value int, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
