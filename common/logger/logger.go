package logger

import (
	"log/slog"
	"os"
)

// NewLogger creates a new structured logger with JSON format
func NewLogger(serviceName string) *slog.Logger {
	// Get log level from environment (default: INFO)
	level := getLogLevel(os.Getenv("LOG_LEVEL"))

	opts := &slog.HandlerOptions{
		Level: level,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(handler)

	// Add service name to all log entries
	return logger.With(slog.String("service", serviceName))
}

// ForTenant scopes a logger to a tenant worker, the way every agent's logger is
// obtained in this repo: one slog.Logger per tenant, never the bare process logger.
func ForTenant(base *slog.Logger, tenantID string) *slog.Logger {
	return base.With(slog.String("tenant_id", tenantID))
}

// ForComponent further scopes a tenant logger to one of the four agents, so log
// lines can be filtered by (tenant_id, component) in aggregation.
func ForComponent(base *slog.Logger, component string) *slog.Logger {
	return base.With(slog.String("component", component))
}

func getLogLevel(levelStr string) slog.Level {
	switch levelStr {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
