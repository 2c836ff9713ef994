package logger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// LogFetch logs one outbound page fetch with its outcome.
func LogFetch(site string, page int, statusCode int, duration time.Duration) {
	fields := map[string]interface{}{
		"site":        site,
		"page":        page,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}

	if statusCode >= 200 && statusCode < 300 {
		GetLogger().InfoWithFields("page fetch completed", fields)
	} else if statusCode >= 400 && statusCode < 500 {
		GetLogger().WarnWithFields("page fetch client error", fields)
	} else {
		GetLogger().ErrorWithFields("page fetch server error", fields)
	}
}

// LogSessionProgress logs scraping session progress
func LogSessionProgress(sessionID string, completed, failed, total int) {
	percentage := 0.0
	if total > 0 {
		percentage = float64(completed+failed) / float64(total) * 100
	}

	GetLogger().WithFields(map[string]interface{}{
		"session_id": sessionID,
		"completed":  completed,
		"failed":     failed,
		"total":      total,
		"percentage": percentage,
	}).Info("session progress")
}

// LogRouteStateChange logs a proxy route health transition.
func LogRouteStateChange(address, from, to, reason string) {
	GetLogger().WithFields(map[string]interface{}{
		"route":  address,
		"from":   from,
		"to":     to,
		"reason": reason,
	}).Warn("proxy route state changed")
}

// NewNopLogger creates a no-operation logger for testing
func NewNopLogger() Logger {
	return &nopLogger{}
}

// nopLogger is a logger that does nothing (useful for testing)
type nopLogger struct{}

func (n *nopLogger) Debug(msg string)                                          {}
func (n *nopLogger) Info(msg string)                                           {}
func (n *nopLogger) Warn(msg string)                                           {}
func (n *nopLogger) Error(msg string)                                          {}
func (n *nopLogger) Fatal(msg string)                                          {}
func (n *nopLogger) WithField(key string, value interface{}) Logger            { return n }
func (n *nopLogger) WithFields(fields map[string]interface{}) Logger           { return n }
func (n *nopLogger) WithError(err error) Logger                                { return n }
func (n *nopLogger) WithContext(ctx context.Context) Logger                    { return n }
func (n *nopLogger) DebugWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) InfoWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) WarnWithFields(msg string, fields map[string]interface{})  {}
func (n *nopLogger) ErrorWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) FatalWithFields(msg string, fields map[string]interface{}) {}
func (n *nopLogger) GetZerolog() *zerolog.Logger                               { return nil }
