// Package sentryutil wires Sentry error reporting into the runtime's
// driver loops: every AppError with an internal or transient-IO type is
// worth a developer's attention even though the bus handles the ack/nak
// decision on its own.
package sentryutil

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/chainalert/runtime/internal/apperrors"
	"github.com/chainalert/runtime/internal/config"
	"github.com/chainalert/runtime/internal/telemetry"
)

// Init initializes Sentry for one binary. Returns nil without initializing
// if cfg.SentryDSN is empty — Sentry reporting degrades gracefully rather
// than blocking startup.
func Init(cfg config.Config) error {
	if cfg.SentryDSN == "" {
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     fmt.Sprintf("%s@1.0.0", cfg.ServiceName),
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			sanitizeEvent(event)
			return event
		},
	})
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	return nil
}

// Flush flushes buffered events before shutdown.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}

// CaptureDecisionWorthy reports err to Sentry only when its ack/nak
// decision is NakRedeliver — a Validation/NotFound/ContractMismatch/Render
// error is an expected, already-handled outcome, not an incident.
func CaptureDecisionWorthy(ctx context.Context, err error, tags map[string]string) {
	if err == nil || apperrors.Decision(err) != apperrors.NakRedeliver {
		return
	}

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
	}
	scope := hub.Scope()

	if correlationID := telemetry.GetCorrelationID(ctx); correlationID != "" {
		scope.SetTag("correlation_id", correlationID)
	}
	for k, v := range tags {
		scope.SetTag(k, v)
	}
	if appErr, ok := err.(*apperrors.AppError); ok {
		scope.SetTag("error_type", string(appErr.Type))
		scope.SetTag("error_code", appErr.Code)
		for k, v := range appErr.Metadata {
			scope.SetExtra(k, v)
		}
	}

	hub.CaptureException(err)
}

// AddBreadcrumb records one step of a driver loop's handling of a message,
// surfaced alongside the next captured exception for that hub.
func AddBreadcrumb(category, message string, level sentry.Level, data map[string]interface{}) {
	sentry.AddBreadcrumb(&sentry.Breadcrumb{
		Category: category,
		Message:  message,
		Level:    level,
		Data:     data,
	})
}

// sanitizeEvent strips headers that could leak credentials into Sentry.
func sanitizeEvent(event *sentry.Event) {
	if event.Request != nil {
		delete(event.Request.Headers, "Authorization")
		delete(event.Request.Headers, "Cookie")
		delete(event.Request.Headers, "X-Api-Key")
	}
}
