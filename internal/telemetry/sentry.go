// Package telemetry wires error reporting. Tracing setup lives with
// the HTTP middleware; this covers Sentry.
package telemetry

import (
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/opensource-finance/ibis/internal/domain"
)

// InitSentry configures the Sentry client. A disabled config or empty
// DSN leaves error reporting off without failing startup.
func InitSentry(cfg domain.SentryConfig, release string) error {
	if !cfg.Enabled || cfg.DSN == "" {
		slog.Info("sentry disabled")
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          release,
		TracesSampleRate: cfg.SampleRate,
	})
	if err != nil {
		return err
	}

	slog.Info("sentry initialized", "environment", cfg.Environment)
	return nil
}

// Flush drains buffered events, typically on shutdown.
func Flush() {
	sentry.Flush(2 * time.Second)
}

// CaptureError reports an error with optional tags.
func CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// CapturePanic reports a recovered panic value.
func CapturePanic(recovered interface{}, tags map[string]string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CurrentHub().Recover(recovered)
	})
}
