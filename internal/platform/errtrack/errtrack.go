// Package errtrack reports internal faults to Sentry. Every function is a
// no-op until Init has been called with a DSN.
package errtrack

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/animus-labs/mediaflow/internal/platform/env"
)

type Config struct {
	DSN              string
	Environment      string
	Release          string
	ServerName       string
	TracesSampleRate float64
}

func ConfigFromEnv(service string) (Config, error) {
	rate, err := env.Float("SENTRY_TRACES_SAMPLE_RATE", 0)
	if err != nil {
		return Config{}, err
	}
	if rate < 0 || rate > 1 {
		return Config{}, fmt.Errorf("SENTRY_TRACES_SAMPLE_RATE must be within [0,1]")
	}
	return Config{
		DSN:              env.String("SENTRY_DSN", ""),
		Environment:      env.String("SENTRY_ENVIRONMENT", "development"),
		Release:          env.String("SENTRY_RELEASE", ""),
		ServerName:       service,
		TracesSampleRate: rate,
	}, nil
}

var enabled atomic.Bool

func Init(cfg Config, logger *slog.Logger) error {
	if cfg.DSN == "" {
		if logger != nil {
			logger.Info("error tracking disabled", "reason", "SENTRY_DSN not set")
		}
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		ServerName:       cfg.ServerName,
		TracesSampleRate: cfg.TracesSampleRate,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			if event.Request != nil && event.Request.Headers != nil {
				delete(event.Request.Headers, "Authorization")
				delete(event.Request.Headers, "Cookie")
			}
			return event
		},
	})
	if err != nil {
		return fmt.Errorf("sentry init: %w", err)
	}
	enabled.Store(true)
	if logger != nil {
		logger.Info("error tracking enabled", "environment", cfg.Environment)
	}
	return nil
}

func Enabled() bool {
	return enabled.Load()
}

// CaptureError reports err with tags attached to a scope local to this event.
func CaptureError(err error, tags map[string]string) {
	if err == nil || !Enabled() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}

// CapturePanic converts a recovered value to an error and reports it.
func CapturePanic(v any, tags map[string]string) error {
	err, ok := v.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", v)
	}
	CaptureError(err, tags)
	return err
}

func Flush(timeout time.Duration) bool {
	if !Enabled() {
		return true
	}
	return sentry.Flush(timeout)
}
