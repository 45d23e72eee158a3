package handlers

import (
	"fmt"

	"userbird-backend/internal/config"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
)

// SetupSentry initializes error reporting when SENTRY_DSN is set.
func SetupSentry(e *echo.Echo, cfg *config.Config) {
	if cfg.Sentry.DSN == "" {
		e.Logger.Info("SENTRY_DSN not configured, error reporting disabled")
		return
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.Sentry.DSN,
		AttachStacktrace: true,
		TracesSampleRate: 0.1,
	}); err != nil {
		e.Logger.Warnf("Sentry initialization failed: %v", err)
		return
	}

	e.Use(sentryecho.New(sentryecho.Options{Repanic: true}))
}

func CaptureError(err error) {
	if err == nil {
		return
	}
	sentry.CaptureException(err)
}

// captureRequestError reports an error together with the request it came from.
func captureRequestError(c echo.Context, err error) {
	if hub := sentryecho.GetHubFromContext(c); hub != nil {
		hub.CaptureException(err)
		return
	}
	CaptureError(fmt.Errorf("%s %s: %w", c.Request().Method, c.Path(), err))
}
