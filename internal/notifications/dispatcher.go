// Package notifications delivers the side effects of feedback activity:
// emails, Slack posts and live dashboard events.
package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
)

const taskTimeout = time.Minute

// Dispatcher runs best-effort tasks in the background. Failures and panics
// are logged and reported to Sentry; callers never see the outcome.
type Dispatcher struct {
	logger echo.Logger
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewDispatcher(logger echo.Logger) *Dispatcher {
	return &Dispatcher{logger: logger}
}

// Go runs task in the background. Tasks submitted after Close are dropped.
func (d *Dispatcher) Go(name string, task func(ctx context.Context) error) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Warnf("Dispatcher closed, dropping task %s", name)
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("task %s panicked: %v", name, r)
				sentry.CaptureException(err)
				d.logger.Error(err)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
		defer cancel()

		if err := task(ctx); err != nil {
			sentry.CaptureException(fmt.Errorf("%s: %w", name, err))
			d.logger.Errorf("Background task %s failed: %v", name, err)
		}
	}()
	return true
}

// Wait blocks until every dispatched task has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting tasks and waits for the running ones.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
