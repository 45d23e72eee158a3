package dnsverify

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
)

// Scheduler runs RunScheduledCheck on every interval boundary in UTC, so a
// 6h interval fires at 00:00, 06:00, 12:00 and 18:00.
type Scheduler struct {
	service  *Service
	interval time.Duration
	logger   echo.Logger
	stop     chan struct{}
	done     chan struct{}
}

func NewScheduler(service *Service, interval time.Duration, logger echo.Logger) *Scheduler {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Scheduler{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// NextRun returns the first interval boundary strictly after now.
func NextRun(now time.Time, interval time.Duration) time.Time {
	now = now.UTC()
	next := now.Truncate(interval).Add(interval)
	return next
}

func (s *Scheduler) Start() {
	go func() {
		defer close(s.done)
		for {
			wait := time.Until(NextRun(time.Now(), s.interval))
			timer := time.NewTimer(wait)
			select {
			case <-s.stop:
				timer.Stop()
				return
			case <-timer.C:
			}

			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if _, err := s.service.RunScheduledCheck(ctx); err != nil {
				s.logger.Errorf("Scheduled DNS check: %v", err)
			}
			cancel()
		}
	}()
	s.logger.Infof("DNS verification scheduler started, every %s", s.interval)
}

// Stop ends the loop and waits for a running check to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}
