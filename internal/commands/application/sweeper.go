package application

import (
	"context"
	"log"
	"time"

	"tracker-cloud/internal/observability/metrics"
)

// TimeoutSweeper periodically fails delivered commands that were never
// acknowledged.
type TimeoutSweeper struct {
	dispatcher *Dispatcher
	every      time.Duration
	logger     *log.Logger
}

// NewTimeoutSweeper constructs a sweeper.
func NewTimeoutSweeper(dispatcher *Dispatcher, every time.Duration, logger *log.Logger) *TimeoutSweeper {
	if logger == nil {
		logger = log.Default()
	}
	return &TimeoutSweeper{dispatcher: dispatcher, every: every, logger: logger}
}

// Start runs the sweep loop until the context is cancelled.
func (s *TimeoutSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			failed, err := s.dispatcher.MarkTimeouts(ctx)
			if err != nil {
				metrics.ObserveSweep("command_timeout", "error", time.Since(start))
				s.logger.Printf("commands: timeout sweep: %v", err)
				continue
			}
			metrics.ObserveSweep("command_timeout", "ok", time.Since(start))
			if failed > 0 {
				s.logger.Printf("commands: timed out %d command(s)", failed)
			}
		}
	}
}
