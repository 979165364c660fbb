package application

import (
	"context"
	"log"
	"time"

	"tracker-cloud/internal/observability/metrics"
)

// Sweeper runs the missed-heartbeat sweep on an interval.
type Sweeper struct {
	detector *Detector
	every    time.Duration
	logger   *log.Logger
}

// NewSweeper constructs a sweeper.
func NewSweeper(detector *Detector, every time.Duration, logger *log.Logger) *Sweeper {
	return &Sweeper{detector: detector, every: every, logger: logger}
}

// Start begins the sweep loop and blocks until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil || s.detector == nil || s.every <= 0 {
		return
	}
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started := time.Now()
			if err := s.detector.Sweep(ctx); err != nil {
				metrics.ObserveSweep("heartbeat", "error", time.Since(started))
				if s.logger != nil {
					s.logger.Printf("anomaly: heartbeat sweep error: %v", err)
				}
				continue
			}
			metrics.ObserveSweep("heartbeat", "success", time.Since(started))
		}
	}
}
