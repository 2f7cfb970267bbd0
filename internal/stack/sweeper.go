package stack

import (
	"context"
	"log/slog"
	"time"
)

// Sweepable drops or retries time-bounded state.
type Sweepable interface {
	Sweep(now time.Time)
}

// Sweeper drives periodic maintenance of pending resolutions and
// incomplete reassembly groups from one goroutine.
type Sweeper struct {
	interval time.Duration
	targets  []Sweepable
}

// NewSweeper creates a sweeper. A non-positive interval defaults to 1s.
func NewSweeper(interval time.Duration, targets ...Sweepable) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{interval: interval, targets: targets}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Debug("sweeper started", "interval", s.interval, "targets", len(s.targets))
	for {
		select {
		case <-ctx.Done():
			slog.Debug("sweeper stopped")
			return
		case now := <-ticker.C:
			s.SweepAll(now)
		}
	}
}

// SweepAll runs one pass over every target.
func (s *Sweeper) SweepAll(now time.Time) {
	for _, t := range s.targets {
		t.Sweep(now)
	}
}
