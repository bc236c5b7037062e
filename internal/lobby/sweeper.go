package lobby

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Sweeper runs Manager.SweepInactive on a fixed interval. It backs up the
// client-driven CheckAbandonment for lobbies nobody is polling.
type Sweeper struct {
	mgr      *Manager
	interval time.Duration
	clock    clock.Clock
	log      logrus.FieldLogger
}

func NewSweeper(mgr *Manager, interval time.Duration, clk clock.Clock, log logrus.FieldLogger) *Sweeper {
	return &Sweeper{mgr: mgr, interval: interval, clock: clk, log: log}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()
	s.log.WithField("interval", s.interval).Info("lobby sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info("lobby sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.mgr.SweepInactive(ctx); err != nil && ctx.Err() == nil {
				s.log.WithError(err).Warn("lobby sweep failed")
			}
		}
	}
}
