package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/hollycliff/reverie/pkg/config"
)

// Sweeper drives the two scheduled maintenance jobs: archiving CLOSED
// conversations and flagging long-idle OPEN ones for delayed cleanup.
type Sweeper struct {
	cron *cron.Cron
}

func NewSweeper(svc *Service, cfg config.SweepConfig) (*Sweeper, error) {
	c := cron.New()

	_, err := c.AddFunc(cfg.Schedule, func() {
		archived, err := svc.SweepClosedConversations(context.Background(), cfg.BatchSize)
		if err != nil {
			slog.Warn("scheduled sweep failed", "error", err)
			return
		}
		slog.Info("scheduled sweep done", "archived", archived)
	})
	if err != nil {
		return nil, fmt.Errorf("add sweep schedule %q: %w", cfg.Schedule, err)
	}

	_, err = c.AddFunc(cfg.FlagSchedule, func() {
		flagged, err := svc.FlagOpenForDelayedCleanup(context.Background())
		if err != nil {
			slog.Warn("scheduled idle flagging failed", "error", err)
			return
		}
		slog.Info("scheduled idle flagging done", "flagged", flagged)
	})
	if err != nil {
		return nil, fmt.Errorf("add flag schedule %q: %w", cfg.FlagSchedule, err)
	}

	return &Sweeper{cron: c}, nil
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts scheduling and waits for any running job to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
