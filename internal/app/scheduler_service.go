package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Legich55555/mp710Ctrl/internal/config"
	"github.com/Legich55555/mp710Ctrl/internal/geo"
	"github.com/Legich55555/mp710Ctrl/internal/history"
	"github.com/Legich55555/mp710Ctrl/internal/scheduler"
)

// SchedulerService wraps the scheduler and the history retention task.
type SchedulerService struct {
	cfg       *config.Config
	Scheduler *scheduler.Scheduler
	history   *history.History
}

// NewSchedulerService creates the scheduler and registers the configured schedules.
func NewSchedulerService(cfg *config.Config, runner scheduler.Runner, hist *history.History) (*SchedulerService, error) {
	tz, err := time.LoadLocation(cfg.Geo.Timezone)
	if err != nil {
		log.Warn().Err(err).Str("timezone", cfg.Geo.Timezone).Msg("Failed to load timezone, using UTC")
		tz = time.UTC
	}

	var calc *geo.Calculator
	if cfg.Geo.Lat != 0 || cfg.Geo.Lon != 0 {
		calc = geo.NewCalculator(cfg.Geo.Lat, cfg.Geo.Lon)
	} else if len(cfg.Schedules) > 0 {
		log.Info().Msg("No geo.lat/geo.lon configured, sun-relative schedules (@sunrise, @sunset, ...) are unavailable")
	}

	sched := scheduler.New(runner, scheduler.NewEvaluator(calc, tz))
	for _, sc := range cfg.Schedules {
		if err := sched.Define(sc.ID, sc.At, sc.Transition, sc.Duration.Duration()); err != nil {
			return nil, fmt.Errorf("invalid schedule: %w", err)
		}
	}

	return &SchedulerService{cfg: cfg, Scheduler: sched, history: hist}, nil
}

// Start resumes an interrupted scheduled transition and starts the scheduler loop.
func (s *SchedulerService) Start(ctx context.Context) {
	if len(s.cfg.Schedules) > 0 {
		s.Scheduler.ResumeInProgress()

		go func() {
			if err := s.Scheduler.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Scheduler error")
			}
		}()
	} else {
		log.Info().Msg("No schedules configured")
	}

	if s.history != nil {
		retention := time.Duration(s.cfg.History.RetentionDays) * 24 * time.Hour
		go s.history.RunCleanup(ctx, s.cfg.History.CleanupInterval.Duration(), retention)
	}
}
