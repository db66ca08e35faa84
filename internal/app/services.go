package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/Legich55555/mp710Ctrl/internal/config"
	"github.com/Legich55555/mp710Ctrl/internal/control"
	"github.com/Legich55555/mp710Ctrl/internal/db"
	"github.com/Legich55555/mp710Ctrl/internal/eventbus"
	"github.com/Legich55555/mp710Ctrl/internal/history"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	Bus     *eventbus.Bus
	DB      *db.DB
	History *history.History

	Device      *DeviceService
	Transitions *TransitionService
	Control     *control.Service

	Scheduler *SchedulerService
	Web       *WebService
	Bridges   *BridgeService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	if cfg.History.Enabled {
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.DB = database
		s.History = history.New(database.DB)
		s.Bus.Subscribe(eventbus.EventTypeChange, s.History.Record)
		s.Bus.Subscribe(eventbus.EventTypeTransition, s.History.Record)
	}

	var err error
	s.Device, err = NewDeviceService(cfg, s.Bus)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Transitions = NewTransitionService(cfg)
	s.Control = control.NewService(s.Device.Controller, s.Transitions.Registry, cfg.Transitions.DefaultDuration.Duration(), s.Bus)

	s.Scheduler, err = NewSchedulerService(cfg, s.Control, s.History)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Web = NewWebService(cfg, s.Control, s.History, s.Bus)
	s.Bridges = NewBridgeService(cfg)

	return s, nil
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context) error {
	s.Device.Start()
	s.Bridges.Start(ctx, s.Control, s.Bus)

	if err := s.Web.Start(ctx); err != nil {
		return err
	}

	s.Scheduler.Start(ctx)
	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources. Producers stop before the bus so that late
// change events still reach the subscribers.
func (s *Services) Close() {
	if s.Web != nil {
		s.Web.Close()
	}
	if s.Device != nil {
		s.Device.Close()
	}
	if s.Transitions != nil {
		s.Transitions.Close()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		s.Bus.Close(ctx)
		cancel()
	}
	if s.Bridges != nil {
		s.Bridges.Close()
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
