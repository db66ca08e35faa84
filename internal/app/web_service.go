package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/Legich55555/mp710Ctrl/internal/config"
	"github.com/Legich55555/mp710Ctrl/internal/control"
	"github.com/Legich55555/mp710Ctrl/internal/discovery"
	"github.com/Legich55555/mp710Ctrl/internal/eventbus"
	"github.com/Legich55555/mp710Ctrl/internal/history"
	"github.com/Legich55555/mp710Ctrl/internal/web"
)

// WebService runs the HTTP control surface and advertises it over mDNS.
type WebService struct {
	cfg        *config.Config
	Server     *web.Server
	advertiser *discovery.Advertiser
}

// NewWebService creates the server. hist may be nil when history is disabled.
func NewWebService(cfg *config.Config, svc *control.Service, hist *history.History, bus *eventbus.Bus) *WebService {
	deps := web.Deps{
		Config:          cfg.Web,
		Control:         svc,
		Version:         Version,
		ShutdownTimeout: cfg.ShutdownTimeout.Duration(),
	}
	if hist != nil {
		deps.History = hist
	}

	s := &WebService{cfg: cfg, Server: web.New(deps)}
	bus.Subscribe(eventbus.EventTypeChange, s.Server.Hub().HandleEvent)
	return s
}

// Start begins serving and, when enabled, registers the mDNS service.
func (s *WebService) Start(ctx context.Context) error {
	if err := s.Server.Start(ctx); err != nil {
		return err
	}

	if s.cfg.Discovery.Enabled {
		adv, err := discovery.Advertise(s.cfg.Discovery, s.Server.Port(), Version)
		if err != nil {
			log.Warn().Err(err).Msg("mDNS advertisement disabled")
		} else {
			s.advertiser = adv
		}
	}
	return nil
}

// Close withdraws the mDNS registration. The server stops with the context.
func (s *WebService) Close() {
	if s.advertiser != nil {
		s.advertiser.Shutdown()
	}
}
