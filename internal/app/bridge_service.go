package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/Legich55555/mp710Ctrl/internal/config"
	"github.com/Legich55555/mp710Ctrl/internal/control"
	"github.com/Legich55555/mp710Ctrl/internal/eventbus"
	"github.com/Legich55555/mp710Ctrl/internal/mqtt"
	"github.com/Legich55555/mp710Ctrl/internal/telemetry"
)

// BridgeService connects the optional outbound integrations: MQTT and InfluxDB.
// A broker or database that cannot be reached disables that integration only.
type BridgeService struct {
	cfg *config.Config

	MQTT      *mqtt.Bridge
	Telemetry *telemetry.Recorder
}

// NewBridgeService creates the service. Nothing connects until Start.
func NewBridgeService(cfg *config.Config) *BridgeService {
	return &BridgeService{cfg: cfg}
}

// Start connects the enabled integrations and subscribes them to the bus.
func (s *BridgeService) Start(ctx context.Context, svc *control.Service, bus *eventbus.Bus) {
	if s.cfg.MQTT.Enabled {
		bridge, err := mqtt.Connect(s.cfg.MQTT, svc, s.cfg.Web.RateLimit, s.cfg.Web.RateBurst)
		if err != nil {
			log.Error().Err(err).Str("broker", s.cfg.MQTT.Broker).Msg("MQTT bridge disabled")
		} else {
			s.MQTT = bridge
			bus.Subscribe(eventbus.EventTypeChange, bridge.HandleEvent)
			bus.Subscribe(eventbus.EventTypeTransition, bridge.HandleEvent)
		}
	}

	if s.cfg.Telemetry.Enabled {
		recorder, err := telemetry.Connect(ctx, s.cfg.Telemetry)
		if err != nil {
			log.Error().Err(err).Str("url", s.cfg.Telemetry.URL).Msg("Telemetry disabled")
		} else {
			s.Telemetry = recorder
			bus.Subscribe(eventbus.EventTypeChange, recorder.HandleEvent)
		}
	}
}

// Close disconnects everything that was connected.
func (s *BridgeService) Close() {
	if s.MQTT != nil {
		s.MQTT.Close()
	}
	if s.Telemetry != nil {
		s.Telemetry.Close()
	}
}
