// Package discovery advertises the control page over mDNS.
package discovery

import (
	"fmt"

	"github.com/enbility/zeroconf/v3"
	"github.com/rs/zerolog/log"

	"github.com/Legich55555/mp710Ctrl/internal/config"
)

// Advertiser holds a running mDNS registration.
type Advertiser struct {
	server *zeroconf.Server
}

// TXTRecords describes the service to browsers.
func TXTRecords(version string) []string {
	return []string{
		"path=/",
		"ws=/ws",
		"channels=16",
		"version=" + version,
	}
}

// Advertise registers the web server port on every interface.
func Advertise(cfg config.DiscoveryConfig, port int, version string) (*Advertiser, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port %d", port)
	}

	server, err := zeroconf.Register(cfg.Instance, cfg.Service, cfg.Domain, port, TXTRecords(version), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mdns service: %w", err)
	}

	log.Info().
		Str("instance", cfg.Instance).
		Str("service", cfg.Service).
		Int("port", port).
		Msg("Advertising control page over mDNS")

	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the registration.
func (a *Advertiser) Shutdown() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}
