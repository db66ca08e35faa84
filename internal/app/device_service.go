package app

import (
	"io"

	"github.com/rs/zerolog/log"

	"github.com/Legich55555/mp710Ctrl/internal/config"
	"github.com/Legich55555/mp710Ctrl/internal/device"
	"github.com/Legich55555/mp710Ctrl/internal/device/usb"
	"github.com/Legich55555/mp710Ctrl/internal/eventbus"
)

// DeviceService owns the transport and the controller worker.
type DeviceService struct {
	Controller *device.Controller
	transport  io.Closer
}

// NewDeviceService builds the configured transport. Every completed command is
// published on the bus as a change event.
func NewDeviceService(cfg *config.Config, bus *eventbus.Bus) (*DeviceService, error) {
	program, err := device.ProgramByName(cfg.Device.Program)
	if err != nil {
		return nil, err
	}

	s := &DeviceService{}

	var exec device.Executor
	switch cfg.Device.Driver {
	case config.DriverSimulated:
		exec = device.NewSimulator(program, cfg.Device.SimulatedLatency.Duration())
		log.Warn().Msg("Using simulated device, nothing is sent over USB")
	default:
		t := usb.Open(usb.Options{
			Program:      program,
			ReadResponse: cfg.Device.ReadResponse,
			Timeout:      cfg.Device.Timeout.Duration(),
		})
		exec = t
		s.transport = t
	}

	s.Controller = device.New(exec, device.Options{
		MaxQueueSize: cfg.Queue.MaxSize,
		IdleDelay:    cfg.Queue.IdleDelay.Duration(),
		TickDelay:    cfg.Queue.TickDelay.Duration(),
		OnChange: func(ok bool, cmd device.Command) {
			bus.Publish(eventbus.ChangeEvent(ok, cmd))
		},
	})

	return s, nil
}

// Start launches the worker.
func (s *DeviceService) Start() {
	s.Controller.Start()
}

// Close stops the worker, then releases the transport.
func (s *DeviceService) Close() {
	s.Controller.Close()
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close USB transport")
		}
	}
}
