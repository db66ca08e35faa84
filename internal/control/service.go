// Package control applies requests from every control surface to the device controller.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Legich55555/mp710Ctrl/internal/device"
	"github.com/Legich55555/mp710Ctrl/internal/eventbus"
	"github.com/Legich55555/mp710Ctrl/internal/transition"
)

var (
	// ErrUnknownTransition is returned when a transition name is not registered.
	ErrUnknownTransition = errors.New("unknown transition")

	// ErrInvalidDuration is returned when a transition would run for a non-positive duration.
	ErrInvalidDuration = errors.New("transition duration must be positive")
)

// Device is the part of device.Controller the control surfaces use.
type Device interface {
	AddCommands(t device.CommandType, param uint8, channels []uint8)
	RunTransition(tr device.Transition, duration time.Duration)
	ChannelValues() []device.Channel
	LastCommands() []device.Command
	WaitForCommands(ctx context.Context, timeout time.Duration) bool
}

// Publisher receives transition events. *eventbus.Bus implements it.
type Publisher interface {
	Publish(eventbus.Event)
}

// Service turns wire messages and named transitions into controller calls.
type Service struct {
	dev             Device
	transitions     *transition.Registry
	defaultDuration time.Duration
	events          Publisher
}

// NewService creates a control service. events may be nil.
func NewService(dev Device, transitions *transition.Registry, defaultDuration time.Duration, events Publisher) *Service {
	return &Service{
		dev:             dev,
		transitions:     transitions,
		defaultDuration: defaultDuration,
		events:          events,
	}
}

// Apply executes a parsed wire message.
func (s *Service) Apply(msg Message, source string) error {
	switch msg.Type {
	case device.SetBrightness:
		s.dev.AddCommands(device.SetBrightness, msg.Param, msg.Channels)
		return nil
	case device.StartSunrise, device.StartSunset:
		name, _ := transition.NameForCommand(msg.Type)
		return s.StartTransition(name, time.Duration(msg.Param)*time.Minute, source)
	default:
		return fmt.Errorf("%w: unknown command type %d", ErrMalformedMessage, msg.Type)
	}
}

// ApplyText parses and applies a wire message. Malformed input is logged and returned.
func (s *Service) ApplyText(text, source string) error {
	msg, err := ParseMessage(text)
	if err != nil {
		log.Warn().Err(err).Str("source", source).Str("message", text).Msg("Dropped malformed message")
		return err
	}
	if err := s.Apply(msg, source); err != nil {
		log.Warn().Err(err).Str("source", source).Str("message", text).Msg("Rejected message")
		return err
	}
	return nil
}

// SetBrightness queues value for every listed channel.
func (s *Service) SetBrightness(value uint8, channels ...uint8) {
	s.dev.AddCommands(device.SetBrightness, value, channels)
}

// Off queues brightness 0 for every channel.
func (s *Service) Off() {
	all := make([]uint8, device.ChannelCount)
	for i := range all {
		all[i] = uint8(i)
	}
	s.dev.AddCommands(device.SetBrightness, 0, all)
}

// StartTransition runs the named transition. A zero duration selects the default.
func (s *Service) StartTransition(name string, duration time.Duration, source string) error {
	tr, ok := s.transitions.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTransition, name)
	}
	if duration == 0 {
		duration = s.defaultDuration
	}
	if duration <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDuration, duration)
	}

	s.dev.RunTransition(tr, duration)
	log.Info().Str("transition", name).Dur("duration", duration).Str("source", source).Msg("Started transition")

	if s.events != nil {
		s.events.Publish(eventbus.TransitionEvent(name, duration, source))
	}
	return nil
}

// Transitions returns the registered transition names.
func (s *Service) Transitions() []string {
	return s.transitions.Names()
}

// Channels returns the committed channel values.
func (s *Service) Channels() []device.Channel {
	return s.dev.ChannelValues()
}

// Snapshot returns the last executed command of every channel.
func (s *Service) Snapshot() []device.Command {
	return s.dev.LastCommands()
}

// Wait blocks until the controller has flushed its queue or timeout expires.
func (s *Service) Wait(ctx context.Context, timeout time.Duration) bool {
	return s.dev.WaitForCommands(ctx, timeout)
}
