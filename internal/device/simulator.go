package device

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Simulator is an Executor that encodes frames and logs them instead of touching USB.
// It lets the daemon and CLI run on machines without the dimmer attached.
type Simulator struct {
	program Program
	latency time.Duration
}

// NewSimulator creates a simulated device. latency emulates the per-command
// open/transfer/close cost of the real transport.
func NewSimulator(program Program, latency time.Duration) *Simulator {
	return &Simulator{program: program, latency: latency}
}

// Exec implements Executor.
func (s *Simulator) Exec(ctx context.Context, cmd Command) error {
	frame := NewFrame(cmd.ChannelIdx, cmd.Param, s.program)

	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	log.Debug().
		Str("frame", frame.String()).
		Uint8("channel", cmd.ChannelIdx).
		Uint8("param", cmd.Param).
		Msg("Simulated device write")
	return nil
}
