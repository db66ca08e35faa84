// Package device implements the MP710 command queue, its single worker loop and the
// 8-byte control frame the dimmer understands.
package device

import (
	"context"
	"fmt"
	"time"
)

const (
	// ChannelCount is the number of independently dimmable outputs on the MP710.
	ChannelCount = 16

	// BrightnessMax is the highest brightness level. The range 0..128 is inclusive.
	BrightnessMax = 128
)

// CommandType identifies what a command asks the device to do.
// The numeric values are part of the control-surface wire format.
type CommandType uint8

const (
	NotSet        CommandType = 0
	SetBrightness CommandType = 1
	StartSunrise  CommandType = 2
	StartSunset   CommandType = 3
)

func (t CommandType) String() string {
	switch t {
	case NotSet:
		return "not_set"
	case SetBrightness:
		return "set_brightness"
	case StartSunrise:
		return "start_sunrise"
	case StartSunset:
		return "start_sunset"
	default:
		return fmt.Sprintf("command_type(%d)", uint8(t))
	}
}

// Command is a single request for one channel. It is consumed once by the worker.
type Command struct {
	Type       CommandType
	ChannelIdx uint8
	Param      uint8
}

// Channel is the last committed brightness of one output.
type Channel struct {
	Idx   uint8
	Value uint8
}

// Executor performs one command against the hardware.
type Executor interface {
	Exec(ctx context.Context, cmd Command) error
}

// Transition computes target channel values for a point in time of a running transition.
// Implementations must be pure with respect to their arguments.
type Transition interface {
	Step(start []uint8, duration, elapsed time.Duration) []Channel
}

// TransitionFunc adapts a plain function to the Transition interface.
type TransitionFunc func(start []uint8, duration, elapsed time.Duration) []Channel

// Step calls f.
func (f TransitionFunc) Step(start []uint8, duration, elapsed time.Duration) []Channel {
	return f(start, duration, elapsed)
}

// ContextTransition is a Transition that can block, such as a script. The worker
// prefers StepContext; ctx is cancelled as soon as the transition is replaced,
// cancelled by a command or the controller is closed. An error cancels the transition.
type ContextTransition interface {
	Transition
	StepContext(ctx context.Context, start []uint8, duration, elapsed time.Duration) ([]Channel, error)
}

// ChangeFunc is notified by the worker after every executed command.
type ChangeFunc func(ok bool, cmd Command)
