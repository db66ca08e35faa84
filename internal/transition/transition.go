// Package transition holds the built-in time-driven transition controllers.
package transition

import (
	"time"

	"github.com/Legich55555/mp710Ctrl/internal/device"
)

// RGB names the three channels a colour transition drives.
type RGB struct {
	Red   uint8 `yaml:"red"`
	Green uint8 `yaml:"green"`
	Blue  uint8 `yaml:"blue"`
}

// DefaultRGB is the wiring of the LED strip in the bedroom fixture.
var DefaultRGB = RGB{Red: 14, Green: 13, Blue: 12}

// LinearTransform interpolates between start and end. The result never leaves the
// [start, end] interval nor the device brightness range.
func LinearTransform(start, end uint8, elapsedMs, durationMs int64) uint8 {
	if durationMs <= 0 || elapsedMs >= durationMs {
		return end
	}
	if elapsedMs <= 0 {
		return start
	}

	v := int64(start) + (int64(end)-int64(start))*elapsedMs/durationMs

	lo, hi := int64(start), int64(end)
	if lo > hi {
		lo, hi = hi, lo
	}
	v = min(max(v, lo), hi)
	v = min(max(v, 0), device.BrightnessMax)
	return uint8(v)
}

// Phased drives its channels one after another. The duration is split into equal
// phases; a finished phase snaps to Target, a pending one holds its start value.
type Phased struct {
	Channels []uint8
	Target   uint8
}

// Step implements device.Transition.
func (p Phased) Step(start []uint8, duration, elapsed time.Duration) []device.Channel {
	if len(p.Channels) == 0 {
		return nil
	}

	totalMs := duration.Milliseconds()
	elapsedMs := elapsed.Milliseconds()
	phaseMs := totalMs / int64(len(p.Channels))

	out := make([]device.Channel, 0, len(p.Channels))
	for i, ch := range p.Channels {
		if int(ch) >= len(start) {
			continue
		}
		from := start[ch]
		phaseStart := int64(i) * phaseMs
		phaseEnd := phaseStart + phaseMs

		var v uint8
		switch {
		case elapsedMs > phaseEnd:
			v = p.Target
		case elapsedMs <= phaseStart:
			v = from
		default:
			v = LinearTransform(from, p.Target, elapsedMs-phaseStart, phaseMs)
		}
		out = append(out, device.Channel{Idx: ch, Value: v})
	}
	return out
}

// Sunrise brings red, then green, then blue up to full brightness.
func Sunrise(rgb RGB) Phased {
	return Phased{Channels: []uint8{rgb.Red, rgb.Green, rgb.Blue}, Target: device.BrightnessMax}
}

// Sunset mirrors Sunrise: the same phases in the same channel order, taking red,
// then green, then blue down to zero.
func Sunset(rgb RGB) Phased {
	return Phased{Channels: []uint8{rgb.Red, rgb.Green, rgb.Blue}, Target: 0}
}
