package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Legich55555/mp710Ctrl/internal/device"
)

// ErrMalformedMessage is returned for wire messages that cannot be parsed.
var ErrMalformedMessage = errors.New("malformed message")

// Message is a parsed wire message: "{type, param, channel, channel, ...}".
// For transition codes the param is the duration in minutes and channels are ignored.
type Message struct {
	Type     device.CommandType
	Param    uint8
	Channels []uint8
}

// ParseMessage parses the comma separated wire format. Braces, brackets and
// whitespace around the numbers are ignored.
func ParseMessage(s string) (Message, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")

	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if len(fields) < 2 {
		return Message{}, fmt.Errorf("%w: want at least type and param, got %d values", ErrMalformedMessage, len(fields))
	}

	nums := make([]uint8, len(fields))
	for i, f := range fields {
		n, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			return Message{}, fmt.Errorf("%w: value %q is not a small unsigned integer", ErrMalformedMessage, f)
		}
		nums[i] = uint8(n)
	}

	msg := Message{Type: device.CommandType(nums[0]), Param: nums[1]}
	switch msg.Type {
	case device.SetBrightness:
		if len(nums) < 3 {
			return Message{}, fmt.Errorf("%w: set_brightness needs at least one channel", ErrMalformedMessage)
		}
		msg.Channels = nums[2:]
	case device.StartSunrise, device.StartSunset:
	default:
		return Message{}, fmt.Errorf("%w: unknown command type %d", ErrMalformedMessage, nums[0])
	}
	return msg, nil
}

// String formats the message in wire format.
func (m Message) String() string {
	parts := []string{strconv.Itoa(int(m.Type)), strconv.Itoa(int(m.Param))}
	for _, ch := range m.Channels {
		parts = append(parts, strconv.Itoa(int(ch)))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// StatusEntry is one channel in a status push.
type StatusEntry struct {
	Type       uint8 `json:"type"`
	ChannelIdx uint8 `json:"channelIdx"`
	Param      uint8 `json:"param"`
}

// Status encodes commands as {"<idx>": {"type":T, "channelIdx":I, "param":P}, ...}.
func Status(cmds ...device.Command) ([]byte, error) {
	out := make(map[string]StatusEntry, len(cmds))
	for _, cmd := range cmds {
		out[strconv.Itoa(int(cmd.ChannelIdx))] = StatusEntry{
			Type:       uint8(cmd.Type),
			ChannelIdx: cmd.ChannelIdx,
			Param:      cmd.Param,
		}
	}
	return json.Marshal(out)
}
