package device

import (
	"encoding/hex"
	"fmt"
)

// OpWriteRegister is the only opcode the controller sends.
const OpWriteRegister byte = 0x63

// FrameSize is the fixed length of a control frame.
const FrameSize = 8

// ChangeType selects the program the device runs on its own counter after
// the frame is written.
type ChangeType byte

const (
	ChangeNone           ChangeType = 0x00
	ChangeLinearUp       ChangeType = 0x01
	ChangeLinearDown     ChangeType = 0x02
	ChangeLinearCycle    ChangeType = 0x03
	ChangeNonLinearUp    ChangeType = 0x04
	ChangeNonLinearDown  ChangeType = 0x05
	ChangeNonLinearCycle ChangeType = 0x06
)

// Program is the device-side animation that follows a register write.
type Program struct {
	Change  ChangeType
	CmdLoop uint16
	PrgLoop uint16
}

var (
	// SmoothProgram makes the device ease into the value with its non-linear cycle.
	SmoothProgram = Program{Change: ChangeNonLinearCycle, CmdLoop: 30, PrgLoop: 1}

	// StaticProgram is the frame used by the first firmware-agnostic tools: no change
	// program and the maximum loop counters.
	StaticProgram = Program{Change: ChangeNone, CmdLoop: 0x08ff, PrgLoop: 0x08ff}
)

// ProgramByName resolves a configured program name.
func ProgramByName(name string) (Program, error) {
	switch name {
	case "", "smooth":
		return SmoothProgram, nil
	case "static":
		return StaticProgram, nil
	default:
		return Program{}, fmt.Errorf("unknown device program %q (want smooth or static)", name)
	}
}

// Frame is the 8-byte payload of the control transfer:
// [opcode, channel, value, change, cmdLoopHi, cmdLoopLo, prgLoopHi, prgLoopLo].
type Frame [FrameSize]byte

// NewFrame builds the frame writing value to channel with the given program.
func NewFrame(channel, value uint8, p Program) Frame {
	return Frame{
		OpWriteRegister,
		channel,
		value,
		byte(p.Change),
		byte(p.CmdLoop >> 8),
		byte(p.CmdLoop),
		byte(p.PrgLoop >> 8),
		byte(p.PrgLoop),
	}
}

// SetBrightnessFrame is the convenience form used for every brightness command.
func SetBrightnessFrame(channel, value uint8) Frame {
	return NewFrame(channel, value, SmoothProgram)
}

// Bytes returns the frame as a slice suitable for a transfer.
func (f Frame) Bytes() []byte {
	return f[:]
}

func (f Frame) String() string {
	return hex.EncodeToString(f[:])
}
