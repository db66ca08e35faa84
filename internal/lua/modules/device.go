package modules

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/Legich55555/mp710Ctrl/internal/device"
	"github.com/Legich55555/mp710Ctrl/internal/transition"
)

// DeviceModule exposes the dimmer limits, the configured colour channels and the
// interpolation helper used by the built-in transitions.
type DeviceModule struct {
	rgb transition.RGB
}

// NewDeviceModule creates the module.
func NewDeviceModule(rgb transition.RGB) *DeviceModule {
	return &DeviceModule{rgb: rgb}
}

// Loader is the module loader for Lua
func (m *DeviceModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "channel_count", lua.LNumber(device.ChannelCount))
	L.SetField(mod, "brightness_max", lua.LNumber(device.BrightnessMax))

	L.SetField(mod, "rgb", GoToLuaValue(L, map[string]interface{}{
		"red":   m.rgb.Red,
		"green": m.rgb.Green,
		"blue":  m.rgb.Blue,
	}))

	L.SetField(mod, "lerp", L.NewFunction(m.lerp))

	L.Push(mod)
	return 1
}

// lerp(start, end, elapsed_ms, duration_ms) -> value
func (m *DeviceModule) lerp(L *lua.LState) int {
	start := clampLevel(L.CheckInt(1))
	end := clampLevel(L.CheckInt(2))
	elapsed := L.CheckInt64(3)
	duration := L.CheckInt64(4)

	L.Push(lua.LNumber(transition.LinearTransform(start, end, elapsed, duration)))
	return 1
}

func clampLevel(v int) uint8 {
	return uint8(min(max(v, 0), device.BrightnessMax))
}
