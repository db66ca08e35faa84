package lua

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Legich55555/mp710Ctrl/internal/device"
	"github.com/Legich55555/mp710Ctrl/internal/transition"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const mapScript = `
local device = require("device")
local log = require("log")

log.debug("candle loaded", { channels = 2 })

function transition(start, duration_ms, elapsed_ms)
  local v = device.lerp(start[0], device.brightness_max, elapsed_ms, duration_ms)
  return { [0] = v, [device.rgb.red] = 200, [99] = 1 }
end
`

const listScript = `
function transition(start, duration_ms, elapsed_ms)
  return {
    { channel = 3, value = start[3] + 1 },
    { channel = 4, value = -5 },
  }
end
`

func TestScript_MapResult(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "candle.lua", mapScript)

	s, err := LoadScript("candle", path, transition.DefaultRGB)
	require.NoError(t, err)
	defer s.Close()

	start := make([]uint8, device.ChannelCount)
	got := s.Step(start, time.Second, 500*time.Millisecond)

	assert.Equal(t, []device.Channel{
		{Idx: 0, Value: 64},
		{Idx: transition.DefaultRGB.Red, Value: device.BrightnessMax},
	}, got)
}

func TestScript_ListResult(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "pulse.lua", listScript)

	s, err := LoadScript("pulse", path, transition.DefaultRGB)
	require.NoError(t, err)
	defer s.Close()

	start := make([]uint8, device.ChannelCount)
	start[3] = 41
	got := s.Step(start, time.Second, 0)

	assert.Equal(t, []device.Channel{{Idx: 3, Value: 42}, {Idx: 4, Value: 0}}, got)
}

func TestScript_MissingFunction(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "empty.lua", `x = 1`)

	_, err := LoadScript("empty", path, transition.DefaultRGB)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoTransitionFunc))
}

func TestScript_SyntaxError(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "broken.lua", `function transition(`)

	_, err := LoadScript("broken", path, transition.DefaultRGB)
	assert.Error(t, err)
}

func TestScript_RuntimeErrorYieldsNoTargets(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "boom.lua", `function transition() error("boom") end`)

	s, err := LoadScript("boom", path, transition.DefaultRGB)
	require.NoError(t, err)
	defer s.Close()

	assert.Nil(t, s.Step(make([]uint8, device.ChannelCount), time.Second, 0))

	targets, err := s.StepContext(context.Background(), make([]uint8, device.ChannelCount), time.Second, 0)
	assert.Nil(t, targets)
	assert.ErrorContains(t, err, "boom")
}

const loopScript = `function transition(start, duration_ms, elapsed_ms) while true do end end`

func TestScript_StepTimesOut(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "spin.lua", loopScript)

	s, err := LoadScript("spin", path, transition.DefaultRGB)
	require.NoError(t, err)
	defer s.Close()

	begin := time.Now()
	_, err = s.StepContext(context.Background(), make([]uint8, device.ChannelCount), time.Second, 0)
	assert.Error(t, err)
	assert.Less(t, time.Since(begin), StepTimeout+time.Second)

	// The state stays usable after an aborted call.
	_, err = s.StepContext(context.Background(), make([]uint8, device.ChannelCount), time.Second, 0)
	assert.Error(t, err)
}

func TestScript_StepStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "spin.lua", loopScript)

	s, err := LoadScript("spin", path, transition.DefaultRGB)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.StepContext(ctx, make([]uint8, device.ChannelCount), time.Second, 0)
	assert.Error(t, err)
}

// countingExec records executed commands for controller tests.
type countingExec struct {
	mu   sync.Mutex
	cmds []device.Command
}

func (e *countingExec) Exec(ctx context.Context, cmd device.Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cmds = append(e.cmds, cmd)
	return nil
}

func (e *countingExec) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cmds)
}

func TestScript_LoopingTransitionDoesNotBlockController(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "spin.lua", loopScript)

	s, err := LoadScript("spin", path, transition.DefaultRGB)
	require.NoError(t, err)
	defer s.Close()

	exec := &countingExec{}
	c := device.New(exec, device.Options{})
	c.Start()

	c.RunTransition(s, time.Minute)
	time.Sleep(50 * time.Millisecond)

	c.AddCommand(device.SetBrightness, 10, 0)
	require.True(t, c.WaitForCommands(context.Background(), 2*time.Second))
	assert.Equal(t, uint8(10), c.ChannelValues()[0].Value)
	assert.Equal(t, 1, exec.count())

	c.RunTransition(s, time.Minute)
	time.Sleep(50 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while a script was running")
	}
}

func TestScript_FailingTransitionIsCancelled(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "spin.lua", loopScript)

	s, err := LoadScript("spin", path, transition.DefaultRGB)
	require.NoError(t, err)
	defer s.Close()

	c := device.New(&countingExec{}, device.Options{})
	c.Start()
	defer c.Close()

	c.RunTransition(s, time.Hour)
	require.Eventually(t, func() bool { return !c.TransitionActive() }, StepTimeout+2*time.Second, 10*time.Millisecond)
}

func TestScript_StepAfterClose(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "pulse.lua", listScript)

	s, err := LoadScript("pulse", path, transition.DefaultRGB)
	require.NoError(t, err)
	s.Close()

	assert.Nil(t, s.Step(make([]uint8, device.ChannelCount), time.Second, 0))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "candle.lua", mapScript)
	writeScript(t, dir, "empty.lua", `x = 1`)
	writeScript(t, dir, "notes.txt", `not lua`)

	reg := transition.NewRegistry(transition.DefaultRGB)
	scripts, err := LoadDir(dir, transition.DefaultRGB, reg)
	require.NoError(t, err)
	defer func() {
		for _, s := range scripts {
			s.Close()
		}
	}()

	require.Len(t, scripts, 1)
	assert.Equal(t, "candle", scripts[0].Name())
	assert.Equal(t, []string{"candle", transition.NameSunrise, transition.NameSunset}, reg.Names())
}

func TestLoadDir_Missing(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "nope"), transition.DefaultRGB, transition.NewRegistry(transition.DefaultRGB))
	assert.Error(t, err)
}

func TestLoadScripts(t *testing.T) {
	dir := t.TempDir()
	good := writeScript(t, dir, "pulse.lua", listScript)

	reg := transition.NewRegistry(transition.DefaultRGB)
	scripts := LoadScripts(map[string]string{
		"pulse":   good,
		"missing": filepath.Join(dir, "missing.lua"),
	}, transition.DefaultRGB, reg)
	defer func() {
		for _, s := range scripts {
			s.Close()
		}
	}()

	require.Len(t, scripts, 1)
	_, ok := reg.Get("pulse")
	assert.True(t, ok)
	_, ok = reg.Get("missing")
	assert.False(t, ok)
}
