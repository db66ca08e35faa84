// Package lua loads user transition controllers written in Lua.
//
// A script defines a global function
//
//	function transition(start, duration_ms, elapsed_ms) ... end
//
// where start is a table indexed by channel (0..15). It returns either a table
// mapping channel index to value or a list of {channel=, value=} tables.
package lua

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/Legich55555/mp710Ctrl/internal/device"
	"github.com/Legich55555/mp710Ctrl/internal/lua/modules"
	"github.com/Legich55555/mp710Ctrl/internal/transition"
)

// ErrNoTransitionFunc is returned when a script does not define a transition function.
var ErrNoTransitionFunc = errors.New("script does not define a global transition function")

const entryPoint = "transition"

// StepTimeout bounds a single call into a script. A step that runs longer fails and
// cancels the transition.
const StepTimeout = 250 * time.Millisecond

// Script is a device.Transition backed by its own Lua state.
// Calls are serialized because an LState is not safe for concurrent use.
type Script struct {
	name string
	path string

	mu sync.Mutex
	L  *lua.LState
	fn *lua.LFunction
}

// LoadScript executes the file at path and resolves its transition function.
func LoadScript(name, path string, rgb transition.RGB) (*Script, error) {
	L := lua.NewState()
	L.PreloadModule("log", modules.NewLogModule(name).Loader)
	L.PreloadModule("device", modules.NewDeviceModule(rgb).Loader)

	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to execute Lua script %s: %w", path, err)
	}

	fn, ok := L.GetGlobal(entryPoint).(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrNoTransitionFunc)
	}

	return &Script{name: name, path: path, L: L, fn: fn}, nil
}

// Name returns the registry name of the script.
func (s *Script) Name() string {
	return s.name
}

// Step implements device.Transition. A script error yields no targets.
func (s *Script) Step(start []uint8, duration, elapsed time.Duration) []device.Channel {
	targets, err := s.StepContext(context.Background(), start, duration, elapsed)
	if err != nil {
		log.Warn().Err(err).Str("script", s.name).Msg("Lua transition step failed")
	}
	return targets
}

// StepContext implements device.ContextTransition. The call is aborted when ctx is
// done or StepTimeout passes.
func (s *Script) StepContext(ctx context.Context, start []uint8, duration, elapsed time.Duration) ([]device.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.L == nil {
		return nil, fmt.Errorf("script %s is closed", s.name)
	}

	ctx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()
	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	startTbl := s.L.NewTable()
	for idx, v := range start {
		startTbl.RawSetInt(idx, lua.LNumber(v))
	}

	err := s.L.CallByParam(lua.P{Fn: s.fn, NRet: 1, Protect: true},
		startTbl, lua.LNumber(duration.Milliseconds()), lua.LNumber(elapsed.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", s.name, err)
	}

	ret := s.L.Get(-1)
	s.L.Pop(1)

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, nil
	}
	return parseTargets(tbl), nil
}

// Close releases the Lua state.
func (s *Script) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.L != nil {
		s.L.Close()
		s.L = nil
	}
}

func parseTargets(tbl *lua.LTable) []device.Channel {
	var out []device.Channel

	tbl.ForEach(func(key, value lua.LValue) {
		if entry, ok := value.(*lua.LTable); ok {
			ch, chOK := entry.RawGetString("channel").(lua.LNumber)
			v, vOK := entry.RawGetString("value").(lua.LNumber)
			if chOK && vOK {
				if target, ok := toChannel(ch, v); ok {
					out = append(out, target)
				}
			}
			return
		}

		k, kOK := key.(lua.LNumber)
		v, vOK := value.(lua.LNumber)
		if kOK && vOK {
			if target, ok := toChannel(k, v); ok {
				out = append(out, target)
			}
		}
	})

	sort.Slice(out, func(i, j int) bool { return out[i].Idx < out[j].Idx })
	return out
}

func toChannel(idx, value lua.LNumber) (device.Channel, bool) {
	if idx < 0 || idx >= device.ChannelCount {
		return device.Channel{}, false
	}
	v := min(max(int(value), 0), device.BrightnessMax)
	return device.Channel{Idx: uint8(idx), Value: uint8(v)}, true
}

// LoadScripts registers each named script file. Scripts that fail to load are logged
// and skipped. The returned scripts must be closed by the caller.
func LoadScripts(paths map[string]string, rgb transition.RGB, reg *transition.Registry) []*Script {
	names := make([]string, 0, len(paths))
	for name := range paths {
		names = append(names, name)
	}
	sort.Strings(names)

	var scripts []*Script
	for _, name := range names {
		if s := register(name, paths[name], rgb, reg); s != nil {
			scripts = append(scripts, s)
		}
	}
	return scripts
}

func register(name, path string, rgb transition.RGB, reg *transition.Registry) *Script {
	s, err := LoadScript(name, path, rgb)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Skipping Lua transition")
		return nil
	}
	if err := reg.Register(name, s); err != nil {
		s.Close()
		log.Error().Err(err).Str("path", path).Msg("Skipping Lua transition")
		return nil
	}

	log.Info().Str("name", name).Str("path", path).Msg("Loaded Lua transition")
	return s
}

// LoadDir registers every *.lua file in dir under its base name. Scripts that fail to
// load are logged and skipped. The returned scripts must be closed by the caller.
func LoadDir(dir string, rgb transition.RGB, reg *transition.Registry) ([]*Script, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read script directory: %w", err)
	}

	var scripts []*Script
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".lua" {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".lua")
		if s := register(name, filepath.Join(dir, e.Name()), rgb, reg); s != nil {
			scripts = append(scripts, s)
		}
	}
	return scripts, nil
}
