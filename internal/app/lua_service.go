package app

import (
	"github.com/rs/zerolog/log"

	"github.com/Legich55555/mp710Ctrl/internal/config"
	luart "github.com/Legich55555/mp710Ctrl/internal/lua"
	"github.com/Legich55555/mp710Ctrl/internal/transition"
)

// TransitionService holds the transition registry and the Lua scripts registered in it.
type TransitionService struct {
	Registry *transition.Registry
	scripts  []*luart.Script
}

// NewTransitionService registers sunrise, sunset and every configured script.
// Broken scripts are logged and skipped.
func NewTransitionService(cfg *config.Config) *TransitionService {
	ch := cfg.Transitions.Channels
	rgb := transition.RGB{Red: ch.Red, Green: ch.Green, Blue: ch.Blue}

	s := &TransitionService{Registry: transition.NewRegistry(rgb)}
	s.scripts = luart.LoadScripts(cfg.Transitions.Scripts, rgb, s.Registry)

	if dir := cfg.Transitions.ScriptDir; dir != "" {
		scripts, err := luart.LoadDir(dir, rgb, s.Registry)
		if err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Failed to load Lua transitions")
		}
		s.scripts = append(s.scripts, scripts...)
	}

	log.Info().Strs("transitions", s.Registry.Names()).Msg("Transitions registered")
	return s
}

// Close releases the Lua states.
func (s *TransitionService) Close() {
	for _, script := range s.scripts {
		script.Close()
	}
}
