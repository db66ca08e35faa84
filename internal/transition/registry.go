package transition

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Legich55555/mp710Ctrl/internal/device"
)

// Names of the built-in transitions.
const (
	NameSunrise = "sunrise"
	NameSunset  = "sunset"
)

// Registry maps transition names to controllers. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	items map[string]device.Transition
}

// NewRegistry creates a registry preloaded with sunrise and sunset for rgb.
func NewRegistry(rgb RGB) *Registry {
	r := &Registry{items: make(map[string]device.Transition)}
	r.items[NameSunrise] = Sunrise(rgb)
	r.items[NameSunset] = Sunset(rgb)
	return r
}

// Register adds or replaces a transition.
func (r *Registry) Register(name string, tr device.Transition) error {
	if name == "" {
		return fmt.Errorf("transition name is empty")
	}
	if tr == nil {
		return fmt.Errorf("transition %q has no controller", name)
	}
	r.mu.Lock()
	r.items[name] = tr
	r.mu.Unlock()
	return nil
}

// Get looks up a transition by name.
func (r *Registry) Get(name string) (device.Transition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tr, ok := r.items[name]
	return tr, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NameForCommand maps a transition-start command code to its registry name.
func NameForCommand(t device.CommandType) (string, bool) {
	switch t {
	case device.StartSunrise:
		return NameSunrise, true
	case device.StartSunset:
		return NameSunset, true
	default:
		return "", false
	}
}
