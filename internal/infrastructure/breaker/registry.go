package breaker

import "sync"

// SettingsFunc returns the settings configured for a breaker name.
type SettingsFunc func(name string) Settings

// Registry hands out one Breaker per name. Breakers are created on first use.
type Registry struct {
	settings SettingsFunc
	opts     []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(settings SettingsFunc, opts ...Option) *Registry {
	if settings == nil {
		settings = func(string) Settings { return DefaultSettings() }
	}
	return &Registry{
		settings: settings,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.settings(name), r.opts...)
	r.breakers[name] = b
	return b
}
