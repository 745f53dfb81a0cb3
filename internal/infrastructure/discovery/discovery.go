package discovery

import (
	"context"
	"errors"
	"slices"
	"sync"
)

var ErrUnknownService = errors.New("discovery: unknown service")

// Lister returns the endpoints currently serving a named service.
type Lister interface {
	ListInstances(ctx context.Context, serviceName string) ([]string, error)
}

// Static serves a fixed endpoint list per service.
type Static map[string][]string

func (s Static) ListInstances(_ context.Context, serviceName string) ([]string, error) {
	eps, ok := s[serviceName]
	if !ok {
		return nil, ErrUnknownService
	}
	return slices.Clone(eps), nil
}

// Registry is an in-process registry. Instances register themselves on start and deregister
// on shutdown. Services seeded from a Static list keep those endpoints.
type Registry struct {
	mu        sync.RWMutex
	instances map[string][]string
}

func NewRegistry(seed Static) *Registry {
	r := &Registry{instances: make(map[string][]string, len(seed))}
	for svc, eps := range seed {
		r.instances[svc] = slices.Clone(eps)
	}
	return r
}

func (r *Registry) Register(serviceName, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.instances[serviceName], endpoint) {
		return
	}
	r.instances[serviceName] = append(r.instances[serviceName], endpoint)
}

func (r *Registry) Deregister(serviceName, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	eps := r.instances[serviceName]
	if i := slices.Index(eps, endpoint); i >= 0 {
		r.instances[serviceName] = slices.Delete(slices.Clone(eps), i, i+1)
	}
}

func (r *Registry) ListInstances(_ context.Context, serviceName string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eps, ok := r.instances[serviceName]
	if !ok {
		return nil, ErrUnknownService
	}
	return slices.Clone(eps), nil
}
