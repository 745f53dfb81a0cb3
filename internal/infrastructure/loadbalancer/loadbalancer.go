package loadbalancer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/discovery"
	"github.com/Zhima-Mochi/minishop-orders/internal/observability"
)

var ErrNoInstance = errors.New("loadbalancer: no instance available")

const DefaultRefreshInterval = 30 * time.Second

type pool struct {
	endpoints atomic.Pointer[[]string]
	next      atomic.Uint64
}

func (p *pool) choose() (string, bool) {
	eps := p.endpoints.Load()
	if eps == nil || len(*eps) == 0 {
		return "", false
	}
	i := p.next.Add(1) - 1
	return (*eps)[i%uint64(len(*eps))], true
}

// Manager keeps one round-robin pool per service, refreshed from discovery.
// The set of services is fixed at construction.
type Manager struct {
	lister   discovery.Lister
	interval time.Duration
	pools    map[string]*pool

	log     observability.Logger
	refresh observability.Counter
}

type Option func(*Manager)

func WithRefreshInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithObservability(tel observability.Observability) Option {
	return func(m *Manager) {
		if tel == nil {
			return
		}
		m.log = tel.Logger()
		m.refresh = tel.Metrics().Counter(observability.MLoadBalancerRefresh)
	}
}

func New(lister discovery.Lister, services []string, opts ...Option) *Manager {
	m := &Manager{
		lister:   lister,
		interval: DefaultRefreshInterval,
		pools:    make(map[string]*pool, len(services)),
		log:      observability.NopLogger(),
		refresh:  observability.NopCounter(),
	}
	for _, svc := range services {
		m.pools[svc] = &pool{}
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(observability.F("component", "load_balancer"))
	return m
}

// Choose returns the next endpoint of serviceName in round-robin order.
func (m *Manager) Choose(serviceName string) (string, error) {
	p, ok := m.pools[serviceName]
	if !ok {
		return "", fmt.Errorf("%w: unknown service %q", ErrNoInstance, serviceName)
	}
	ep, ok := p.choose()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoInstance, serviceName)
	}
	return ep, nil
}

// Endpoints returns the current pool of serviceName.
func (m *Manager) Endpoints(serviceName string) []string {
	p, ok := m.pools[serviceName]
	if !ok {
		return nil
	}
	eps := p.endpoints.Load()
	if eps == nil {
		return nil
	}
	return slices.Clone(*eps)
}

// Refresh reloads every pool once. A failed listing keeps the previous endpoints.
func (m *Manager) Refresh(ctx context.Context) error {
	var errs []error
	for svc, p := range m.pools {
		eps, err := m.lister.ListInstances(ctx, svc)
		if err != nil && !errors.Is(err, discovery.ErrUnknownService) {
			m.refresh.Add(1, observability.L("service", svc), observability.L("outcome", "error"))
			m.log.Warn("load_balancer_refresh_failed", observability.F("service", svc), observability.F("error", err))
			errs = append(errs, fmt.Errorf("refresh %s: %w", svc, err))
			continue
		}
		old := p.endpoints.Swap(&eps)
		m.refresh.Add(1, observability.L("service", svc), observability.L("outcome", "success"))
		if old == nil || !slices.Equal(*old, eps) {
			m.log.Info("load_balancer_pool_updated",
				observability.F("service", svc),
				observability.F("instances", len(eps)),
			)
		}
	}
	return errors.Join(errs...)
}

// Start refreshes immediately and then every refresh interval until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	_ = m.Refresh(ctx)
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = m.Refresh(ctx)
			}
		}
	}()
}
