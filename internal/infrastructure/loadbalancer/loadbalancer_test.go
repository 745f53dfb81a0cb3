package loadbalancer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/discovery"
)

type flakyLister struct {
	mu   sync.Mutex
	eps  []string
	fail bool
}

func (l *flakyLister) ListInstances(context.Context, string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return nil, errors.New("registry down")
	}
	return append([]string(nil), l.eps...), nil
}

func TestManager_RoundRobinVisitsEveryEndpoint(t *testing.T) {
	eps := []string{"http://a", "http://b", "http://c", "http://d"}
	m := New(discovery.Static{"product-management": eps}, []string{"product-management"})
	require.NoError(t, m.Refresh(context.Background()))

	for round := 0; round < 3; round++ {
		seen := map[string]bool{}
		for i := 0; i < len(eps); i++ {
			ep, err := m.Choose("product-management")
			require.NoError(t, err)
			seen[ep] = true
		}
		assert.Len(t, seen, len(eps))
	}
}

func TestManager_EmptyAndUnknownPools(t *testing.T) {
	m := New(discovery.Static{"product-management": nil}, []string{"product-management", "absent"})
	require.NoError(t, m.Refresh(context.Background()))

	_, err := m.Choose("product-management")
	assert.ErrorIs(t, err, ErrNoInstance)
	_, err = m.Choose("absent")
	assert.ErrorIs(t, err, ErrNoInstance)
	_, err = m.Choose("never-configured")
	assert.ErrorIs(t, err, ErrNoInstance)
}

func TestManager_FailedRefreshKeepsPool(t *testing.T) {
	l := &flakyLister{eps: []string{"http://a"}}
	m := New(l, []string{"product-management"})
	require.NoError(t, m.Refresh(context.Background()))

	l.mu.Lock()
	l.fail = true
	l.mu.Unlock()
	assert.Error(t, m.Refresh(context.Background()))

	ep, err := m.Choose("product-management")
	require.NoError(t, err)
	assert.Equal(t, "http://a", ep)
}

func TestManager_PicksUpRegistrations(t *testing.T) {
	reg := discovery.NewRegistry(discovery.Static{"product-management": {"http://a"}})
	m := New(reg, []string{"product-management"})
	require.NoError(t, m.Refresh(context.Background()))

	reg.Register("product-management", "http://b")
	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, []string{"http://a", "http://b"}, m.Endpoints("product-management"))
}

func TestManager_ConcurrentChooseIsBalanced(t *testing.T) {
	m := New(discovery.Static{"p": {"x", "y"}}, []string{"p"})
	require.NoError(t, m.Refresh(context.Background()))

	var (
		mu     sync.Mutex
		counts = map[string]int{}
		wg     sync.WaitGroup
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ep, err := m.Choose("p")
			if err != nil {
				return
			}
			mu.Lock()
			counts[ep]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counts["x"])
	assert.Equal(t, 50, counts["y"])
}
