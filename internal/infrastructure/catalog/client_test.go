package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Zhima-Mochi/minishop-orders/internal/domain/product"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/discovery"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/loadbalancer"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/observability/oteltrace"
	"github.com/Zhima-Mochi/minishop-orders/internal/observability"
)

type staticBalancer string

func (b staticBalancer) Choose(string) (string, error) { return string(b), nil }

type tracedTel struct {
	observability.Observability
	tracer observability.Tracer
}

func (t tracedTel) Tracer() observability.Tracer { return t.tracer }

func catalogServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Lookup(t *testing.T) {
	srv := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/products/P1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(product.Details{Code: "P1-CANONICAL", Name: "Mug"})
	})
	c := NewClient(staticBalancer(srv.URL), "product-management")

	p, err := c.Lookup(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, "P1-CANONICAL", p.ID)
}

func TestClient_ErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"not found", http.StatusNotFound, "", product.ErrNotFound},
		{"server error", http.StatusInternalServerError, "", product.ErrRemote},
		{"bad payload", http.StatusOK, "{not json", product.ErrRemote},
		{"empty code", http.StatusOK, `{"name":"x"}`, product.ErrRemote},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := catalogServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := NewClient(staticBalancer(srv.URL), "product-management").Lookup(context.Background(), "P1")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewClient(staticBalancer(srv.URL), "product-management").Lookup(ctx, "P1")
	assert.ErrorIs(t, err, product.ErrTimeout)
}

func TestClient_CallerCancellationIsNotRemoteFailure(t *testing.T) {
	srv := catalogServer(t, func(w http.ResponseWriter, r *http.Request) { <-r.Context().Done() })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := NewClient(staticBalancer(srv.URL), "product-management").Lookup(ctx, "P1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, product.ErrRemote)
}

func TestClient_NoInstance(t *testing.T) {
	lb := loadbalancer.New(discovery.Static{}, []string{"product-management"})
	_, err := NewClient(lb, "product-management").Lookup(context.Background(), "P1")
	assert.ErrorIs(t, err, product.ErrRemote)
	assert.ErrorIs(t, err, loadbalancer.ErrNoInstance)
}

func TestClient_RoundRobinsAcrossInstances(t *testing.T) {
	var (
		mu   sync.Mutex
		hits = map[string]int{}
	)
	mk := func(name string) *httptest.Server {
		return catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits[name]++
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(product.Details{Code: "P1"})
		})
	}
	a, b := mk("a"), mk("b")
	lb := loadbalancer.New(discovery.Static{"product-management": {a.URL, b.URL}}, []string{"product-management"})
	require.NoError(t, lb.Refresh(context.Background()))

	c := NewClient(lb, "product-management")
	for i := 0; i < 4; i++ {
		_, err := c.Lookup(context.Background(), "P1")
		require.NoError(t, err)
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 2}, hits)
}

func TestClient_PropagatesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	var traceparent string
	srv := catalogServer(t, func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		_ = json.NewEncoder(w).Encode(product.Details{Code: "P1"})
	})

	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	tel := tracedTel{Observability: observability.Nop(), tracer: oteltrace.NewWithProvider(tp, "test")}

	_, err := NewClient(staticBalancer(srv.URL), "product-management", WithObservability(tel)).Lookup(context.Background(), "P1")
	require.NoError(t, err)
	assert.NotEmpty(t, traceparent)
}
