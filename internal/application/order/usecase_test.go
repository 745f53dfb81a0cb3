package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	domain "github.com/Zhima-Mochi/minishop-orders/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/minishop-orders/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-orders/internal/domain/product"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/breaker"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/catalog"
	infraobs "github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/observability"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/observability/oteltrace"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/observability/zaplogger"
)

type lookupResult struct {
	id    string
	err   error
	delay time.Duration
}

type fakeCatalog struct {
	mu      sync.Mutex
	results map[string]lookupResult
	calls   []string
	def     lookupResult
}

func (c *fakeCatalog) Lookup(ctx context.Context, productID string) (product.Product, error) {
	c.mu.Lock()
	c.calls = append(c.calls, productID)
	r, ok := c.results[productID]
	if !ok {
		r = c.def
	}
	c.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return product.Product{}, ctx.Err()
		}
	}
	if r.err != nil {
		return product.Product{}, r.err
	}
	id := r.id
	if id == "" {
		id = productID
	}
	return product.Product{ID: id}, nil
}

func (c *fakeCatalog) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type fakeRepo struct {
	mu     sync.Mutex
	nextID domain.ID
	err    error
	block  bool
	onSave func()
	saved  []*domain.Order
}

func (r *fakeRepo) Save(ctx context.Context, o *domain.Order) (domain.ID, error) {
	if r.onSave != nil {
		r.onSave()
	}
	if r.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	if r.nextID == 0 {
		r.nextID = 1
	}
	id := r.nextID
	r.nextID++
	clone := o.Clone()
	clone.ID = id
	r.saved = append(r.saved, clone)
	return id, nil
}

func (r *fakeRepo) FindByID(_ context.Context, id domain.ID) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.saved {
		if o.ID == id {
			return o.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

type fakePublisher struct {
	mu     sync.Mutex
	err    error
	events []domoutbox.Event
	ctxErr error
}

func (p *fakePublisher) Publish(ctx context.Context, e domoutbox.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctxErr = ctx.Err()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *fakePublisher) placed(t *testing.T) []domain.OrderPlacedEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.OrderPlacedEvent, 0, len(p.events))
	for _, e := range p.events {
		evt, ok := e.(domain.OrderPlacedEvent)
		require.True(t, ok)
		out = append(out, evt)
	}
	return out
}

type fixture struct {
	catalog *fakeCatalog
	repo    *fakeRepo
	pub     *fakePublisher
	breaker *breaker.Breaker
	cfg     Config
}

func newFixture() *fixture {
	return &fixture{
		catalog: &fakeCatalog{results: map[string]lookupResult{}},
		repo:    &fakeRepo{},
		pub:     &fakePublisher{},
		breaker: breaker.New("productCatalog", breaker.DefaultSettings(), breaker.WithFailurePredicate(catalog.IsFailure)),
		cfg: Config{
			LookupTimeout:     time.Second,
			SaveTimeout:       time.Second,
			PublishTimeout:    time.Second,
			LookupConcurrency: 4,
		},
	}
}

func (f *fixture) useCase() *PlaceOrderUseCase {
	return NewPlaceOrderUseCase(f.catalog, f.breaker, f.repo, f.pub, f.cfg, nil)
}

func TestPlaceOrder_HappyPath(t *testing.T) {
	f := newFixture()
	f.repo.nextID = 42

	res, err := f.useCase().Execute(context.Background(), PlaceOrderInput{Items: []LineItem{{ProductID: "P1", Count: 2}}})
	require.NoError(t, err)
	assert.Equal(t, &PlaceOrderResult{OrderID: "42", Status: domain.StatusBooked}, res)

	require.Len(t, f.repo.saved, 1)
	assert.Equal(t, []domain.Item{{ProductID: "P1", Count: 2}}, f.repo.saved[0].Items)
	assert.Equal(t, domain.StatusBooked, f.repo.saved[0].Status)

	events := f.pub.placed(t)
	require.Len(t, events, 1)
	assert.Equal(t, domain.OrderPlacedEvent{OrderID: "42", Items: []domain.PlacedItem{{ProductID: "P1", Count: 2}}}, events[0])
}

func TestPlaceOrder_PreservesRequestOrderAcrossOutOfOrderLookups(t *testing.T) {
	f := newFixture()
	f.catalog.results["B"] = lookupResult{delay: 60 * time.Millisecond}
	f.catalog.results["A"] = lookupResult{delay: 5 * time.Millisecond}
	f.catalog.results["C"] = lookupResult{delay: 30 * time.Millisecond}

	in := PlaceOrderInput{Items: []LineItem{{"B", 1}, {"A", 2}, {"C", 3}}}
	res, err := f.useCase().Execute(context.Background(), in)
	require.NoError(t, err)

	want := []domain.Item{{ProductID: "B", Count: 1}, {ProductID: "A", Count: 2}, {ProductID: "C", Count: 3}}
	require.Len(t, f.repo.saved, 1)
	assert.Equal(t, want, f.repo.saved[0].Items)

	events := f.pub.placed(t)
	require.Len(t, events, 1)
	assert.Equal(t, res.OrderID, events[0].OrderID)
	require.Len(t, events[0].Items, len(want))
	for i, it := range want {
		assert.Equal(t, domain.PlacedItem{ProductID: it.ProductID, Count: it.Count}, events[0].Items[i])
	}
}

func TestPlaceOrder_DuplicateProductsStaySeparate(t *testing.T) {
	f := newFixture()
	_, err := f.useCase().Execute(context.Background(), PlaceOrderInput{Items: []LineItem{{"A", 1}, {"A", 4}}})
	require.NoError(t, err)
	assert.Equal(t, []domain.Item{{ProductID: "A", Count: 1}, {ProductID: "A", Count: 4}}, f.repo.saved[0].Items)
}

func TestPlaceOrder_ResolvedIDWins(t *testing.T) {
	f := newFixture()
	f.catalog.results["legacy-1"] = lookupResult{id: "P1"}
	_, err := f.useCase().Execute(context.Background(), PlaceOrderInput{Items: []LineItem{{"legacy-1", 3}}})
	require.NoError(t, err)
	assert.Equal(t, "P1", f.repo.saved[0].Items[0].ProductID)
}

func TestPlaceOrder_FallbackProductWhenCatalogFails(t *testing.T) {
	f := newFixture()
	f.cfg.FallbackProductID = "CACHED01111"
	f.catalog.def = lookupResult{err: product.ErrRemote}

	res, err := f.useCase().Execute(context.Background(), PlaceOrderInput{Items: []LineItem{{"P1", 1}}})
	require.NoError(t, err)
	assert.Empty(t, res.Warning)
	assert.Equal(t, []domain.Item{{ProductID: "CACHED01111", Count: 1}}, f.repo.saved[0].Items)
	assert.Equal(t, "CACHED01111", f.pub.placed(t)[0].Items[0].ProductID)
}

func TestPlaceOrder_OpenBreakerWithFallback(t *testing.T) {
	f := newFixture()
	f.cfg.FallbackProductID = "CACHED01111"
	f.breaker = breaker.New("productCatalog", breaker.Settings{SlidingWindowSize: 1})
	_, _ = breaker.Run(context.Background(), f.breaker, func(context.Context) (int, error) { return 0, errors.New("down") }, nil)
	require.Equal(t, breaker.StateOpen, f.breaker.State())

	_, err := f.useCase().Execute(context.Background(), PlaceOrderInput{Items: []LineItem{{"P1", 1}}})
	require.NoError(t, err)
	assert.Zero(t, f.catalog.callCount(), "open breaker short-circuits")
	assert.Equal(t, "CACHED01111", f.repo.saved[0].Items[0].ProductID)
}

func TestPlaceOrder_OpenBreakerWithoutFallback(t *testing.T) {
	f := newFixture()
	f.breaker = breaker.New("productCatalog", breaker.Settings{SlidingWindowSize: 1})
	_, _ = breaker.Run(context.Background(), f.breaker, func(context.Context) (int, error) { return 0, errors.New("down") }, nil)

	res, err := f.useCase().Execute(context.Background(), PlaceOrderInput{Items: []LineItem{{"P1", 1}}})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrDownstreamUnavailable)
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Empty(t, f.repo.saved)
	assert.Empty(t, f.pub.placed(t))
}

func TestPlaceOrder_LookupTimeoutCountsAsFailure(t *testing.T) {
	f := newFixture()
	f.cfg.LookupTimeout = 10 * time.Millisecond
	f.breaker = breaker.New("productCatalog", breaker.Settings{SlidingWindowSize: 1}, breaker.WithFailurePredicate(catalog.IsFailure))
	f.catalog.def = lookupResult{delay: time.Second}

	_, err := f.useCase().Execute(context.Background(), PlaceOrderInput{Items: []LineItem{{"P1", 1}}})
	assert.ErrorIs(t, err, ErrDownstreamUnavailable)
	assert.ErrorIs(t, err, product.ErrTimeout)
	assert.Equal(t, breaker.StateOpen, f.breaker.State())
}

func TestPlaceOrder_ProductNotFoundIsNeverAbsorbed(t *testing.T) {
	f := newFixture()
	f.cfg.FallbackProductID = "CACHED01111"
	f.catalog.results["GHOST"] = lookupResult{err: product.ErrNotFound}
	f.catalog.results["SLOW"] = lookupResult{delay: time.Second}

	start := time.Now()
	_, err := f.useCase().Execute(context.Background(), PlaceOrderInput{Items: []LineItem{{"SLOW", 1}, {"GHOST", 1}}})
	assert.ErrorIs(t, err, ErrProductNotFound)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "remaining lookups are cancelled")
	assert.Empty(t, f.repo.saved)
	assert.Equal(t, breaker.StateClosed, f.breaker.State())
}

func TestPlaceOrder_InvalidRequests(t *testing.T) {
	cases := map[string]PlaceOrderInput{
		"no items":      {},
		"empty product": {Items: []LineItem{{"", 1}}},
		"zero count":    {Items: []LineItem{{"A", 0}}},
		"negative":      {Items: []LineItem{{"A", 1}, {"B", -2}}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture()
			_, err := f.useCase().Execute(context.Background(), in)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Zero(t, f.catalog.callCount())
			assert.Empty(t, f.repo.saved)
		})
	}
}

func TestPlaceOrder_PublishFailureStillReturnsSavedOrder(t *testing.T) {
	f := newFixture()
	f.repo.nextID = 7
	f.pub.err = errors.New("bus down")

	res, err := f.useCase().Execute(context.Background(), PlaceOrderInput{Items: []LineItem{{"P1", 1}}})
	require.NoError(t, err)
	assert.Equal(t, "7", res.OrderID)
	assert.Equal(t, WarningPublishFailed, res.Warning)
	require.Len(t, f.repo.saved, 1, "no rollback")
}

func TestPlaceOrder_PersistFailurePreventsPublish(t *testing.T) {
	f := newFixture()
	f.repo.err = errors.New("disk full")

	_, err := f.useCase().Execute(context.Background(), PlaceOrderInput{Items: []LineItem{{"P1", 1}}})
	assert.ErrorIs(t, err, ErrPersistFailure)
	assert.Empty(t, f.pub.placed(t))
}

func TestPlaceOrder_PersistTimeout(t *testing.T) {
	f := newFixture()
	f.cfg.SaveTimeout = 20 * time.Millisecond
	f.repo.block = true

	_, err := f.useCase().Execute(context.Background(), PlaceOrderInput{Items: []LineItem{{"P1", 1}}})
	assert.ErrorIs(t, err, ErrPersistTimeout)
	assert.Empty(t, f.pub.placed(t))
}

func TestPlaceOrder_CancelledBeforeSaveSavesNothing(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	f.catalog.def = lookupResult{delay: 20 * time.Millisecond}
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := f.useCase().Execute(ctx, PlaceOrderInput{Items: []LineItem{{"P1", 1}}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.repo.saved)
	assert.Empty(t, f.pub.placed(t))
	assert.Equal(t, breaker.StateClosed, f.breaker.State())
}

func TestPlaceOrder_CancelledDuringSaveStillPublishes(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	f.repo.onSave = cancel

	res, err := f.useCase().Execute(ctx, PlaceOrderInput{Items: []LineItem{{"P1", 1}}})
	require.NoError(t, err)
	assert.Empty(t, res.Warning)
	require.Len(t, f.pub.placed(t), 1)
	assert.NoError(t, f.pub.ctxErr, "publish runs detached from the caller")
}

func TestPlaceOrder_ManyItemsBoundedConcurrency(t *testing.T) {
	f := newFixture()
	f.cfg.LookupConcurrency = 2
	f.catalog.def = lookupResult{delay: time.Millisecond}

	items := make([]LineItem, 25)
	for i := range items {
		items[i] = LineItem{ProductID: string(rune('a' + i)), Count: i + 1}
	}
	_, err := f.useCase().Execute(context.Background(), PlaceOrderInput{Items: items})
	require.NoError(t, err)

	saved := f.repo.saved[0].Items
	event := f.pub.placed(t)[0]
	require.Len(t, saved, len(items))
	require.Len(t, event.Items, len(items))
	for i := range items {
		assert.Equal(t, items[i].ProductID, saved[i].ProductID)
		assert.Equal(t, items[i].Count, saved[i].Count)
		assert.Equal(t, saved[i].ProductID, event.Items[i].ProductID)
		assert.Equal(t, saved[i].Count, event.Items[i].Count)
	}
}

func TestPlaceOrder_Telemetry(t *testing.T) {
	f := newFixture()
	f.repo.nextID = 7
	f.pub.err = errors.New("bus down")

	core, logs := observer.New(zap.InfoLevel)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	reg := prometheus.NewRegistry()
	counters, histograms := infraobs.Standard(prometrics.New(reg, "", ""))
	tel := infraobs.New(oteltrace.NewWithProvider(tp, "test"), zaplogger.Wrap(zap.New(core)), counters, histograms)

	uc := NewPlaceOrderUseCase(f.catalog, f.breaker, f.repo, f.pub, f.cfg, tel)
	_, err := uc.Execute(context.Background(), PlaceOrderInput{Items: []LineItem{{"P1", 1}}})
	require.NoError(t, err)

	entries := logs.FilterMessage("use_case_done").All()
	require.Len(t, entries, 1)
	ctxMap := entries[0].ContextMap()
	assert.Equal(t, "ORDER_EVENT_PUBLISH_FAILED", ctxMap["status"])
	assert.Equal(t, "7", ctxMap["order_id"])
	assert.NotEmpty(t, ctxMap["trace_id"])

	spans := rec.Ended()
	require.NotEmpty(t, spans)
	assert.Equal(t, "UC.PlaceOrder", spans[len(spans)-1].Name())

	n, err := testutil.GatherAndCount(reg, "usecase_requests_total", "external_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 4, n, "one use case series and lookup, save and publish series")
}
