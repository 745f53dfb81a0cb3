package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	domain "github.com/Zhima-Mochi/minishop-orders/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/minishop-orders/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-orders/internal/domain/product"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/breaker"
	"github.com/Zhima-Mochi/minishop-orders/internal/observability"
	"github.com/Zhima-Mochi/minishop-orders/internal/observability/logctx"
)

const (
	orderService      = "order-service"
	useCasePlaceOrder = "order.place"
	spanPrefix        = "UC."

	peerCatalog     = "product-management"
	peerStore       = "order-store"
	peerBus         = "event-bus"
	endpointLookup  = "product.lookup"
	endpointSave    = "order.save"
	endpointPublish = domain.DestinationNewItems
)

var (
	ErrInvalidRequest        = errors.New("order: invalid request")
	ErrProductNotFound       = errors.New("order: product not found")
	ErrDownstreamUnavailable = errors.New("order: downstream unavailable")
	ErrPersistFailure        = errors.New("order: persist failure")
	ErrPersistTimeout        = errors.New("order: persist timeout")
	ErrNotFound              = domain.ErrNotFound
)

// WarningPublishFailed is returned in PlaceOrderResult.Warning when the order was saved but
// its OrderPlaced event was not accepted by the bus.
const WarningPublishFailed = "order saved but the OrderPlaced event could not be published"

type Config struct {
	LookupTimeout     time.Duration
	SaveTimeout       time.Duration
	PublishTimeout    time.Duration
	LookupConcurrency int
	// FallbackProductID stands in for a product the catalog could not be asked about.
	// Empty disables the fallback.
	FallbackProductID string
}

func (c Config) withDefaults() Config {
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 2 * time.Second
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 3 * time.Second
	}
	if c.LookupConcurrency <= 0 {
		c.LookupConcurrency = 16
	}
	return c
}

type LineItem struct {
	ProductID string
	Count     int
}

type PlaceOrderInput struct {
	Items []LineItem
}

type PlaceOrderResult struct {
	OrderID string
	Status  domain.Status
	Warning string
}

// PlaceOrderUseCase resolves every line item against the catalog, saves the assembled
// order and publishes OrderPlaced once the save has committed.
type PlaceOrderUseCase struct {
	catalog   product.Lookup
	breaker   *breaker.Breaker
	repo      domain.Repository
	publisher domoutbox.Publisher
	cfg       Config
	tracer    observability.Tracer

	log          observability.Logger
	reqCounter   observability.Counter   // usecase_requests_total{use_case,outcome}
	durHistogram observability.Histogram // usecase_duration_seconds{use_case}
	extCounter   observability.Counter   // external_requests_total{peer,endpoint,outcome}
	extHistogram observability.Histogram // external_request_duration_seconds{peer,endpoint}
}

func NewPlaceOrderUseCase(
	catalog product.Lookup,
	cb *breaker.Breaker,
	repo domain.Repository,
	publisher domoutbox.Publisher,
	cfg Config,
	tel observability.Observability,
) *PlaceOrderUseCase {
	if tel == nil {
		tel = observability.Nop()
	}
	if cb == nil {
		cb = breaker.New("productCatalog", breaker.DefaultSettings())
	}
	metrics := tel.Metrics()
	return &PlaceOrderUseCase{
		catalog:      catalog,
		breaker:      cb,
		repo:         repo,
		publisher:    publisher,
		cfg:          cfg.withDefaults(),
		tracer:       tel.Tracer(),
		log:          tel.Logger().With(observability.F("service", orderService)),
		reqCounter:   metrics.Counter(observability.MUsecaseRequests),
		durHistogram: metrics.Histogram(observability.MUsecaseDuration),
		extCounter:   metrics.Counter(observability.MExternalRequests),
		extHistogram: metrics.Histogram(observability.MExternalRequestDuration),
	}
}

// Execute runs one placement. A non-nil result with a Warning means the order is saved but
// the event was not published.
func (uc *PlaceOrderUseCase) Execute(ctx context.Context, cmd PlaceOrderInput) (_ *PlaceOrderResult, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(observability.F("use_case", useCasePlaceOrder))

	ctx, span := uc.tracer.Start(ctx, spanPrefix+"PlaceOrder",
		attribute.String("use_case", useCasePlaceOrder),
		attribute.Int("order.item_count", len(cmd.Items)),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	placement := domain.NewPlacement()
	var (
		orderID    domain.ID
		fallbacks  int
		publishErr error
	)

	defer func() {
		lat := time.Since(start).Seconds()
		if err != nil {
			_ = placement.Fail()
			span.RecordError(err)
			span.SetStatus(codes.Error, statusText)
		} else {
			span.SetStatus(codes.Ok, statusText)
		}
		span.SetAttributes(attribute.String("order.stage", string(placement.Stage())))
		span.End()

		uc.reqCounter.Add(1,
			observability.L("use_case", useCasePlaceOrder),
			observability.L("outcome", outcome),
		)
		uc.durHistogram.Observe(lat,
			observability.L("use_case", useCasePlaceOrder),
		)

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
			observability.F("stage", string(placement.Stage())),
			observability.F("item_count", len(cmd.Items)),
		}
		fields = append(fields, observability.TraceFields(ctx)...)
		if orderID != 0 {
			fields = append(fields, observability.F("order_id", orderID.String()))
		}
		if fallbacks > 0 {
			fields = append(fields, observability.F("fallback_items", fallbacks))
		}
		if publishErr != nil {
			fields = append(fields, observability.F("event_publish_error", publishErr.Error()))
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}

		if publishErr != nil {
			logger.Error("use_case_done", fields...)
			return
		}
		logger.Info("use_case_done", fields...)
	}()

	if verr := validate(cmd); verr != nil {
		outcome, statusText = "error", "INVALID_REQUEST"
		return nil, verr
	}

	_ = placement.Advance(domain.StageResolvingItems)
	resolved, fallbacks, err := uc.resolveItems(ctx, cmd.Items)
	if err != nil {
		outcome, statusText = "error", lookupStatus(err)
		return nil, err
	}
	if fallbacks > 0 {
		span.SetAttributes(attribute.Int("order.fallback_items", fallbacks))
	}

	_ = placement.Advance(domain.StageAssembled)
	entity, derr := domain.New(resolved)
	if derr != nil {
		outcome, statusText = "error", "DOMAIN_CONSTRUCTION_FAILED"
		return nil, fmt.Errorf("order: construct: %w", derr)
	}

	// a caller that has gone away before the save gets nothing saved
	if cerr := ctx.Err(); cerr != nil {
		outcome, statusText = "error", "CONTEXT_CANCELED"
		return nil, cerr
	}

	orderID, err = uc.save(ctx, entity)
	if err != nil {
		outcome, statusText = "error", "PERSIST_FAILED"
		if errors.Is(err, ErrPersistTimeout) {
			statusText = "PERSIST_TIMEOUT"
		}
		return nil, err
	}
	entity.ID = orderID
	_ = placement.Advance(domain.StagePersisted)
	span.SetAttributes(attribute.String("order.id", orderID.String()))

	result := &PlaceOrderResult{OrderID: orderID.String(), Status: entity.Status}

	publishErr = uc.publish(ctx, domain.NewOrderPlacedEvent(entity))
	if publishErr != nil {
		statusText = "ORDER_EVENT_PUBLISH_FAILED"
		result.Warning = WarningPublishFailed
	} else {
		_ = placement.Advance(domain.StagePublished)
		span.AddEvent("order.placed",
			trace.WithAttributes(attribute.String("order.id", orderID.String())),
		)
	}

	_ = placement.Advance(domain.StageResponded)
	return result, nil
}

func validate(cmd PlaceOrderInput) error {
	if len(cmd.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidRequest)
	}
	for i, it := range cmd.Items {
		if it.ProductID == "" {
			return fmt.Errorf("%w: items[%d].productId is required", ErrInvalidRequest, i)
		}
		if it.Count <= 0 {
			return fmt.Errorf("%w: items[%d].count must be greater than zero", ErrInvalidRequest, i)
		}
	}
	return nil
}

// resolveItems looks every item up concurrently and returns them in request order. The
// first unabsorbed failure cancels the remaining lookups.
func (uc *PlaceOrderUseCase) resolveItems(ctx context.Context, items []LineItem) ([]domain.Item, int, error) {
	resolved := make([]domain.Item, len(items))
	usedFallback := make([]bool, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uc.cfg.LookupConcurrency)
	for i, it := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, fallback, err := uc.lookup(gctx, it.ProductID)
			if err != nil {
				return err
			}
			resolved[i] = domain.Item{ProductID: p.ID, Count: it.Count}
			usedFallback[i] = fallback
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	fallbacks := 0
	for _, f := range usedFallback {
		if f {
			fallbacks++
		}
	}
	return resolved, fallbacks, nil
}

func (uc *PlaceOrderUseCase) lookup(ctx context.Context, productID string) (product.Product, bool, error) {
	usedFallback := false
	start := time.Now()

	p, err := breaker.Run(ctx, uc.breaker,
		func(ctx context.Context) (product.Product, error) {
			lctx, cancel := context.WithTimeout(ctx, uc.cfg.LookupTimeout)
			defer cancel()
			p, err := uc.catalog.Lookup(lctx, productID)
			if err != nil && errors.Is(lctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && !errors.Is(err, product.ErrTimeout) {
				err = fmt.Errorf("%w: %w", product.ErrTimeout, err)
			}
			return p, err
		},
		func(cause error) (product.Product, error) {
			switch {
			case errors.Is(cause, product.ErrNotFound):
				return product.Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
			case errors.Is(cause, context.Canceled):
				return product.Product{}, cause
			case uc.cfg.FallbackProductID != "":
				usedFallback = true
				return product.Product{ID: uc.cfg.FallbackProductID}, nil
			default:
				return product.Product{}, fmt.Errorf("%w: %s: %w", ErrDownstreamUnavailable, productID, cause)
			}
		},
	)

	lookupOutcome := "success"
	switch {
	case usedFallback:
		lookupOutcome = "fallback"
	case err != nil:
		lookupOutcome = "error"
	}
	uc.observeExternal(peerCatalog, endpointLookup, lookupOutcome, start)
	return p, usedFallback, err
}

func (uc *PlaceOrderUseCase) save(ctx context.Context, entity *domain.Order) (domain.ID, error) {
	// the save outlives the caller once it has started
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cfg.SaveTimeout)
	defer cancel()

	start := time.Now()
	id, err := uc.repo.Save(sctx, entity)
	switch {
	case err == nil:
		uc.observeExternal(peerStore, endpointSave, "success", start)
		return id, nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(sctx.Err(), context.DeadlineExceeded):
		uc.observeExternal(peerStore, endpointSave, "timeout", start)
		return 0, fmt.Errorf("%w: %w", ErrPersistTimeout, err)
	default:
		uc.observeExternal(peerStore, endpointSave, "error", start)
		return 0, fmt.Errorf("%w: %w", ErrPersistFailure, err)
	}
}

func (uc *PlaceOrderUseCase) publish(ctx context.Context, event domain.OrderPlacedEvent) error {
	if uc.publisher == nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cfg.PublishTimeout)
	defer cancel()

	start := time.Now()
	err := uc.publisher.Publish(pctx, event)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	uc.observeExternal(peerBus, endpointPublish, outcome, start)
	return err
}

func (uc *PlaceOrderUseCase) observeExternal(peer, endpoint, outcome string, start time.Time) {
	uc.extCounter.Add(1,
		observability.L("peer", peer),
		observability.L("endpoint", endpoint),
		observability.L("outcome", outcome),
	)
	uc.extHistogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", peer),
		observability.L("endpoint", endpoint),
	)
}

func lookupStatus(err error) string {
	switch {
	case errors.Is(err, ErrProductNotFound):
		return "PRODUCT_NOT_FOUND"
	case errors.Is(err, ErrDownstreamUnavailable):
		return "DOWNSTREAM_UNAVAILABLE"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "CONTEXT_CANCELED"
	default:
		return "LOOKUP_FAILED"
	}
}
