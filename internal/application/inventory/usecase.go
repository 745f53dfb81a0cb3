package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	dominv "github.com/Zhima-Mochi/minishop-orders/internal/domain/inventory"
	domorder "github.com/Zhima-Mochi/minishop-orders/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-orders/internal/observability"
	"github.com/Zhima-Mochi/minishop-orders/internal/observability/logctx"
)

const (
	inventoryService            = "inventory-service"
	useCaseInventoryReservation = "inventory.reserve"
	useCaseInventoryStock       = "inventory.stock"
	spanPrefix                  = "UC."
	peerStore                   = "inventory-store"
	endpointReserve             = "inventory.reserve"
	reserveTimeout              = 5 * time.Second
)

var (
	ErrInvalidEvent = errors.New("inventory: invalid event")
	ErrNotFound     = dominv.ErrNotFound
)

// ReservationResult exposes the outcome of the inventory reservation attempt.
type ReservationResult struct {
	OrderID       string
	Reserved      bool
	FailureReason string
}

// ReserveInventoryUseCase reserves stock for every line of a placed order, all or nothing.
type ReserveInventoryUseCase struct {
	invRepo dominv.Repository
	tracer  observability.Tracer

	log          observability.Logger
	reqCounter   observability.Counter   // usecase_requests_total{use_case,outcome}
	durHistogram observability.Histogram // usecase_duration_seconds{use_case}
	extCounter   observability.Counter   // external_requests_total{peer,endpoint,outcome}
	extHistogram observability.Histogram // external_request_duration_seconds{peer,endpoint}
}

func NewReserveInventoryUseCase(invRepo dominv.Repository, tel observability.Observability) *ReserveInventoryUseCase {
	if tel == nil {
		tel = observability.Nop()
	}
	metrics := tel.Metrics()
	return &ReserveInventoryUseCase{
		invRepo:      invRepo,
		tracer:       tel.Tracer(),
		log:          tel.Logger().With(observability.F("service", inventoryService)),
		reqCounter:   metrics.Counter(observability.MUsecaseRequests),
		durHistogram: metrics.Histogram(observability.MUsecaseDuration),
		extCounter:   metrics.Counter(observability.MExternalRequests),
		extHistogram: metrics.Histogram(observability.MExternalRequestDuration),
	}
}

// Execute reserves the event's items. Business rejections (unknown product, insufficient
// stock) come back as a result with Reserved=false and a nil error; the error is reserved
// for events that cannot be processed at all.
func (uc *ReserveInventoryUseCase) Execute(ctx context.Context, e domorder.OrderPlacedEvent) (_ *ReservationResult, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(
		observability.F("use_case", useCaseInventoryReservation),
		observability.F("order_id", e.OrderID),
	)

	ctx, span := uc.tracer.Start(ctx, spanPrefix+"ReserveInventory",
		attribute.String("use_case", useCaseInventoryReservation),
		attribute.String("order.id", e.OrderID),
		attribute.Int("order.item_count", len(e.Items)),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	result := &ReservationResult{OrderID: e.OrderID}

	defer func() {
		lat := time.Since(start).Seconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, statusText)
		} else {
			span.SetStatus(codes.Ok, statusText)
		}
		span.End()

		uc.reqCounter.Add(1,
			observability.L("use_case", useCaseInventoryReservation),
			observability.L("outcome", outcome),
		)
		uc.durHistogram.Observe(lat,
			observability.L("use_case", useCaseInventoryReservation),
		)

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
			observability.F("item_count", len(e.Items)),
		}
		fields = append(fields, observability.TraceFields(ctx)...)
		if result.FailureReason != "" {
			fields = append(fields, observability.F("failure_reason", result.FailureReason))
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
			logger.Error("use_case_done", fields...)
			return
		}
		logger.Info("use_case_done", fields...)
	}()

	lines, verr := linesOf(e)
	if verr != nil {
		outcome, statusText = "error", "INVALID_EVENT"
		return nil, verr
	}

	rerr := uc.reserve(ctx, e.OrderID, lines)
	switch {
	case rerr == nil:
		result.Reserved = true
		span.AddEvent("inventory.reserved",
			trace.WithAttributes(attribute.String("order.id", e.OrderID)),
		)
		return result, nil
	case errors.Is(rerr, dominv.ErrNotFound), errors.Is(rerr, dominv.ErrInsufficientStock), errors.Is(rerr, dominv.ErrInvalidQuantity):
		outcome, statusText = "rejected", "RESERVATION_REJECTED"
		result.FailureReason = dominv.FailureReason(rerr)
		return result, nil
	default:
		outcome, statusText = "error", "RESERVE_FAILED"
		result.FailureReason = dominv.FailureReason(rerr)
		return result, fmt.Errorf("inventory: reserve: %w", rerr)
	}
}

func (uc *ReserveInventoryUseCase) reserve(ctx context.Context, orderID string, lines []dominv.Line) error {
	rctx, cancel := context.WithTimeout(ctx, reserveTimeout)
	defer cancel()

	start := time.Now()
	err := uc.invRepo.Reserve(rctx, orderID, lines)
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, dominv.ErrNotFound), errors.Is(err, dominv.ErrInsufficientStock), errors.Is(err, dominv.ErrInvalidQuantity):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	uc.extCounter.Add(1,
		observability.L("peer", peerStore),
		observability.L("endpoint", endpointReserve),
		observability.L("outcome", outcome),
	)
	uc.extHistogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", peerStore),
		observability.L("endpoint", endpointReserve),
	)
	return err
}

func linesOf(e domorder.OrderPlacedEvent) ([]dominv.Line, error) {
	if e.OrderID == "" {
		return nil, fmt.Errorf("%w: orderId is required", ErrInvalidEvent)
	}
	if len(e.Items) == 0 {
		return nil, fmt.Errorf("%w: order %s has no items", ErrInvalidEvent, e.OrderID)
	}
	lines := make([]dominv.Line, 0, len(e.Items))
	for _, it := range e.Items {
		lines = append(lines, dominv.Line{ProductID: it.ProductID, Quantity: it.Count})
	}
	return lines, nil
}
