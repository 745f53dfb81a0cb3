package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/minishop-orders/internal/application"
	domorder "github.com/Zhima-Mochi/minishop-orders/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/minishop-orders/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-orders/internal/observability"
	workerpresentation "github.com/Zhima-Mochi/minishop-orders/internal/presentation/worker"
)

const (
	workerService   = "inventory_worker"
	useCaseOnPlaced = "inventory.worker.order_placed"
)

// Worker turns OrderPlaced events into reservations. It serves both the in-process bus
// (Start) and the Kafka consumer (Handle with DecodeOrderPlaced).
type Worker struct {
	subscriber domoutbox.Subscriber
	useCase    application.UseCase[domorder.OrderPlacedEvent, *ReservationResult]
	tel        observability.Observability

	log          observability.Logger
	reqCounter   observability.Counter   // usecase_requests_total{use_case,outcome}
	durHistogram observability.Histogram // usecase_duration_seconds{use_case}
}

func New(
	subscriber domoutbox.Subscriber,
	useCase application.UseCase[domorder.OrderPlacedEvent, *ReservationResult],
	tel observability.Observability,
) *Worker {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Worker{
		subscriber:   subscriber,
		useCase:      useCase,
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", workerService)),
		reqCounter:   tel.Metrics().Counter(observability.MUsecaseRequests),
		durHistogram: tel.Metrics().Histogram(observability.MUsecaseDuration),
	}
}

// Start subscribes to the new items destination. It is a no-op without a subscriber.
func (w *Worker) Start() {
	if w.subscriber == nil || w.useCase == nil {
		return
	}
	w.subscriber.Subscribe(domorder.DestinationNewItems, w.Handle)
}

// Handle processes one event. Events of other types are counted and ignored.
func (w *Worker) Handle(ctx context.Context, e domoutbox.Event) error {
	evt, ok := e.(domorder.OrderPlacedEvent)
	if !ok {
		w.count("ignored")
		return nil
	}

	ctx, span := w.tel.Tracer().Start(ctx, spanPrefix+"OrderPlaced",
		attribute.String("use_case", useCaseOnPlaced),
		attribute.String("event", e.EventName()),
		attribute.String("order.id", evt.OrderID),
	)
	start := time.Now()
	outcome, status := "success", "OK"
	var failureReason string

	sc := trace.SpanContextFromContext(ctx)
	ctx = workerpresentation.WithEventContext(ctx, w.log, w.tel, sc.TraceID(), sc.SpanID(), map[string]string{
		"use_case": useCaseOnPlaced,
		"event":    e.EventName(),
		"order_id": evt.OrderID,
	})

	defer func() {
		lat := time.Since(start).Seconds()
		w.count(outcome)
		w.durHistogram.Observe(lat, observability.L("use_case", useCaseOnPlaced))

		if outcome == "error" {
			span.SetStatus(codes.Error, status)
		} else {
			span.SetStatus(codes.Ok, status)
		}
		if failureReason != "" {
			span.SetAttributes(attribute.String("inventory.failure_reason", failureReason))
		}
		span.End()
	}()

	res, err := w.useCase.Execute(ctx, evt)
	if err != nil {
		outcome, status = "error", "RESERVATION_FAILED"
		return fmt.Errorf("worker: inventory reservation: %w", err)
	}
	if res != nil && !res.Reserved {
		outcome, status = "rejected", "RESERVATION_REJECTED"
		failureReason = res.FailureReason
	}
	return nil
}

func (w *Worker) count(outcome string) {
	w.reqCounter.Add(1,
		observability.L("use_case", useCaseOnPlaced),
		observability.L("outcome", outcome),
	)
}

// DecodeOrderPlaced decodes a new items message body.
func DecodeOrderPlaced(payload []byte) (domoutbox.Event, error) {
	var evt domorder.OrderPlacedEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return evt, nil
}
