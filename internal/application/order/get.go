package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	domain "github.com/Zhima-Mochi/minishop-orders/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-orders/internal/observability"
	"github.com/Zhima-Mochi/minishop-orders/internal/observability/logctx"
)

const useCaseGetOrder = "order.get"

type GetOrderInput struct {
	OrderID string
}

// GetOrderUseCase reads a saved order back.
type GetOrderUseCase struct {
	repo         domain.Repository
	tracer       observability.Tracer
	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

func NewGetOrderUseCase(repo domain.Repository, tel observability.Observability) *GetOrderUseCase {
	if tel == nil {
		tel = observability.Nop()
	}
	return &GetOrderUseCase{
		repo:         repo,
		tracer:       tel.Tracer(),
		log:          tel.Logger().With(observability.F("service", orderService)),
		reqCounter:   tel.Metrics().Counter(observability.MUsecaseRequests),
		durHistogram: tel.Metrics().Histogram(observability.MUsecaseDuration),
	}
}

func (uc *GetOrderUseCase) Execute(ctx context.Context, cmd GetOrderInput) (_ *domain.Order, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(observability.F("use_case", useCaseGetOrder))
	ctx, span := uc.tracer.Start(ctx, spanPrefix+"GetOrder",
		attribute.String("use_case", useCaseGetOrder),
		attribute.String("order.id", cmd.OrderID),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"

	defer func() {
		lat := time.Since(start).Seconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, statusText)
		} else {
			span.SetStatus(codes.Ok, statusText)
		}
		span.End()
		uc.reqCounter.Add(1, observability.L("use_case", useCaseGetOrder), observability.L("outcome", outcome))
		uc.durHistogram.Observe(lat, observability.L("use_case", useCaseGetOrder))

		fields := append([]observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
			observability.F("order_id", cmd.OrderID),
		}, observability.TraceFields(ctx)...)
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	id, err := domain.ParseID(cmd.OrderID)
	if err != nil {
		outcome, statusText = "error", "ORDER_NOT_FOUND"
		return nil, err
	}
	o, err := uc.repo.FindByID(ctx, id)
	switch {
	case err == nil:
		return o, nil
	case errors.Is(err, domain.ErrNotFound):
		outcome, statusText = "error", "ORDER_NOT_FOUND"
		return nil, err
	default:
		outcome, statusText = "error", "REPO_READ_FAILED"
		return nil, fmt.Errorf("%w: %w", ErrPersistFailure, err)
	}
}
