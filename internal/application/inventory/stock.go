package inventory

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	dominv "github.com/Zhima-Mochi/minishop-orders/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-orders/internal/observability"
	"github.com/Zhima-Mochi/minishop-orders/internal/observability/logctx"
)

// GetStockUseCase reads the available and reserved stock of one product.
type GetStockUseCase struct {
	invRepo      dominv.Repository
	tracer       observability.Tracer
	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

func NewGetStockUseCase(invRepo dominv.Repository, tel observability.Observability) *GetStockUseCase {
	if tel == nil {
		tel = observability.Nop()
	}
	return &GetStockUseCase{
		invRepo:      invRepo,
		tracer:       tel.Tracer(),
		log:          tel.Logger().With(observability.F("service", inventoryService)),
		reqCounter:   tel.Metrics().Counter(observability.MUsecaseRequests),
		durHistogram: tel.Metrics().Histogram(observability.MUsecaseDuration),
	}
}

func (uc *GetStockUseCase) Execute(ctx context.Context, productID string) (_ *dominv.Item, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(observability.F("use_case", useCaseInventoryStock))
	ctx, span := uc.tracer.Start(ctx, spanPrefix+"GetStock",
		attribute.String("use_case", useCaseInventoryStock),
		attribute.String("product.id", productID),
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
		uc.reqCounter.Add(1, observability.L("use_case", useCaseInventoryStock), observability.L("outcome", outcome))
		uc.durHistogram.Observe(lat, observability.L("use_case", useCaseInventoryStock))

		fields := append([]observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
			observability.F("product_id", productID),
		}, observability.TraceFields(ctx)...)
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Debug("use_case_done", fields...)
	}()

	item, err := uc.invRepo.Get(ctx, productID)
	if err != nil {
		outcome, statusText = "error", "STOCK_READ_FAILED"
		if errors.Is(err, dominv.ErrNotFound) {
			statusText = "PRODUCT_NOT_FOUND"
		}
		return nil, err
	}
	return item, nil
}
