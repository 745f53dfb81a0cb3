package httppresentation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/Zhima-Mochi/minishop-orders/internal/application"
	appInventory "github.com/Zhima-Mochi/minishop-orders/internal/application/inventory"
	appOrder "github.com/Zhima-Mochi/minishop-orders/internal/application/order"
	domainInventory "github.com/Zhima-Mochi/minishop-orders/internal/domain/inventory"
	domainOrder "github.com/Zhima-Mochi/minishop-orders/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-orders/internal/domain/product"
	"github.com/Zhima-Mochi/minishop-orders/internal/observability"
	"github.com/Zhima-Mochi/minishop-orders/internal/observability/logctx"
)

const (
	componentHTTPHandler = "http_server"
	headerRequestID      = "X-Request-ID"
	headerTenantID       = "X-Tenant-ID"
	maxBodyBytes         = 1 << 20
	tracerName           = "minishop.http"
)

// Error codes written in the "code" field of error bodies.
const (
	CodeInvalidRequest        = "InvalidRequest"
	CodeProductNotFound       = "ProductNotFound"
	CodeOrderNotFound         = "OrderNotFound"
	CodeDownstreamUnavailable = "DownstreamUnavailable"
	CodePersistFailure        = "PersistFailure"
	CodePersistTimeout        = "PersistTimeout"
	CodeInternal              = "Internal"
)

// Deps are the application entry points served over HTTP. Nil optional dependencies leave
// their routes unregistered.
type Deps struct {
	PlaceOrder application.UseCase[appOrder.PlaceOrderInput, *appOrder.PlaceOrderResult]
	GetOrder   application.UseCase[appOrder.GetOrderInput, *domainOrder.Order]
	Stock      application.UseCase[string, *domainInventory.Item]
	Products   product.Store
	Metrics    http.Handler
}

type Handler struct {
	deps   Deps
	log    observability.Logger
	tracer trace.Tracer

	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

type Option func(*Handler)

// WithTracerProvider overrides the global tracer provider used for server spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *Handler) {
		if tp != nil {
			h.tracer = tp.Tracer(tracerName)
		}
	}
}

func NewHandler(deps Deps, tel observability.Observability, opts ...Option) *Handler {
	if tel == nil {
		tel = observability.Nop()
	}
	h := &Handler{
		deps:         deps,
		log:          tel.Logger().With(observability.F("component", componentHTTPHandler)),
		tracer:       otel.Tracer(tracerName),
		reqCounter:   tel.Metrics().Counter(observability.MHTTPRequests),
		durHistogram: tel.Metrics().Histogram(observability.MHTTPRequestDuration),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// Trace → request logger → HTTP metrics → access log → handler
	h.muxHandle(mux, http.MethodPost, "/orders", h.handlePlaceOrder)
	if h.deps.GetOrder != nil {
		h.muxHandle(mux, http.MethodGet, "/orders/{orderId}", h.handleGetOrder)
	}
	if h.deps.Products != nil {
		h.muxHandle(mux, http.MethodGet, "/products/{productCode}", h.handleGetProduct)
		h.muxHandle(mux, http.MethodPost, "/products", h.handlePutProduct)
	}
	if h.deps.Stock != nil {
		h.muxHandle(mux, http.MethodGet, "/product-inventory/{productCode}", h.handleGetStock)
	}
	h.muxHandle(mux, http.MethodGet, "/health", h.handleHealth)
	if h.deps.Metrics != nil {
		mux.Handle("GET /metrics", h.deps.Metrics)
	}

	return mux
}

func (h *Handler) muxHandle(mux *http.ServeMux, method, path string, handler http.HandlerFunc) {
	route := method + " " + path
	wrapped := h.withTrace(
		ObservabilityMiddleware(
			h.log,
			func(r *http.Request) string { return r.Header.Get(headerRequestID) },
			func(r *http.Request) string { return r.Header.Get(headerTenantID) },
		)(
			h.withHTTPMetrics(
				h.withAccessLog(handler),
			),
		),
	)
	mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		// stable route template for low-cardinality labels
		wrapped.ServeHTTP(w, r.WithContext(contextWithRoute(r.Context(), route)))
	})
}

type lineItemRequest struct {
	ProductID string `json:"productId"`
	Count     int    `json:"count"`
}

type placeOrderRequest struct {
	Items []lineItemRequest `json:"items"`
}

type placeOrderResponse struct {
	OrderID string             `json:"orderId"`
	Status  domainOrder.Status `json:"status"`
	Warning string             `json:"warning,omitempty"`
}

func (h *Handler) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err)
		return
	}

	in := appOrder.PlaceOrderInput{Items: make([]appOrder.LineItem, 0, len(req.Items))}
	for _, it := range req.Items {
		in.Items = append(in.Items, appOrder.LineItem{ProductID: it.ProductID, Count: it.Count})
	}

	result, err := h.deps.PlaceOrder.Execute(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	if result.Warning != "" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, placeOrderResponse{
		OrderID: result.OrderID,
		Status:  result.Status,
		Warning: result.Warning,
	})
}

type orderResponse struct {
	OrderID   string             `json:"orderId"`
	Status    domainOrder.Status `json:"status"`
	Items     []lineItemRequest  `json:"items"`
	CreatedAt time.Time          `json:"createdAt"`
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.deps.GetOrder.Execute(r.Context(), appOrder.GetOrderInput{OrderID: r.PathValue("orderId")})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := orderResponse{
		OrderID:   o.ID.String(),
		Status:    o.Status,
		Items:     make([]lineItemRequest, 0, len(o.Items)),
		CreatedAt: o.CreatedAt,
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, lineItemRequest{ProductID: it.ProductID, Count: it.Count})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	d, err := h.deps.Products.Get(r.Context(), r.PathValue("productCode"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) handlePutProduct(w http.ResponseWriter, r *http.Request) {
	var d product.Details
	if err := decodeJSON(w, r, &d); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err)
		return
	}
	if err := h.deps.Products.Put(r.Context(), &d); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

type stockResponse struct {
	ProductCode    string `json:"productCode"`
	AvailableStock int    `json:"availableStock"`
	ReservedStock  int    `json:"reservedStock"`
}

func (h *Handler) handleGetStock(w http.ResponseWriter, r *http.Request) {
	item, err := h.deps.Stock.Execute(r.Context(), r.PathValue("productCode"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stockResponse{
		ProductCode:    item.ProductID,
		AvailableStock: item.Available,
		ReservedStock:  item.Reserved,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// withAccessLog writes a single access log after the handler completes.
// It relies on the request-scoped logger already injected by ObservabilityMiddleware.
func (h *Handler) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		logctx.FromOr(r.Context(), h.log).Info("http_access",
			observability.F("method", r.Method),
			observability.F("route", routeFromContext(r.Context())),
			observability.F("path", r.URL.Path),
			observability.F("status", lrw.status),
			observability.F("latency_ms", time.Since(start).Milliseconds()),
		)
	})
}

// withTrace creates a server span for the request using W3C propagation.
func (h *Handler) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parentCtx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		route := routeFromContext(parentCtx)

		ctxWithSpan, span := h.tracer.Start(parentCtx,
			route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lrw, r.WithContext(ctxWithSpan))

		span.SetAttributes(attribute.Int("http.status_code", lrw.status))
		if lrw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(lrw.status))
		}
	})
}

// withHTTPMetrics records RED-ish HTTP metrics using injected vectors.
// DO NOT new metrics inside the middleware.
func (h *Handler) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		labels := []observability.Label{
			observability.L("method", r.Method),
			observability.L("route", routeFromContext(r.Context())),
			observability.L("status", strconv.Itoa(lrw.status)),
		}
		h.reqCounter.Add(1, labels...)
		h.durHistogram.Observe(time.Since(start).Seconds(), labels...)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appOrder.ErrInvalidRequest),
		errors.Is(err, product.ErrInvalid):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err)
	case errors.Is(err, appOrder.ErrProductNotFound),
		errors.Is(err, product.ErrNotFound),
		errors.Is(err, appInventory.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeProductNotFound, err)
	case errors.Is(err, appOrder.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeOrderNotFound, err)
	case errors.Is(err, appOrder.ErrDownstreamUnavailable):
		writeError(w, http.StatusServiceUnavailable, CodeDownstreamUnavailable, err)
	case errors.Is(err, appOrder.ErrPersistTimeout):
		writeError(w, http.StatusInternalServerError, CodePersistTimeout, err)
	case errors.Is(err, appOrder.ErrPersistFailure):
		writeError(w, http.StatusInternalServerError, CodePersistFailure, err)
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal, err)
	}
}

type routeKey struct{}

// contextWithRoute stores the stable route template in the context so downstream
// metrics/logging can rely on low-cardinality values.
func contextWithRoute(ctx context.Context, route string) context.Context {
	if route == "" {
		return ctx
	}
	return context.WithValue(ctx, routeKey{}, route)
}

func routeFromContext(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if route, ok := ctx.Value(routeKey{}).(string); ok && route != "" {
		return route
	}
	return "unknown"
}
