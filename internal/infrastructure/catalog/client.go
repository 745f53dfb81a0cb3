package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/Zhima-Mochi/minishop-orders/internal/domain/product"
	"github.com/Zhima-Mochi/minishop-orders/internal/observability"
)

const (
	peer            = "product-management"
	endpointProduct = "GET /products/{productCode}"
	maxBodyBytes    = 1 << 20
)

// Balancer picks the endpoint to call for a service.
type Balancer interface {
	Choose(serviceName string) (string, error)
}

// Client looks products up on the remote catalog, one load-balanced GET per call.
type Client struct {
	balancer Balancer
	service  string
	http     *http.Client

	tracer       observability.Tracer
	extCounter   observability.Counter
	extHistogram observability.Histogram
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithObservability(tel observability.Observability) Option {
	return func(c *Client) {
		if tel == nil {
			return
		}
		c.tracer = tel.Tracer()
		c.extCounter = tel.Metrics().Counter(observability.MExternalRequests)
		c.extHistogram = tel.Metrics().Histogram(observability.MExternalRequestDuration)
	}
}

func NewClient(balancer Balancer, serviceName string, opts ...Option) *Client {
	c := &Client{
		balancer:     balancer,
		service:      serviceName,
		http:         &http.Client{},
		tracer:       observability.NopTracer(),
		extCounter:   observability.NopCounter(),
		extHistogram: observability.NopHistogram(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ product.Lookup = (*Client)(nil)

func (c *Client) Lookup(ctx context.Context, productID string) (_ product.Product, err error) {
	if productID == "" {
		return product.Product{}, product.ErrInvalid
	}

	ctx, span := c.tracer.Start(ctx, "catalog.Lookup",
		attribute.String("peer.service", c.service),
		attribute.String("product.id", productID),
	)
	start := time.Now()
	outcome := "success"
	defer func() {
		if err != nil {
			outcome = outcomeOf(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		c.extCounter.Add(1,
			observability.L("peer", peer),
			observability.L("endpoint", endpointProduct),
			observability.L("outcome", outcome),
		)
		c.extHistogram.Observe(time.Since(start).Seconds(),
			observability.L("peer", peer),
			observability.L("endpoint", endpointProduct),
		)
	}()

	base, err := c.balancer.Choose(c.service)
	if err != nil {
		return product.Product{}, fmt.Errorf("%w: %w", product.ErrRemote, err)
	}
	span.SetAttributes(attribute.String("server.address", base))

	u := strings.TrimRight(base, "/") + "/products/" + url.PathEscape(productID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return product.Product{}, fmt.Errorf("%w: %w", product.ErrRemote, err)
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return product.Product{}, transportError(ctx, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return product.Product{}, fmt.Errorf("%w: %s", product.ErrNotFound, productID)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return product.Product{}, fmt.Errorf("%w: status %d", product.ErrRemote, resp.StatusCode)
	}

	var d product.Details
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&d); err != nil {
		return product.Product{}, transportError(ctx, fmt.Errorf("decode: %w", err))
	}
	if d.Code == "" {
		return product.Product{}, fmt.Errorf("%w: empty productCode", product.ErrRemote)
	}
	return product.Product{ID: d.Code}, nil
}

// transportError classifies a failed round trip. Caller cancellation is passed through
// untouched so breakers do not count it.
func transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", product.ErrTimeout, err)
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %w", product.ErrRemote, err)
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, product.ErrNotFound):
		return "not_found"
	case errors.Is(err, product.ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
