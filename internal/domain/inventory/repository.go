package inventory

import (
	"context"
)

// Repository reserves stock. Reserve is all-or-nothing across lines.
type Repository interface {
	Reserve(ctx context.Context, orderID string, lines []Line) error
	Get(ctx context.Context, productID string) (*Item, error)
}
