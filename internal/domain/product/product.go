package product

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("product: not found")
	ErrRemote   = errors.New("product: remote catalog failure")
	ErrTimeout  = errors.New("product: lookup timed out")
	ErrInvalid  = errors.New("product: code is required")
)

// Product is the part of a catalog entry the order pipeline consumes.
type Product struct {
	ID string
}

// Lookup resolves a product id against the catalog. The returned Product carries the
// canonical id, which may differ from the requested one.
type Lookup interface {
	Lookup(ctx context.Context, productID string) (Product, error)
}

// Details is the full catalog record served by the product catalog.
type Details struct {
	Code        string `json:"productCode" bson:"_id"`
	Name        string `json:"name" bson:"name"`
	Description string `json:"description" bson:"description"`
	Status      string `json:"status" bson:"status"`
}

// Store is the catalog's backing storage.
type Store interface {
	Get(ctx context.Context, code string) (*Details, error)
	Put(ctx context.Context, d *Details) error
}
