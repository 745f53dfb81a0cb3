package inventory

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("inventory: product not found")
	ErrInvalidQuantity   = errors.New("inventory: quantity must be greater than zero")
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
)

// DefaultStock is the availability given to a product the first time it is seen.
const DefaultStock = 10

const (
	FailureReasonNotFound          = "not_found"
	FailureReasonInsufficientStock = "insufficient_stock"
	FailureReasonInvalidQuantity   = "invalid_quantity"
)

type Item struct {
	ProductID string
	Available int
	Reserved  int
	UpdatedAt time.Time
}

func NewItem(productID string, available int) (*Item, error) {
	if available < 0 {
		return nil, ErrInvalidQuantity
	}
	return &Item{
		ProductID: productID,
		Available: available,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// Reserve moves quantity from available to reserved stock.
func (i *Item) Reserve(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if quantity > i.Available {
		return ErrInsufficientStock
	}
	i.Available -= quantity
	i.Reserved += quantity
	i.touch()
	return nil
}

func (i *Item) touch() {
	i.UpdatedAt = time.Now().UTC()
}

// Line is one product/quantity pair of a reservation.
type Line struct {
	ProductID string
	Quantity  int
}

// FailureReason maps a reservation error to a low-cardinality reason label.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return FailureReasonNotFound
	case errors.Is(err, ErrInsufficientStock):
		return FailureReasonInsufficientStock
	case errors.Is(err, ErrInvalidQuantity):
		return FailureReasonInvalidQuantity
	default:
		return "error"
	}
}
