package order

import (
	"errors"
	"strconv"
	"time"
)

var (
	ErrNotFound       = errors.New("order: not found")
	ErrNoItems        = errors.New("order: at least one item is required")
	ErrInvalidCount   = errors.New("order: count must be greater than zero")
	ErrInvalidProduct = errors.New("order: product id is required")
	ErrInvalidStatus  = errors.New("order: status is required")
)

type Status string

const (
	StatusBooked Status = "BOOKED"
)

// ID is the integer identity assigned by a Repository. Zero means unassigned.
type ID int64

func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseID parses the decimal form produced by ID.String.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, ErrNotFound
	}
	return ID(v), nil
}

type Item struct {
	ProductID string
	Count     int
}

type Order struct {
	ID        ID
	Status    Status
	Items     []Item
	CreatedAt time.Time
}

// New builds a BOOKED order from resolved items, preserving their order.
func New(items []Item) (*Order, error) {
	o := &Order{
		Status:    StatusBooked,
		Items:     append([]Item(nil), items...),
		CreatedAt: time.Now().UTC(),
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Validate checks the invariants a Repository relies on before saving.
func (o *Order) Validate() error {
	if o.Status == "" {
		return ErrInvalidStatus
	}
	if len(o.Items) == 0 {
		return ErrNoItems
	}
	for _, it := range o.Items {
		if it.ProductID == "" {
			return ErrInvalidProduct
		}
		if it.Count <= 0 {
			return ErrInvalidCount
		}
	}
	return nil
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Items = append([]Item(nil), o.Items...)
	return &clone
}
