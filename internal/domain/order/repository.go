package order

import "context"

// Repository persists order aggregates.
//
// Save is atomic: either the order and all of its items are stored and the assigned id is
// returned, or nothing is stored. An order that already carries an id is upserted.
type Repository interface {
	Save(ctx context.Context, order *Order) (ID, error)
	FindByID(ctx context.Context, id ID) (*Order, error)
}
