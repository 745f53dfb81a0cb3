package memory

import (
	"context"
	"fmt"
	"sync"

	domain "github.com/Zhima-Mochi/minishop-orders/internal/domain/order"
)

type OrderRepository struct {
	mu     sync.RWMutex
	orders map[domain.ID]*domain.Order
	lastID domain.ID
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders: make(map[domain.ID]*domain.Order),
	}
}

func (r *OrderRepository) Save(ctx context.Context, order *domain.Order) (domain.ID, error) {
	if order == nil {
		return 0, fmt.Errorf("order repository: order is required")
	}
	if err := order.Validate(); err != nil {
		return 0, fmt.Errorf("order repository: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := order.ID
	if id == 0 {
		r.lastID++
		id = r.lastID
	} else if id > r.lastID {
		r.lastID = id
	}

	stored := cloneOrder(order)
	stored.ID = id
	r.orders[id] = stored
	return id, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, id domain.ID) (*domain.Order, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	return cloneOrder(order), nil
}

func cloneOrder(order *domain.Order) *domain.Order {
	if order == nil {
		return nil
	}
	return order.Clone()
}
