package memory

import (
	"context"
	"fmt"
	"sync"

	domain "github.com/Zhima-Mochi/minishop-orders/internal/domain/inventory"
)

type InventoryRepository struct {
	mu           sync.RWMutex
	items        map[string]*domain.Item
	reservations map[string]struct{}
	defaultStock int
}

// NewInventoryRepository returns a repository that lazily stocks unknown products with
// defaultStock units. A negative defaultStock makes unknown products ErrNotFound.
func NewInventoryRepository(defaultStock int) *InventoryRepository {
	return &InventoryRepository{
		items:        make(map[string]*domain.Item),
		reservations: make(map[string]struct{}),
		defaultStock: defaultStock,
	}
}

// Stock sets the available quantity of productID.
func (r *InventoryRepository) Stock(productID string, available int) error {
	item, err := domain.NewItem(productID, available)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[productID] = item
	return nil
}

func (r *InventoryRepository) Get(ctx context.Context, productID string) (*domain.Item, error) {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	item, err := r.itemLocked(productID)
	if err != nil {
		return nil, err
	}
	return cloneItem(item), nil
}

// Reserve applies every line or none. Replaying an orderID that was already reserved is a no-op.
func (r *InventoryRepository) Reserve(ctx context.Context, orderID string, lines []domain.Line) error {
	_ = ctx

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, done := r.reservations[orderID]; done {
		return nil
	}

	staged := make(map[string]*domain.Item, len(lines))
	for _, line := range lines {
		item, ok := staged[line.ProductID]
		if !ok {
			current, err := r.itemLocked(line.ProductID)
			if err != nil {
				return fmt.Errorf("product %s: %w", line.ProductID, err)
			}
			item = cloneItem(current)
			staged[line.ProductID] = item
		}
		if err := item.Reserve(line.Quantity); err != nil {
			return fmt.Errorf("product %s: %w", line.ProductID, err)
		}
	}

	for id, item := range staged {
		r.items[id] = item
	}
	r.reservations[orderID] = struct{}{}
	return nil
}

func (r *InventoryRepository) itemLocked(productID string) (*domain.Item, error) {
	if item, ok := r.items[productID]; ok {
		return item, nil
	}
	if r.defaultStock < 0 {
		return nil, domain.ErrNotFound
	}
	item, err := domain.NewItem(productID, r.defaultStock)
	if err != nil {
		return nil, err
	}
	r.items[productID] = item
	return item, nil
}

func cloneItem(item *domain.Item) *domain.Item {
	if item == nil {
		return nil
	}
	clone := *item
	return &clone
}
