package memory

import (
	"context"
	"sync"

	"github.com/Zhima-Mochi/minishop-orders/internal/domain/product"
)

type ProductStore struct {
	mu       sync.RWMutex
	products map[string]product.Details
}

func NewProductStore(seed ...product.Details) *ProductStore {
	s := &ProductStore{products: make(map[string]product.Details, len(seed))}
	for _, d := range seed {
		s.products[d.Code] = d
	}
	return s
}

func (s *ProductStore) Get(ctx context.Context, code string) (*product.Details, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.products[code]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &d, nil
}

func (s *ProductStore) Put(ctx context.Context, d *product.Details) error {
	_ = ctx
	if d == nil || d.Code == "" {
		return product.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[d.Code] = *d
	return nil
}
