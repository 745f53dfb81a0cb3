package catalog

import (
	"errors"

	"github.com/Zhima-Mochi/minishop-orders/internal/domain/product"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/breaker"
)

// IsFailure reports whether a lookup error should count against the catalog breaker.
// An unknown product is a valid answer from a healthy catalog.
func IsFailure(err error) bool {
	return breaker.DefaultFailurePredicate(err) && !errors.Is(err, product.ErrNotFound)
}
