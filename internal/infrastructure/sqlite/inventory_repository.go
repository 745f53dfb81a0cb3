package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	domain "github.com/Zhima-Mochi/minishop-orders/internal/domain/inventory"
)

type InventoryRepository struct {
	db           *sql.DB
	defaultStock int
}

// NewInventoryRepository stocks a product with defaultStock units the first time it is
// read. A negative defaultStock makes unknown products ErrNotFound.
func NewInventoryRepository(db *sql.DB, defaultStock int) *InventoryRepository {
	return &InventoryRepository{db: db, defaultStock: defaultStock}
}

// Stock sets the available quantity of productID, keeping what is already reserved.
func (r *InventoryRepository) Stock(ctx context.Context, productID string, available int) error {
	if available < 0 {
		return domain.ErrInvalidQuantity
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO inventory_item (product_id, available, reserved, updated_at) VALUES (?, ?, 0, ?)
		ON CONFLICT(product_id) DO UPDATE SET available = excluded.available, updated_at = excluded.updated_at
	`, productID, available, time.Now().UnixMilli())
	return err
}

func (r *InventoryRepository) Get(ctx context.Context, productID string) (*domain.Item, error) {
	return r.itemOrDefault(ctx, r.db, productID)
}

// Reserve applies every line in one transaction. A replayed orderID is a no-op.
func (r *InventoryRepository) Reserve(ctx context.Context, orderID string, lines []domain.Line) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		"INSERT INTO inventory_reservation (order_id, created_at) VALUES (?, ?) ON CONFLICT(order_id) DO NOTHING",
		orderID, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("record reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	for _, line := range lines {
		var item *domain.Item
		item, err = r.itemOrDefault(ctx, tx, line.ProductID)
		if err != nil {
			return fmt.Errorf("product %s: %w", line.ProductID, err)
		}
		if err = item.Reserve(line.Quantity); err != nil {
			return fmt.Errorf("product %s: %w", line.ProductID, err)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE inventory_item SET available = ?, reserved = ?, updated_at = ? WHERE product_id = ?",
			item.Available, item.Reserved, now.UnixMilli(), line.ProductID)
		if err != nil {
			return fmt.Errorf("update %s: %w", line.ProductID, err)
		}
	}
	return tx.Commit()
}

// itemOrDefault inserts the default stock row for a product that has none yet.
func (r *InventoryRepository) itemOrDefault(ctx context.Context, q querier, productID string) (*domain.Item, error) {
	item, err := getItem(ctx, q, productID)
	if !errors.Is(err, domain.ErrNotFound) || r.defaultStock < 0 {
		return item, err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO inventory_item (product_id, available, reserved, updated_at) VALUES (?, ?, 0, ?)
		ON CONFLICT(product_id) DO NOTHING
	`, productID, r.defaultStock, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("default stock: %w", err)
	}
	return getItem(ctx, q, productID)
}

func getItem(ctx context.Context, q querier, productID string) (*domain.Item, error) {
	item := &domain.Item{ProductID: productID}
	var updatedAt int64
	err := q.QueryRowContext(ctx,
		"SELECT available, reserved, updated_at FROM inventory_item WHERE product_id = ?", productID,
	).Scan(&item.Available, &item.Reserved, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	item.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return item, nil
}
