package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	domain "github.com/Zhima-Mochi/minishop-orders/internal/domain/order"
)

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Save writes the order row and its items in one transaction.
func (r *OrderRepository) Save(ctx context.Context, order *domain.Order) (_ domain.ID, err error) {
	if order == nil {
		return 0, fmt.Errorf("order repository: order is required")
	}
	if err := order.Validate(); err != nil {
		return 0, fmt.Errorf("order repository: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	id, err := r.saveWithQuerier(ctx, tx, order)
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func (r *OrderRepository) saveWithQuerier(ctx context.Context, q querier, order *domain.Order) (domain.ID, error) {
	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	id := order.ID
	if id == 0 {
		res, err := q.ExecContext(ctx,
			"INSERT INTO om_order (status, created_at) VALUES (?, ?)",
			string(order.Status), createdAt.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("insert order: %w", err)
		}
		last, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		id = domain.ID(last)
	} else {
		_, err := q.ExecContext(ctx, `
			INSERT INTO om_order (id, status, created_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET status = excluded.status
		`, int64(id), string(order.Status), createdAt.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("upsert order: %w", err)
		}
		if _, err := q.ExecContext(ctx, "DELETE FROM om_order_item WHERE order_id = ?", int64(id)); err != nil {
			return 0, fmt.Errorf("clear items: %w", err)
		}
	}

	for i, it := range order.Items {
		_, err := q.ExecContext(ctx,
			"INSERT INTO om_order_item (order_id, position, product_id, count) VALUES (?, ?, ?, ?)",
			int64(id), i, it.ProductID, it.Count)
		if err != nil {
			return 0, fmt.Errorf("insert item %d: %w", i, err)
		}
	}
	return id, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, id domain.ID) (*domain.Order, error) {
	var (
		status    string
		createdAt int64
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT status, created_at FROM om_order WHERE id = ?", int64(id),
	).Scan(&status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select order: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT product_id, count FROM om_order_item WHERE order_id = ? ORDER BY position", int64(id))
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	defer rows.Close()

	o := &domain.Order{
		ID:        id,
		Status:    domain.Status(status),
		CreatedAt: time.UnixMilli(createdAt).UTC(),
	}
	for rows.Next() {
		var it domain.Item
		if err := rows.Scan(&it.ProductID, &it.Count); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}
