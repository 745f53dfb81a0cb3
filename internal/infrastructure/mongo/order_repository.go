package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	domain "github.com/Zhima-Mochi/minishop-orders/internal/domain/order"
)

const (
	ordersCollection   = "orders"
	countersCollection = "counters"
	orderSequence      = "order_id"
)

type orderItemDocument struct {
	ProductID string `bson:"product_id"`
	Count     int    `bson:"count"`
}

type orderDocument struct {
	ID        int64               `bson:"_id"`
	Status    string              `bson:"status"`
	Items     []orderItemDocument `bson:"items"`
	CreatedAt time.Time           `bson:"created_at"`
}

type counterDocument struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

// OrderRepository stores one document per order with items embedded, so a save is a
// single-document write.
type OrderRepository struct {
	orders   *mongo.Collection
	counters *mongo.Collection
}

func NewOrderRepository(db *mongo.Database) *OrderRepository {
	return &OrderRepository{
		orders:   db.Collection(ordersCollection),
		counters: db.Collection(countersCollection),
	}
}

func (r *OrderRepository) Save(ctx context.Context, order *domain.Order) (domain.ID, error) {
	if order == nil {
		return 0, fmt.Errorf("order repository: order is required")
	}
	if err := order.Validate(); err != nil {
		return 0, fmt.Errorf("order repository: %w", err)
	}

	id := order.ID
	if id == 0 {
		next, err := r.nextID(ctx)
		if err != nil {
			return 0, err
		}
		id = next
	}

	doc := toDocument(id, order)
	_, err := r.orders.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return 0, fmt.Errorf("upsert order: %w", err)
	}
	return id, nil
}

func (r *OrderRepository) FindByID(ctx context.Context, id domain.ID) (*domain.Order, error) {
	var doc orderDocument
	err := r.orders.FindOne(ctx, bson.M{"_id": int64(id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find order: %w", err)
	}
	return fromDocument(doc), nil
}

func (r *OrderRepository) nextID(ctx context.Context) (domain.ID, error) {
	var c counterDocument
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": orderSequence},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&c)
	if err != nil {
		return 0, fmt.Errorf("allocate order id: %w", err)
	}
	return domain.ID(c.Seq), nil
}

func toDocument(id domain.ID, o *domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemDocument{ProductID: it.ProductID, Count: it.Count})
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return orderDocument{
		ID:        int64(id),
		Status:    string(o.Status),
		Items:     items,
		CreatedAt: createdAt,
	}
}

func fromDocument(doc orderDocument) *domain.Order {
	items := make([]domain.Item, 0, len(doc.Items))
	for _, it := range doc.Items {
		items = append(items, domain.Item{ProductID: it.ProductID, Count: it.Count})
	}
	return &domain.Order{
		ID:        domain.ID(doc.ID),
		Status:    domain.Status(doc.Status),
		Items:     items,
		CreatedAt: doc.CreatedAt.UTC(),
	}
}
