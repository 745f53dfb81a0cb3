package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Zhima-Mochi/minishop-orders/internal/domain/product"
)

const productsCollection = "products"

type ProductStore struct {
	collection *mongo.Collection
}

func NewProductStore(db *mongo.Database) *ProductStore {
	return &ProductStore{collection: db.Collection(productsCollection)}
}

func (s *ProductStore) Get(ctx context.Context, code string) (*product.Details, error) {
	var d product.Details
	err := s.collection.FindOne(ctx, bson.M{"_id": code}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, product.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find product: %w", err)
	}
	return &d, nil
}

func (s *ProductStore) Put(ctx context.Context, d *product.Details) error {
	if d == nil || d.Code == "" {
		return product.ErrInvalid
	}
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": d.Code}, d, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}
