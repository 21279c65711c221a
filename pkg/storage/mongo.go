package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gridtrade/gridtrade/pkg/types"
)

// Mongo implements Database on MongoDB. Timestamps are stored as BSON dates,
// which keep millisecond precision.
type Mongo struct {
	uri      string
	database string

	client *mongo.Client
	db     *mongo.Database
}

func configuredMongo() *Mongo {
	uri := lflag.String("mongo-uri", "", "MongoDB connection URI")
	database := lflag.String("mongo-database", "gridtrade", "MongoDB database name")

	m := &Mongo{}
	lflag.Do(func() {
		m.uri = *uri
		m.database = *database
	})
	return m
}

type mongoTransaction struct {
	ID          string    `bson:"_id"`
	Timestamp   time.Time `bson:"timestamp"`
	BuyerID     string    `bson:"buyer_id"`
	SellerID    string    `bson:"seller_id"`
	EnergyKWH   float64   `bson:"energy_kwh"`
	PricePerKWH float64   `bson:"price_per_kwh"`
	TotalCost   float64   `bson:"total_cost"`
}

type mongoPrice struct {
	Timestamp time.Time `bson:"timestamp"`
	Price     float64   `bson:"price"`
}

// Validate checks if the provider is properly configured.
func (m *Mongo) Validate() error {
	if m.uri == "" {
		return fmt.Errorf("mongo-uri is required")
	}
	if m.database == "" {
		return fmt.Errorf("mongo-database is required")
	}
	return nil
}

// Init connects, verifies the connection and creates the indexes.
func (m *Mongo) Init(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(m.uri))
	if err != nil {
		return fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return fmt.Errorf("failed to ping mongo: %w", err)
	}
	m.client = client
	m.db = client.Database(m.database)

	_, err = m.db.Collection("transactions").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "timestamp", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create transactions index: %w", err)
	}
	_, err = m.db.Collection("price_history").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "timestamp", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create price_history index: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (m *Mongo) Close() error {
	if m.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// InsertTransactions inserts trades unordered so one duplicate does not stop
// the rest.
func (m *Mongo) InsertTransactions(ctx context.Context, txs []types.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(txs))
	for _, t := range txs {
		docs = append(docs, mongoTransaction{
			ID:          t.ID,
			Timestamp:   t.Timestamp.UTC(),
			BuyerID:     t.BuyerID,
			SellerID:    t.SellerID,
			EnergyKWH:   t.EnergyKWH,
			PricePerKWH: t.PricePerKWH,
			TotalCost:   t.TotalCost,
		})
	}
	_, err := m.db.Collection("transactions").InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("failed to insert transactions: %w", err)
	}
	return nil
}

// InsertPrice upserts a price sample by timestamp.
func (m *Mongo) InsertPrice(ctx context.Context, p types.PricePoint) error {
	doc := mongoPrice{Timestamp: p.Timestamp.UTC(), Price: p.Price}
	_, err := m.db.Collection("price_history").ReplaceOne(ctx,
		bson.M{"timestamp": doc.Timestamp},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to insert price: %w", err)
	}
	return nil
}

func rangeFilter(start, end time.Time) bson.M {
	return bson.M{"timestamp": bson.M{"$gte": start.UTC(), "$lt": end.UTC()}}
}

// GetTransactionHistory returns trades in [start, end).
func (m *Mongo) GetTransactionHistory(ctx context.Context, start, end time.Time) ([]types.Transaction, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := m.db.Collection("transactions").Find(ctx, rangeFilter(start, end), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoTransaction
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %w", err)
	}
	txs := make([]types.Transaction, 0, len(docs))
	for _, d := range docs {
		txs = append(txs, types.Transaction{
			ID:          d.ID,
			Timestamp:   d.Timestamp.UTC(),
			BuyerID:     d.BuyerID,
			SellerID:    d.SellerID,
			EnergyKWH:   d.EnergyKWH,
			PricePerKWH: d.PricePerKWH,
			TotalCost:   d.TotalCost,
		})
	}
	return txs, nil
}

// GetPriceHistory returns price samples in [start, end).
func (m *Mongo) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PricePoint, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cursor, err := m.db.Collection("price_history").Find(ctx, rangeFilter(start, end), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []mongoPrice
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode prices: %w", err)
	}
	prices := make([]types.PricePoint, 0, len(docs))
	for _, d := range docs {
		prices = append(prices, types.PricePoint{Timestamp: d.Timestamp.UTC(), Price: d.Price})
	}
	return prices, nil
}
