package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gridtrade/gridtrade/pkg/log"
	"github.com/gridtrade/gridtrade/pkg/types"
)

// priceDocIDLayout is a fixed-width UTC layout so document ids sort in time
// order.
const priceDocIDLayout = "2006-01-02T15:04:05.000000000Z"

// Firestore implements Database using Google Cloud Firestore. Trades live in
// the "transactions" collection keyed by trade id and price samples in
// "price_history" keyed by timestamp.
type Firestore struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *Firestore {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &Firestore{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *Firestore) Validate() error {
	// an empty project id is detected from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *Firestore) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *Firestore) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// InsertTransactions creates one document per trade. Trades that already
// exist are left untouched.
func (f *Firestore) InsertTransactions(ctx context.Context, txs []types.Transaction) error {
	coll := f.client.Collection("transactions")
	for _, tx := range txs {
		jsonBytes, err := json.Marshal(tx)
		if err != nil {
			return fmt.Errorf("failed to marshal transaction: %w", err)
		}
		_, err = coll.Doc(tx.ID).Create(ctx, map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": tx.Timestamp,
		})
		if err != nil {
			if status.Code(err) == codes.AlreadyExists {
				continue
			}
			return fmt.Errorf("failed to insert transaction %s: %w", tx.ID, err)
		}
	}
	return nil
}

// GetTransactionHistory queries trades by their timestamp field.
func (f *Firestore) GetTransactionHistory(ctx context.Context, start, end time.Time) ([]types.Transaction, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	iter := f.client.Collection("transactions").
		Where("timestamp", ">=", start.UTC()).
		Where("timestamp", "<", end.UTC()).
		OrderBy("timestamp", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var txs []types.Transaction
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating transactions: %w", err)
		}
		var tx types.Transaction
		if err := decodeJSONField(ctx, doc, &tx); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// InsertPrice stores a price sample under its timestamp.
func (f *Firestore) InsertPrice(ctx context.Context, p types.PricePoint) error {
	jsonBytes, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal price: %w", err)
	}
	docID := p.Timestamp.UTC().Format(priceDocIDLayout)
	_, err = f.client.Collection("price_history").Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": p.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert price: %w", err)
	}
	return nil
}

// GetPriceHistory uses document id range queries for efficient filtering.
func (f *Firestore) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PricePoint, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	coll := f.client.Collection("price_history")
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(start.UTC().Format(priceDocIDLayout))).
		Where(firestore.DocumentID, "<", coll.Doc(end.UTC().Format(priceDocIDLayout))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var prices []types.PricePoint
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating prices: %w", err)
		}
		var p types.PricePoint
		if err := decodeJSONField(ctx, doc, &p); err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}
	return prices, nil
}

// decodeJSONField unmarshals the "json" field of doc into v.
func decodeJSONField(ctx context.Context, doc *firestore.DocumentSnapshot, v any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("docID", doc.Ref.ID))
		return fmt.Errorf("document %s 'json' field is not string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		return fmt.Errorf("failed to unmarshal document (id=%s): %w", doc.Ref.ID, err)
	}
	return nil
}
