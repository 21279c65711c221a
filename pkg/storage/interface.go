package storage

import (
	"context"
	"time"

	"github.com/gridtrade/gridtrade/pkg/types"
)

// Database archives executed trades and market price samples. The archive is
// write-mostly: the simulation never reads it back to restore state, only the
// history endpoints query it.
type Database interface {
	// InsertTransactions stores trades. Re-inserting a trade with a known id
	// is not an error.
	InsertTransactions(ctx context.Context, txs []types.Transaction) error
	// InsertPrice stores one market price sample.
	InsertPrice(ctx context.Context, p types.PricePoint) error

	// GetTransactionHistory returns trades with start <= timestamp < end,
	// oldest first.
	GetTransactionHistory(ctx context.Context, start, end time.Time) ([]types.Transaction, error)
	// GetPriceHistory returns price samples with start <= timestamp < end,
	// oldest first.
	GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PricePoint, error)

	Close() error
}
