package storage

import (
	"context"
	"errors"
	"time"

	"github.com/gridtrade/gridtrade/pkg/types"
)

var (
	ErrUnknownProvider = errors.New("unknown storage provider")
	ErrInvalidRange    = errors.New("invalid time range")
)

func checkRange(start, end time.Time) error {
	if !end.After(start) {
		return ErrInvalidRange
	}
	return nil
}

// Nop discards everything written to it. It backs the "none" provider.
type Nop struct{}

var _ Database = Nop{}

func (Nop) InsertTransactions(context.Context, []types.Transaction) error { return nil }

func (Nop) InsertPrice(context.Context, types.PricePoint) error { return nil }

func (Nop) GetTransactionHistory(_ context.Context, start, end time.Time) ([]types.Transaction, error) {
	return nil, checkRange(start, end)
}

func (Nop) GetPriceHistory(_ context.Context, start, end time.Time) ([]types.PricePoint, error) {
	return nil, checkRange(start, end)
}

func (Nop) Close() error { return nil }
