package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/gridtrade/gridtrade/pkg/storage"
	"github.com/gridtrade/gridtrade/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) InsertTransactions(ctx context.Context, txs []types.Transaction) error {
	args := m.Called(ctx, txs)
	return args.Error(0)
}

func (m *MockDatabase) InsertPrice(ctx context.Context, p types.PricePoint) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockDatabase) GetTransactionHistory(ctx context.Context, start, end time.Time) ([]types.Transaction, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.Transaction), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PricePoint, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.PricePoint), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	if len(args) > 0 {
		return args.Error(0)
	}
	return nil
}
