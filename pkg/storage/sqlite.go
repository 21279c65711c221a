package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/levenlabs/go-lflag"
	_ "modernc.org/sqlite"

	"github.com/gridtrade/gridtrade/pkg/types"
)

// SQLite implements Database on a local SQLite file. Timestamps are stored as
// unix nanoseconds so range queries compare integers.
type SQLite struct {
	path string
	db   *sqlx.DB
}

func configuredSQLite() *SQLite {
	path := lflag.String("sqlite-path", "gridtrade.db", "Path of the SQLite archive file")

	s := &SQLite{}
	lflag.Do(func() {
		s.path = *path
	})
	return s
}

// NewSQLite opens (creating if needed) the archive at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	s := &SQLite{path: path}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks if the provider is properly configured.
func (s *SQLite) Validate() error {
	if s.path == "" {
		return fmt.Errorf("sqlite-path is required")
	}
	return nil
}

// Init opens the database and applies the schema.
func (s *SQLite) Init(ctx context.Context) error {
	db, err := sqlx.Open("sqlite", s.path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	// SQLite allows one writer at a time
	db.SetMaxOpenConns(1)
	s.db = db
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		buyer_id TEXT NOT NULL,
		seller_id TEXT NOT NULL,
		energy_kwh REAL NOT NULL,
		price_per_kwh REAL NOT NULL,
		total_cost REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS price_history (
		ts INTEGER PRIMARY KEY,
		price REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_ts ON transactions(ts);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type transactionRow struct {
	ID          string  `db:"id"`
	TS          int64   `db:"ts"`
	BuyerID     string  `db:"buyer_id"`
	SellerID    string  `db:"seller_id"`
	EnergyKWH   float64 `db:"energy_kwh"`
	PricePerKWH float64 `db:"price_per_kwh"`
	TotalCost   float64 `db:"total_cost"`
}

type priceRow struct {
	TS    int64   `db:"ts"`
	Price float64 `db:"price"`
}

// InsertTransactions writes all trades in one database transaction.
func (s *SQLite) InsertTransactions(ctx context.Context, txs []types.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, `INSERT OR IGNORE INTO transactions
		(id, ts, buyer_id, seller_id, energy_kwh, price_per_kwh, total_cost)
		VALUES (:id, :ts, :buyer_id, :seller_id, :energy_kwh, :price_per_kwh, :total_cost)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range txs {
		row := transactionRow{
			ID:          t.ID,
			TS:          t.Timestamp.UnixNano(),
			BuyerID:     t.BuyerID,
			SellerID:    t.SellerID,
			EnergyKWH:   t.EnergyKWH,
			PricePerKWH: t.PricePerKWH,
			TotalCost:   t.TotalCost,
		}
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			return fmt.Errorf("failed to insert transaction %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// InsertPrice stores a price sample, replacing any sample with the same
// timestamp.
func (s *SQLite) InsertPrice(ctx context.Context, p types.PricePoint) error {
	_, err := s.db.NamedExecContext(ctx,
		"INSERT OR REPLACE INTO price_history (ts, price) VALUES (:ts, :price)",
		priceRow{TS: p.Timestamp.UnixNano(), Price: p.Price},
	)
	if err != nil {
		return fmt.Errorf("failed to insert price: %w", err)
	}
	return nil
}

// GetTransactionHistory returns trades in [start, end).
func (s *SQLite) GetTransactionHistory(ctx context.Context, start, end time.Time) ([]types.Transaction, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	var rows []transactionRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM transactions WHERE ts >= ? AND ts < ? ORDER BY ts, id",
		start.UnixNano(), end.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	txs := make([]types.Transaction, 0, len(rows))
	for _, r := range rows {
		txs = append(txs, types.Transaction{
			ID:          r.ID,
			Timestamp:   time.Unix(0, r.TS).UTC(),
			BuyerID:     r.BuyerID,
			SellerID:    r.SellerID,
			EnergyKWH:   r.EnergyKWH,
			PricePerKWH: r.PricePerKWH,
			TotalCost:   r.TotalCost,
		})
	}
	return txs, nil
}

// GetPriceHistory returns price samples in [start, end).
func (s *SQLite) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PricePoint, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	var rows []priceRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT ts, price FROM price_history WHERE ts >= ? AND ts < ? ORDER BY ts",
		start.UnixNano(), end.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	prices := make([]types.PricePoint, 0, len(rows))
	for _, r := range rows {
		prices = append(prices, types.PricePoint{
			Timestamp: time.Unix(0, r.TS).UTC(),
			Price:     r.Price,
		})
	}
	return prices, nil
}
