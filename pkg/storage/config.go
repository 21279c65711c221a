package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
)

const initTimeout = 30 * time.Second

// initer is implemented by providers that need to connect before use.
type initer interface {
	Validate() error
	Init(ctx context.Context) error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "none", "Storage provider to use (available: none, sqlite, firestore, mongo)")

	var p struct{ Database }

	fs := configuredFirestore()
	sq := configuredSQLite()
	mg := configuredMongo()

	lflag.Do(func() {
		db, err := newProvider(*provider, fs, sq, mg)
		if err != nil {
			panic(err.Error())
		}
		if in, ok := db.(initer); ok {
			if err := in.Validate(); err != nil {
				panic(fmt.Sprintf("%s validation failed: %v", *provider, err))
			}
			ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
			defer cancel()
			if err := in.Init(ctx); err != nil {
				panic(fmt.Sprintf("%s init failed: %v", *provider, err))
			}
		}
		p.Database = db
	})

	return &p
}

func newProvider(name string, fs *Firestore, sq *SQLite, mg *Mongo) (Database, error) {
	switch name {
	case "", "none":
		return Nop{}, nil
	case "firestore":
		return fs, nil
	case "sqlite":
		return sq, nil
	case "mongo":
		return mg, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
}
