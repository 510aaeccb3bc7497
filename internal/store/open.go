package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Store driver names.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Locator names a store that another process can open. It travels with every
// job so workers write results where the serving process reads them.
type Locator struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// Open connects to the store named by loc.
func Open(ctx context.Context, loc Locator) (Store, error) {
	switch loc.Driver {
	case DriverSQLite:
		if loc.DSN == "" || loc.DSN == ":memory:" {
			return nil, fmt.Errorf("open sqlite store %q: %w", loc.DSN, ErrUnsharedStore)
		}
		return NewSQLiteStore(loc.DSN)
	case DriverRedis:
		opts, err := redis.ParseURL(loc.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		s := NewRedisStore(client, withOwnedClient(client))
		if err := s.Ping(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return s, nil
	case DriverMemory:
		return nil, fmt.Errorf("open memory store: %w", ErrUnsharedStore)
	}
	return nil, fmt.Errorf("unknown store driver %q", loc.Driver)
}
