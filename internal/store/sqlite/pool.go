// Package sqlite implements the embedded single-file storage engine.
package sqlite

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// pool is a fixed-size pool of SQLite connections with standard pragmas
// applied. It wraps sqlitex.Pool with the same Take/Put discipline: each
// goroutine takes its own connection and puts it back when done.
type pool struct {
	inner *sqlitex.Pool
	path  string
}

func openPool(path string, size int) (*pool, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	if size <= 0 {
		size = runtime.NumCPU()
		if size < 4 {
			size = 4
		}
	}

	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening %s: %w", path, err)
	}

	log.Info().Str("path", path).Int("pool_size", size).Msg("sqlite pool opened")
	return &pool{inner: inner, path: path}, nil
}

func (p *pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: take: %w", err)
	}
	return conn, nil
}

func (p *pool) Put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *pool) Close() error {
	if err := p.inner.Close(); err != nil {
		return fmt.Errorf("sqlite: closing %s: %w", p.path, err)
	}
	return nil
}

// prepareConn runs once per connection on first use. WAL gives concurrent
// readers with a single writer; foreign_keys must be ON for the session
// cascade deletes to fire.
func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return ensureSchema(conn)
}
