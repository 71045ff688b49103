package executor

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownDatabase marks a report referencing a database key absent
// from configuration.
var ErrUnknownDatabase = errors.New("unknown database")

// Database is one configured connection target.
type Database struct {
	Driver string
	DSN    string
}

// DBPool lazily opens and caches one connection pool per configured
// database key. It is created at run start and closed at run end; no
// connection state outlives a run.
type DBPool struct {
	databases map[string]Database

	mu   sync.Mutex
	open map[string]*sql.DB
}

// NewDBPool returns a pool over the configured databases.
func NewDBPool(databases map[string]Database) *DBPool {
	return &DBPool{
		databases: databases,
		open:      make(map[string]*sql.DB),
	}
}

// Get returns the connection pool for key, opening it on first use.
func (p *DBPool) Get(key string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.open[key]; ok {
		return db, nil
	}

	cfg, ok := p.databases[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDatabase, key)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", key, err)
	}

	p.open[key] = db

	return db, nil
}

// Close releases every opened connection pool.
func (p *DBPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error

	for key, db := range p.open {
		err := db.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("close database %q: %w", key, err))
		}
	}

	p.open = make(map[string]*sql.DB)

	return errors.Join(errs...)
}
