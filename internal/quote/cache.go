// Package quote serves stock prices from a TTL cache in front of a
// pluggable source. The engine treats it as a collaborator that either
// returns a priced quote or fails with ErrQuoteUnavailable.
package quote

import (
	"context"
	"sync"
	"time"

	"daytrader/internal/lock"
	"daytrader/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// Data is one priced quote with its server proof.
type Data struct {
	UserID    string          `json:"userId"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
	Proof     string          `json:"proof"`
}

// Source fetches a fresh quote from the price authority.
type Source interface {
	Fetch(ctx context.Context, symbol, userID string) (Data, error)
}

// Config controls cache behavior.
type Config struct {
	// TTL is how long a fetched quote stays valid for the same
	// (symbol, user) pair.
	TTL time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	return cfg
}

type entry struct {
	data    Data
	expires time.Time
}

// Cache memoizes quotes per (symbol, user). Concurrent fetches of the
// same pair serialize through the QUOTE stripe so the source sees one
// request.
type Cache struct {
	cfg   Config
	src   Source
	locks *lock.Manager

	mu      sync.RWMutex
	entries map[string]entry
}

// NewCache wraps a source with TTL memoization.
func NewCache(cfg Config, src Source, locks *lock.Manager) *Cache {
	return &Cache{
		cfg:     cfg.withDefaults(),
		src:     src,
		locks:   locks,
		entries: make(map[string]entry),
	}
}

// GetQuote returns a cached quote when fresh, fetching from the source
// otherwise. Failures surface as ErrQuoteUnavailable.
func (c *Cache) GetQuote(ctx context.Context, symbol, userID string, txnID int64) (Data, error) {
	key := symbol + "." + userID

	if d, ok := c.lookup(key); ok {
		return d, nil
	}

	if _, err := c.locks.RequestLock(key, lock.ClassQuote); err != nil {
		return Data{}, err
	}
	defer c.locks.ReleaseLock(key, lock.ClassQuote)

	// Another waiter may have filled the entry while we queued.
	if d, ok := c.lookup(key); ok {
		return d, nil
	}

	d, err := c.src.Fetch(ctx, symbol, userID)
	if err != nil {
		return Data{}, errors.Wrapf(exception.ErrQuoteUnavailable, "symbol: %s, txn: %d, cause: %+v", symbol, txnID, err)
	}

	c.mu.Lock()
	c.entries[key] = entry{data: d, expires: time.Now().Add(c.cfg.TTL)}
	c.mu.Unlock()
	return d, nil
}

func (c *Cache) lookup(key string) (Data, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		return Data{}, false
	}
	return e.data, true
}
