// Package lock provides striped mutexes per resource class with a
// bounded acquisition wait.
package lock

import (
	"time"

	"daytrader/internal/stripe"
	"daytrader/pkg/exception"
)

// Class identifies which resource family a key belongs to. Each class
// owns an independent stripe array, so a user key and a quote key
// never contend with each other.
type Class uint8

const (
	ClassUser Class = iota
	ClassQuote
	ClassTransaction
	ClassTrigger

	classCount
)

var classNames = [...]string{"USER", "QUOTE", "TRANSACTION", "TRIGGER"}

func (c Class) String() string {
	if c >= classCount {
		return "UNKNOWN"
	}
	return classNames[c]
}

// Handle identifies an acquisition for diagnostic correlation. It is
// the key's hash, not a capability: release still goes by key.
type Handle uint64

// Config sizes the manager.
type Config struct {
	// Stripes is the mutex count per class.
	Stripes int
	// AcquireTimeout bounds how long RequestLock waits for a stripe.
	AcquireTimeout time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.Stripes <= 0 {
		cfg.Stripes = 1000
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = time.Second
	}
	return cfg
}

// Manager holds one fixed-size array of mutexes per resource class.
type Manager struct {
	cfg     Config
	table   stripe.Table
	stripes [classCount][]chan struct{}
}

// NewManager allocates all stripe arrays up front.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:   cfg,
		table: stripe.New(cfg.Stripes),
	}
	for c := range m.stripes {
		m.stripes[c] = make([]chan struct{}, cfg.Stripes)
		for i := range m.stripes[c] {
			m.stripes[c][i] = make(chan struct{}, 1)
		}
	}
	return m
}

// RequestLock acquires the stripe for (class, key), waiting at most the
// configured acquire timeout. The returned handle is the key hash.
func (m *Manager) RequestLock(key string, class Class) (Handle, error) {
	if class >= classCount {
		return 0, exception.ErrLockUnknownClass
	}
	s := m.stripes[class][m.table.Index(key)]
	select {
	case s <- struct{}{}:
		return Handle(stripe.Sum64(key)), nil
	default:
	}

	timer := time.NewTimer(m.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case s <- struct{}{}:
		return Handle(stripe.Sum64(key)), nil
	case <-timer.C:
		return 0, exception.ErrLockTimeout
	}
}

// ReleaseLock releases the stripe for (class, key). Releasing a stripe
// that is not held is a no-op rather than a panic; the caller already
// failed in that situation and a crash would take the worker with it.
func (m *Manager) ReleaseLock(key string, class Class) {
	if class >= classCount {
		return
	}
	s := m.stripes[class][m.table.Index(key)]
	select {
	case <-s:
	default:
	}
}
