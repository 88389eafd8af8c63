// Package ledger holds the partitioned in-memory tables (Users,
// Triggers, PendingTransactions) behind reservation-aware mutators.
// Every mutator acquires the stripe lock for its resource class,
// replaces the table entry wholesale, and marks the entry's bucket
// dirty for the background snapshot writer.
package ledger

import (
	"sync"
	"time"

	"daytrader/internal/lock"
	"daytrader/internal/schema"
	"daytrader/internal/stripe"
	"daytrader/pkg/exception"

	"github.com/shopspring/decimal"
)

// Config sizes the ledger and its persistence.
type Config struct {
	// Dir is the snapshot directory. Empty disables persistence.
	Dir string
	// Buckets is the fixed hash-bucket count per table.
	Buckets int
	// DirtyQueueSize bounds the change queue; markers beyond it are
	// dropped and recovered by the next mutation of the same bucket.
	DirtyQueueSize int
}

func (cfg Config) withDefaults() Config {
	if cfg.Buckets <= 0 {
		cfg.Buckets = 10
	}
	if cfg.DirtyQueueSize <= 0 {
		cfg.DirtyQueueSize = 4096
	}
	return cfg
}

// Ledger is the shared mutable financial state. Entries are stored as
// immutable values: a read-modify-write under the stripe lock builds a
// fresh copy and swaps it in, so the snapshot writer can read entries
// without holding stripe locks.
type Ledger struct {
	cfg   Config
	locks *lock.Manager

	usersMu sync.RWMutex
	users   map[string]Account

	trigMu   sync.RWMutex
	triggers map[schema.TriggerKey]Trigger

	pendMu  sync.RWMutex
	pending map[schema.PendingKey][]PendingTxn

	buckets stripe.Table
	dirty   chan marker
	drops   uint64
	closed  uint32
	wg      sync.WaitGroup
}

// New creates an empty ledger. Call Load to read existing snapshots
// and Start to run the snapshot writer.
func New(cfg Config, locks *lock.Manager) *Ledger {
	cfg = cfg.withDefaults()
	return &Ledger{
		cfg:      cfg,
		locks:    locks,
		users:    make(map[string]Account),
		triggers: make(map[schema.TriggerKey]Trigger),
		pending:  make(map[schema.PendingKey][]PendingTxn),
		buckets:  stripe.New(cfg.Buckets),
		dirty:    make(chan marker, cfg.DirtyQueueSize),
	}
}

// --- user table ---

// AddUserMoney credits a user's balance, creating the account on first
// use. Accounts are never deleted.
func (l *Ledger) AddUserMoney(userID string, amount decimal.Decimal) (Account, error) {
	if _, err := l.locks.RequestLock(userID, lock.ClassUser); err != nil {
		return Account{}, err
	}
	defer l.locks.ReleaseLock(userID, lock.ClassUser)

	acct := l.loadOrCreate(userID)
	next := acct.Balance.Add(amount)
	if next.LessThan(acct.Reserved) {
		return Account{}, exception.ErrInsufficientFunds
	}
	acct.Balance = next
	l.putUser(acct)
	return acct, nil
}

// ReserveMoney moves amount from the free balance into the reservation
// without changing the balance itself.
func (l *Ledger) ReserveMoney(userID string, amount decimal.Decimal) (Account, error) {
	if _, err := l.locks.RequestLock(userID, lock.ClassUser); err != nil {
		return Account{}, err
	}
	defer l.locks.ReleaseLock(userID, lock.ClassUser)

	acct, ok := l.loadUser(userID)
	if !ok {
		return Account{}, exception.ErrNotFound
	}
	if amount.IsNegative() {
		return Account{}, exception.ErrInsufficientFunds
	}
	next := acct.Reserved.Add(amount)
	if next.GreaterThan(acct.Balance) {
		return Account{}, exception.ErrInsufficientFunds
	}
	acct.Reserved = next
	l.putUser(acct)
	return acct, nil
}

// UnreserveMoney releases a prior reservation back to the free balance.
func (l *Ledger) UnreserveMoney(userID string, amount decimal.Decimal) (Account, error) {
	if _, err := l.locks.RequestLock(userID, lock.ClassUser); err != nil {
		return Account{}, err
	}
	defer l.locks.ReleaseLock(userID, lock.ClassUser)

	acct, ok := l.loadUser(userID)
	if !ok {
		return Account{}, exception.ErrNotFound
	}
	if amount.IsNegative() {
		return Account{}, exception.ErrInsufficientFunds
	}
	next := acct.Reserved.Sub(amount)
	if next.IsNegative() {
		return Account{}, exception.ErrInsufficientFunds
	}
	acct.Reserved = next
	l.putUser(acct)
	return acct, nil
}

// ReserveShares moves shares out of the real position into the
// reservation held by a standing sell trigger.
func (l *Ledger) ReserveShares(userID, stock string, shares int64) (Account, error) {
	if _, err := l.locks.RequestLock(userID, lock.ClassUser); err != nil {
		return Account{}, err
	}
	defer l.locks.ReleaseLock(userID, lock.ClassUser)

	acct, ok := l.loadUser(userID)
	if !ok {
		return Account{}, exception.ErrNotFound
	}
	h := acct.Stocks[stock]
	if shares < 0 || h.Real < shares {
		return Account{}, exception.ErrInsufficientShares
	}
	h.Real -= shares
	h.Reserved += shares
	acct.Stocks[stock] = h
	l.putUser(acct)
	return acct, nil
}

// UnreserveShares returns reserved shares to the real position.
func (l *Ledger) UnreserveShares(userID, stock string, shares int64) (Account, error) {
	if _, err := l.locks.RequestLock(userID, lock.ClassUser); err != nil {
		return Account{}, err
	}
	defer l.locks.ReleaseLock(userID, lock.ClassUser)

	acct, ok := l.loadUser(userID)
	if !ok {
		return Account{}, exception.ErrNotFound
	}
	h := acct.Stocks[stock]
	if shares < 0 || h.Reserved < shares {
		return Account{}, exception.ErrInsufficientShares
	}
	h.Reserved -= shares
	h.Real += shares
	acct.Stocks[stock] = h
	l.putUser(acct)
	return acct, nil
}

// ApplyBuy debits cost from the free balance and credits shares. Used
// by COMMIT_BUY, where the pending record itself was the only hold.
func (l *Ledger) ApplyBuy(userID, stock string, shares int64, cost decimal.Decimal) (Account, error) {
	if _, err := l.locks.RequestLock(userID, lock.ClassUser); err != nil {
		return Account{}, err
	}
	defer l.locks.ReleaseLock(userID, lock.ClassUser)

	acct, ok := l.loadUser(userID)
	if !ok {
		return Account{}, exception.ErrNotFound
	}
	if acct.Free().LessThan(cost) {
		return Account{}, exception.ErrInsufficientFunds
	}
	acct.Balance = acct.Balance.Sub(cost)
	h := acct.Stocks[stock]
	h.Real += shares
	acct.Stocks[stock] = h
	l.putUser(acct)
	return acct, nil
}

// ApplySell debits real shares and credits the proceeds.
func (l *Ledger) ApplySell(userID, stock string, shares int64, proceeds decimal.Decimal) (Account, error) {
	if _, err := l.locks.RequestLock(userID, lock.ClassUser); err != nil {
		return Account{}, err
	}
	defer l.locks.ReleaseLock(userID, lock.ClassUser)

	acct, ok := l.loadUser(userID)
	if !ok {
		return Account{}, exception.ErrNotFound
	}
	h := acct.Stocks[stock]
	if h.Real < shares {
		return Account{}, exception.ErrInsufficientShares
	}
	h.Real -= shares
	acct.Stocks[stock] = h
	acct.Balance = acct.Balance.Add(proceeds)
	l.putUser(acct)
	return acct, nil
}

// CommitTriggerBuy spends a fired BUY trigger's reservation: the whole
// reserved amount is released, cost leaves the balance, and any
// remainder implicitly returns to the free balance.
func (l *Ledger) CommitTriggerBuy(userID, stock string, reserved decimal.Decimal, shares int64, cost decimal.Decimal) (Account, error) {
	if _, err := l.locks.RequestLock(userID, lock.ClassUser); err != nil {
		return Account{}, err
	}
	defer l.locks.ReleaseLock(userID, lock.ClassUser)

	acct, ok := l.loadUser(userID)
	if !ok {
		return Account{}, exception.ErrNotFound
	}
	if acct.Reserved.LessThan(reserved) || cost.GreaterThan(reserved) {
		return Account{}, exception.ErrInsufficientFunds
	}
	acct.Reserved = acct.Reserved.Sub(reserved)
	acct.Balance = acct.Balance.Sub(cost)
	h := acct.Stocks[stock]
	h.Real += shares
	acct.Stocks[stock] = h
	l.putUser(acct)
	return acct, nil
}

// CommitTriggerSell sells a fired SELL trigger's reserved shares and
// credits the proceeds.
func (l *Ledger) CommitTriggerSell(userID, stock string, shares int64, proceeds decimal.Decimal) (Account, error) {
	if _, err := l.locks.RequestLock(userID, lock.ClassUser); err != nil {
		return Account{}, err
	}
	defer l.locks.ReleaseLock(userID, lock.ClassUser)

	acct, ok := l.loadUser(userID)
	if !ok {
		return Account{}, exception.ErrNotFound
	}
	h := acct.Stocks[stock]
	if h.Reserved < shares {
		return Account{}, exception.ErrInsufficientShares
	}
	h.Reserved -= shares
	acct.Stocks[stock] = h
	acct.Balance = acct.Balance.Add(proceeds)
	l.putUser(acct)
	return acct, nil
}

// GetUser returns a snapshot of the account taken under its stripe.
func (l *Ledger) GetUser(userID string) (Account, error) {
	if _, err := l.locks.RequestLock(userID, lock.ClassUser); err != nil {
		return Account{}, err
	}
	defer l.locks.ReleaseLock(userID, lock.ClassUser)

	acct, ok := l.loadUser(userID)
	if !ok {
		return Account{}, exception.ErrNotFound
	}
	return acct, nil
}

// GetReservedShares returns the reserved share count for one stock.
func (l *Ledger) GetReservedShares(userID, stock string) (int64, error) {
	acct, err := l.GetUser(userID)
	if err != nil {
		return 0, err
	}
	return acct.Stocks[stock].Reserved, nil
}

// --- pending transaction table ---

// PushPendingTxn appends to the per-(user, kind) list.
func (l *Ledger) PushPendingTxn(p PendingTxn) error {
	key := p.Key()
	if _, err := l.locks.RequestLock(key.String(), lock.ClassTransaction); err != nil {
		return err
	}
	defer l.locks.ReleaseLock(key.String(), lock.ClassTransaction)

	l.pendMu.Lock()
	list := append([]PendingTxn(nil), l.pending[key]...)
	list = append(list, p)
	l.pending[key] = list
	l.pendMu.Unlock()
	l.markDirty(tablePending, key.String())
	return nil
}

// PopPendingTxn removes and returns the most recent non-expired entry.
// Expired entries encountered on the way are discarded; expiry is
// advisory so no separate sweep owns them.
func (l *Ledger) PopPendingTxn(userID string, kind schema.OrderKind) (PendingTxn, error) {
	key := schema.PendingKey{UserID: userID, Kind: kind}
	if _, err := l.locks.RequestLock(key.String(), lock.ClassTransaction); err != nil {
		return PendingTxn{}, err
	}
	defer l.locks.ReleaseLock(key.String(), lock.ClassTransaction)

	now := time.Now()

	l.pendMu.Lock()
	list := append([]PendingTxn(nil), l.pending[key]...)
	var popped PendingTxn
	found := false
	for len(list) > 0 {
		last := list[len(list)-1]
		list = list[:len(list)-1]
		if last.Expired(now) {
			continue
		}
		popped = last
		found = true
		break
	}
	l.pending[key] = list
	l.pendMu.Unlock()
	l.markDirty(tablePending, key.String())

	if !found {
		return PendingTxn{}, exception.ErrNoPendingTxn
	}
	return popped, nil
}

// --- trigger table ---

// AddNewTrigger upserts a trigger; a second SET overwrites.
func (l *Ledger) AddNewTrigger(t Trigger) error {
	key := t.Key()
	if _, err := l.locks.RequestLock(key.String(), lock.ClassTrigger); err != nil {
		return err
	}
	defer l.locks.ReleaseLock(key.String(), lock.ClassTrigger)

	l.trigMu.Lock()
	l.triggers[key] = t
	l.trigMu.Unlock()
	l.markDirty(tableTriggers, key.String())
	return nil
}

// CancelTrigger removes and returns a trigger.
func (l *Ledger) CancelTrigger(key schema.TriggerKey) (Trigger, error) {
	if _, err := l.locks.RequestLock(key.String(), lock.ClassTrigger); err != nil {
		return Trigger{}, err
	}
	defer l.locks.ReleaseLock(key.String(), lock.ClassTrigger)

	l.trigMu.Lock()
	t, ok := l.triggers[key]
	if ok {
		delete(l.triggers, key)
	}
	l.trigMu.Unlock()
	if !ok {
		return Trigger{}, exception.ErrNotFound
	}
	l.markDirty(tableTriggers, key.String())
	return t, nil
}

// GetTrigger reads a trigger under its stripe.
func (l *Ledger) GetTrigger(key schema.TriggerKey) (Trigger, error) {
	if _, err := l.locks.RequestLock(key.String(), lock.ClassTrigger); err != nil {
		return Trigger{}, err
	}
	defer l.locks.ReleaseLock(key.String(), lock.ClassTrigger)

	l.trigMu.RLock()
	t, ok := l.triggers[key]
	l.trigMu.RUnlock()
	if !ok {
		return Trigger{}, exception.ErrNotFound
	}
	return t, nil
}

// ListTriggers snapshots every stored trigger for the firing poller.
func (l *Ledger) ListTriggers() []Trigger {
	l.trigMu.RLock()
	out := make([]Trigger, 0, len(l.triggers))
	for _, t := range l.triggers {
		out = append(out, t)
	}
	l.trigMu.RUnlock()
	return out
}

// --- internal map access ---

func (l *Ledger) loadUser(userID string) (Account, bool) {
	l.usersMu.RLock()
	acct, ok := l.users[userID]
	l.usersMu.RUnlock()
	if !ok {
		return Account{}, false
	}
	return acct.clone(), true
}

func (l *Ledger) loadOrCreate(userID string) Account {
	if acct, ok := l.loadUser(userID); ok {
		return acct
	}
	return newAccount(userID)
}

func (l *Ledger) putUser(acct Account) {
	l.usersMu.Lock()
	l.users[acct.UserID] = acct
	l.usersMu.Unlock()
	l.markDirty(tableUsers, acct.UserID)
}
