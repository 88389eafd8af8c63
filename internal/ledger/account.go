package ledger

import (
	"time"

	"daytrader/internal/schema"

	"github.com/shopspring/decimal"
)

// Holding is one user's position in a single stock. Reserved shares
// are moved out of Real while a standing sell trigger holds them.
type Holding struct {
	Real     int64 `json:"real"`
	Reserved int64 `json:"reserved"`
}

// Account is the per-user financial state.
//
// Invariants: Balance ≥ Reserved ≥ 0, and for every holding
// Real ≥ 0 ∧ Reserved ≥ 0. Reserved money stays inside Balance; the
// spendable amount is Balance - Reserved.
type Account struct {
	UserID   string             `json:"userId"`
	Balance  decimal.Decimal    `json:"balance"`
	Reserved decimal.Decimal    `json:"reserved"`
	Stocks   map[string]Holding `json:"stocks,omitempty"`
}

func newAccount(userID string) Account {
	return Account{
		UserID:   userID,
		Balance:  decimal.Zero,
		Reserved: decimal.Zero,
		Stocks:   make(map[string]Holding),
	}
}

// Free returns the unreserved balance.
func (a Account) Free() decimal.Decimal {
	return a.Balance.Sub(a.Reserved)
}

// Holding returns the position for a stock, zero if none.
func (a Account) Holding(stock string) Holding {
	return a.Stocks[stock]
}

func (a Account) clone() Account {
	stocks := make(map[string]Holding, len(a.Stocks))
	for sym, h := range a.Stocks {
		stocks[sym] = h
	}
	a.Stocks = stocks
	return a
}

// PendingTxn is a quoted-but-uncommitted buy or sell, held for an
// explicit COMMIT/CANCEL within the expiry window.
type PendingTxn struct {
	UserID    string           `json:"userId"`
	Kind      schema.OrderKind `json:"kind"`
	Stock     string           `json:"stock"`
	Shares    int64            `json:"shares"`
	Price     decimal.Decimal  `json:"price"`
	Requested int64            `json:"requested"`
	Expiry    time.Time        `json:"expiry"`
}

// Key returns the per-(user, kind) list key.
func (p PendingTxn) Key() schema.PendingKey {
	return schema.PendingKey{UserID: p.UserID, Kind: p.Kind}
}

// Expired reports whether the commit window has passed.
func (p PendingTxn) Expired(now time.Time) bool {
	return !p.Expiry.IsZero() && now.After(p.Expiry)
}

// Trigger is a standing conditional order. A BUY trigger holds
// Amount of reserved money; a SELL trigger holds Shares of reserved
// stock. FiringPrice zero means the trigger is not armed yet.
type Trigger struct {
	UserID        string           `json:"userId"`
	Stock         string           `json:"stock"`
	Kind          schema.OrderKind `json:"kind"`
	Amount        decimal.Decimal  `json:"amount"`
	Shares        int64            `json:"shares,omitempty"`
	FiringPrice   decimal.Decimal  `json:"firingPrice"`
	TransactionID int64            `json:"transactionId"`
}

// Key returns the (user, stock, kind) identity.
func (t Trigger) Key() schema.TriggerKey {
	return schema.TriggerKey{UserID: t.UserID, Stock: t.Stock, Kind: t.Kind}
}

// Armed reports whether a firing price has been set.
func (t Trigger) Armed() bool {
	return t.FiringPrice.IsPositive()
}
