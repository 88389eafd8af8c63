package exception

import "github.com/yanun0323/errors"

var (
	ErrNotFound           = errors.New("ledger: not found")
	ErrInsufficientFunds  = errors.New("ledger: insufficient funds")
	ErrInsufficientShares = errors.New("ledger: insufficient shares")
	ErrNoPendingTxn       = errors.New("ledger: no pending transaction")
	ErrPersisterClosed    = errors.New("ledger: persister closed")
)
