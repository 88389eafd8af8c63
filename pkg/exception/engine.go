package exception

import "github.com/yanun0323/errors"

var (
	ErrUnknownCommand = errors.New("engine: unknown command type")
	ErrAmountTooSmall = errors.New("engine: amount buys no whole share")
	ErrInternal       = errors.New("engine: internal inconsistency")
)
