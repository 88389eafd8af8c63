package exception

import "github.com/yanun0323/errors"

var (
	ErrQueueFull      = errors.New("queue: partition full")
	ErrQueueClosed    = errors.New("queue: closed")
	ErrResultNotFound = errors.New("queue: no response found")
)
