package exception

import "github.com/yanun0323/errors"

var (
	ErrLockTimeout      = errors.New("lock: acquire timed out")
	ErrLockUnknownClass = errors.New("lock: unknown resource class")
)
