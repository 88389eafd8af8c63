package exception

import "github.com/yanun0323/errors"

var (
	ErrQuoteUnavailable = errors.New("quote: unavailable")
	ErrFeedNotStarted   = errors.New("quote: feed not started")
)
