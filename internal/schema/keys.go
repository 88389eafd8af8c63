package schema

import (
	"strings"

	"github.com/yanun0323/errors"
)

// OrderKind distinguishes the buy and sell sides of pending
// transactions and standing triggers.
type OrderKind uint8

const (
	KindBuy OrderKind = iota
	KindSell
)

func (k OrderKind) String() string {
	if k == KindSell {
		return "SELL"
	}
	return "BUY"
}

// ParseOrderKind resolves "BUY" or "SELL".
func ParseOrderKind(name string) (OrderKind, error) {
	switch name {
	case "BUY":
		return KindBuy, nil
	case "SELL":
		return KindSell, nil
	default:
		return 0, errors.Errorf("unknown order kind %q", name)
	}
}

// PendingKey addresses the per-(user, kind) pending transaction list.
type PendingKey struct {
	UserID string
	Kind   OrderKind
}

func (k PendingKey) String() string {
	return k.UserID + ":" + k.Kind.String()
}

// ParsePendingKey is the inverse of PendingKey.String, used when
// loading persisted buckets.
func ParsePendingKey(s string) (PendingKey, error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return PendingKey{}, errors.Errorf("malformed pending key %q", s)
	}
	kind, err := ParseOrderKind(s[i+1:])
	if err != nil {
		return PendingKey{}, err
	}
	return PendingKey{UserID: s[:i], Kind: kind}, nil
}

// TriggerKey addresses one standing trigger per (user, stock, kind).
type TriggerKey struct {
	UserID string
	Stock  string
	Kind   OrderKind
}

func (k TriggerKey) String() string {
	return k.UserID + ":" + k.Stock + ":" + k.Kind.String()
}

// ParseTriggerKey is the inverse of TriggerKey.String.
func ParseTriggerKey(s string) (TriggerKey, error) {
	last := strings.LastIndexByte(s, ':')
	if last < 0 {
		return TriggerKey{}, errors.Errorf("malformed trigger key %q", s)
	}
	kind, err := ParseOrderKind(s[last+1:])
	if err != nil {
		return TriggerKey{}, err
	}
	mid := strings.LastIndexByte(s[:last], ':')
	if mid < 0 {
		return TriggerKey{}, errors.Errorf("malformed trigger key %q", s)
	}
	return TriggerKey{UserID: s[:mid], Stock: s[mid+1 : last], Kind: kind}, nil
}
