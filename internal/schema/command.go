package schema

import (
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// CommandType enumerates every command the engine dispatches on.
type CommandType uint8

const (
	CommandAdd CommandType = iota
	CommandQuote
	CommandBuy
	CommandCommitBuy
	CommandCancelBuy
	CommandSell
	CommandCommitSell
	CommandCancelSell
	CommandSetBuyAmount
	CommandCancelSetBuy
	CommandSetBuyTrigger
	CommandSetSellAmount
	CommandSetSellTrigger
	CommandCancelSetSell
	CommandDumpLog

	commandTypeCount
)

var commandNames = [...]string{
	"ADD",
	"QUOTE",
	"BUY",
	"COMMIT_BUY",
	"CANCEL_BUY",
	"SELL",
	"COMMIT_SELL",
	"CANCEL_SELL",
	"SET_BUY_AMOUNT",
	"CANCEL_SET_BUY",
	"SET_BUY_TRIGGER",
	"SET_SELL_AMOUNT",
	"SET_SELL_TRIGGER",
	"CANCEL_SET_SELL",
	"DUMPLOG",
}

func (t CommandType) String() string {
	if !t.Valid() {
		return "UNKNOWN"
	}
	return commandNames[t]
}

// Valid reports whether t is one of the enumerated command kinds.
func (t CommandType) Valid() bool {
	return t < commandTypeCount
}

// ParseCommandType resolves a command name such as "COMMIT_BUY".
func ParseCommandType(name string) (CommandType, error) {
	for i, n := range commandNames {
		if n == name {
			return CommandType(i), nil
		}
	}
	return 0, errors.Errorf("unknown command type %q", name)
}

// Command is a single unit of work submitted by a client.
// It is immutable once enqueued.
type Command struct {
	TransactionID int64       `json:"transactionId"`
	Type          CommandType `json:"commandType"`
	UserID        string      `json:"userId"`
	Amount        int64       `json:"amount"`
	StockSymbol   string      `json:"stockSymbol"`
	FileName      string      `json:"fileName,omitempty"`
	Timestamp     float64     `json:"timestamp"`
}

// Response is the stored outcome of one processed command.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`

	Stock      string          `json:"stock,omitempty"`
	Quote      decimal.Decimal `json:"quote"`
	Shares     int64           `json:"shares,omitempty"`
	Paid       decimal.Decimal `json:"paid"`
	Received   decimal.Decimal `json:"received"`
	Requested  int64           `json:"requested,omitempty"`
	Expiration int64           `json:"expiration,omitempty"`
}

// Ok builds a bare success response.
func Ok() Response {
	return Response{Success: true}
}

// Fail builds a failure response carrying a caller-facing message.
func Fail(message string) Response {
	return Response{Success: false, Message: message}
}
