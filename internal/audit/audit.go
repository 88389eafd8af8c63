// Package audit is the fire-and-forget event log collaborator. Every
// handler notification is queued onto an in-process channel and
// drained into a pluggable store; a slow or failing store never blocks
// the calling handler.
package audit

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"daytrader/internal/schema"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

// Kind classifies an audit record.
type Kind string

const (
	KindUserCommand        Kind = "userCommand"
	KindQuoteServer        Kind = "quoteServer"
	KindAccountTransaction Kind = "accountTransaction"
	KindSystemEvent        Kind = "systemEvent"
	KindErrorEvent         Kind = "errorEvent"
)

// Record is one audit event, flattened across all kinds so a single
// store table holds the whole log.
type Record struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	Kind           Kind   `gorm:"index" json:"kind"`
	Timestamp      int64  `json:"timestamp"`
	Server         string `json:"server"`
	TransactionNum int64  `json:"transactionNum"`
	Command        string `json:"command,omitempty"`
	Username       string `gorm:"index" json:"username,omitempty"`
	StockSymbol    string `json:"stockSymbol,omitempty"`
	Filename       string `json:"filename,omitempty"`
	Funds          string `json:"funds,omitempty"`
	Price          string `json:"price,omitempty"`
	Cryptokey      string `json:"cryptokey,omitempty"`
	Action         string `json:"action,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

// Store persists audit records.
type Store interface {
	Append(Record) error
	// List returns records for one user, or every record when userID
	// is empty, in insertion order.
	List(userID string) ([]Record, error)
}

// Log is the async recorder handed to handlers.
type Log struct {
	store  Store
	server string
	ch     chan Record
	drops  uint64
	closed uint32
	wg     sync.WaitGroup
}

// NewLog creates a recorder draining into the store.
func NewLog(store Store, buffer int) *Log {
	if buffer <= 0 {
		buffer = 1024
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "trader"
	}
	return &Log{
		store:  store,
		server: host,
		ch:     make(chan Record, buffer),
	}
}

// Start runs the drain loop.
func (a *Log) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case rec, ok := <-a.ch:
				if !ok {
					return
				}
				if err := a.store.Append(rec); err != nil {
					logs.Errorf("append audit record, err: %+v", err)
				}
			}
		}
	}()
}

// Close flushes queued records and stops the drain loop.
func (a *Log) Close() {
	if atomic.CompareAndSwapUint32(&a.closed, 0, 1) {
		close(a.ch)
	}
	a.wg.Wait()
}

// Drops reports events discarded because the queue was full.
func (a *Log) Drops() uint64 {
	return atomic.LoadUint64(&a.drops)
}

func (a *Log) emit(rec Record) {
	if atomic.LoadUint32(&a.closed) != 0 {
		return
	}
	rec.Timestamp = time.Now().UnixMilli()
	rec.Server = a.server
	select {
	case a.ch <- rec:
	default:
		atomic.AddUint64(&a.drops, 1)
	}
}

// UserCommand records a command arriving at the engine.
func (a *Log) UserCommand(cmd schema.Command) {
	a.emit(Record{
		Kind:           KindUserCommand,
		TransactionNum: cmd.TransactionID,
		Command:        cmd.Type.String(),
		Username:       cmd.UserID,
		StockSymbol:    cmd.StockSymbol,
		Filename:       cmd.FileName,
		Funds:          decimal.NewFromInt(cmd.Amount).String(),
	})
}

// AccountTransaction records a balance movement (add, remove, reserve,
// unreserve).
func (a *Log) AccountTransaction(userID string, funds decimal.Decimal, action string, txnID int64) {
	a.emit(Record{
		Kind:           KindAccountTransaction,
		TransactionNum: txnID,
		Username:       userID,
		Funds:          funds.String(),
		Action:         action,
	})
}

// QuoteServer records a quote fetched from the price source.
func (a *Log) QuoteServer(userID, symbol string, price decimal.Decimal, proof string, txnID int64) {
	a.emit(Record{
		Kind:           KindQuoteServer,
		TransactionNum: txnID,
		Username:       userID,
		StockSymbol:    symbol,
		Price:          price.String(),
		Cryptokey:      proof,
	})
}

// SystemEvent records an internally generated action, such as a fired
// trigger.
func (a *Log) SystemEvent(cmd schema.Command, note string) {
	a.emit(Record{
		Kind:           KindSystemEvent,
		TransactionNum: cmd.TransactionID,
		Command:        cmd.Type.String(),
		Username:       cmd.UserID,
		StockSymbol:    cmd.StockSymbol,
		Action:         note,
	})
}

// ErrorEvent records a failed command with its caller-facing message.
func (a *Log) ErrorEvent(cmd schema.Command, message string) {
	a.emit(Record{
		Kind:           KindErrorEvent,
		TransactionNum: cmd.TransactionID,
		Command:        cmd.Type.String(),
		Username:       cmd.UserID,
		StockSymbol:    cmd.StockSymbol,
		ErrorMessage:   message,
	})
}
