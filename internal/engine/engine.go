// Package engine dispatches dequeued commands to their handlers.
// Handlers assume at-least-once delivery: the work queue may redeliver
// a command whose first run timed out, so every state change is either
// idempotent-safe or flagged in its handler comment.
package engine

import (
	"context"

	"daytrader/internal/ledger"
	"daytrader/internal/obs"
	"daytrader/internal/quote"
	"daytrader/internal/schema"
	"daytrader/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

// QuoteService is the price collaborator, usually a quote.Cache.
type QuoteService interface {
	GetQuote(ctx context.Context, symbol, userID string, txnID int64) (quote.Data, error)
}

// Auditor is the fire-and-forget event log collaborator.
type Auditor interface {
	UserCommand(cmd schema.Command)
	AccountTransaction(userID string, funds decimal.Decimal, action string, txnID int64)
	QuoteServer(userID, symbol string, price decimal.Decimal, proof string, txnID int64)
	SystemEvent(cmd schema.Command, note string)
	ErrorEvent(cmd schema.Command, message string)
	Dump(filename, userID string) error
}

// Engine is the stateless command dispatcher. All state lives in the
// injected ledger; engines are safe to run from any number of workers.
type Engine struct {
	ledger  *ledger.Ledger
	quotes  QuoteService
	audit   Auditor
	metrics *obs.Metrics
}

// New wires a dispatcher.
func New(l *ledger.Ledger, quotes QuoteService, audit Auditor, metrics *obs.Metrics) *Engine {
	return &Engine{
		ledger:  l,
		quotes:  quotes,
		audit:   audit,
		metrics: metrics,
	}
}

// Dispatch runs one command to completion and returns its response.
// Failures come back as unsuccessful responses, never as panics or
// errors crossing the dispatch boundary.
func (e *Engine) Dispatch(ctx context.Context, cmd schema.Command) schema.Response {
	e.audit.UserCommand(cmd)
	e.metrics.CommandDispatched(cmd.Type)

	switch cmd.Type {
	case schema.CommandAdd:
		return e.handleAdd(cmd)
	case schema.CommandQuote:
		return e.handleQuote(ctx, cmd)
	case schema.CommandBuy:
		return e.handleBuy(ctx, cmd)
	case schema.CommandCommitBuy:
		return e.handleCommitBuy(cmd)
	case schema.CommandCancelBuy:
		return e.handleCancelBuy(cmd)
	case schema.CommandSell:
		return e.handleSell(ctx, cmd)
	case schema.CommandCommitSell:
		return e.handleCommitSell(cmd)
	case schema.CommandCancelSell:
		return e.handleCancelSell(cmd)
	case schema.CommandSetBuyAmount:
		return e.handleSetBuyAmount(cmd)
	case schema.CommandCancelSetBuy:
		return e.handleCancelSetBuy(cmd)
	case schema.CommandSetBuyTrigger:
		return e.handleSetBuyTrigger(cmd)
	case schema.CommandSetSellAmount:
		return e.handleSetSellAmount(ctx, cmd)
	case schema.CommandSetSellTrigger:
		return e.handleSetSellTrigger(cmd)
	case schema.CommandCancelSetSell:
		return e.handleCancelSetSell(cmd)
	case schema.CommandDumpLog:
		return e.handleDumpLog(cmd)
	default:
		return e.fail(cmd, exception.ErrUnknownCommand, "unknown command type")
	}
}

// fail logs the failure to the audit collaborator and converts it into
// a caller-facing response.
func (e *Engine) fail(cmd schema.Command, err error, message string) schema.Response {
	logs.Debugf("command failed, txn: %d, type: %s, err: %+v", cmd.TransactionID, cmd.Type, err)
	e.audit.ErrorEvent(cmd, message)
	e.metrics.CommandFailed()
	return schema.Fail(message)
}
