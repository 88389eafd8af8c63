package engine

import (
	"context"
	"errors"
	"time"

	"daytrader/internal/ledger"
	"daytrader/internal/schema"
	"daytrader/pkg/exception"

	"github.com/shopspring/decimal"
)

// pendingTTL is the commit window for a quoted BUY or SELL.
const pendingTTL = 60 * time.Second

func (e *Engine) handleAdd(cmd schema.Command) schema.Response {
	amount, resp := e.positiveAmount(cmd)
	if !resp.Success {
		return resp
	}

	acct, err := e.ledger.AddUserMoney(cmd.UserID, amount)
	if err != nil {
		return e.fail(cmd, err, "unable to add funds")
	}
	e.audit.AccountTransaction(cmd.UserID, amount, "add", cmd.TransactionID)

	out := schema.Ok()
	out.Received = acct.Balance
	return out
}

func (e *Engine) handleQuote(ctx context.Context, cmd schema.Command) schema.Response {
	price, resp := e.fetchQuote(ctx, cmd)
	if !resp.Success {
		return resp
	}

	out := schema.Ok()
	out.Stock = cmd.StockSymbol
	out.Quote = price
	return out
}

// handleBuy quotes the stock and stages a pending buy. No funds move
// until COMMIT_BUY; the free-balance check here only rejects orders the
// user clearly cannot afford.
func (e *Engine) handleBuy(ctx context.Context, cmd schema.Command) schema.Response {
	amount, resp := e.positiveAmount(cmd)
	if !resp.Success {
		return resp
	}

	acct, err := e.ledger.GetUser(cmd.UserID)
	if err != nil {
		return e.fail(cmd, err, "account not found")
	}
	if acct.Free().LessThan(amount) {
		return e.fail(cmd, exception.ErrInsufficientFunds, "insufficient funds")
	}

	price, resp := e.fetchQuote(ctx, cmd)
	if !resp.Success {
		return resp
	}

	shares := amount.Div(price).Floor().IntPart()
	if shares < 1 {
		return e.fail(cmd, exception.ErrAmountTooSmall, "amount buys less than one share")
	}
	cost := price.Mul(decimal.NewFromInt(shares))

	expiry := time.Now().Add(pendingTTL)
	err = e.ledger.PushPendingTxn(ledger.PendingTxn{
		UserID:    cmd.UserID,
		Kind:      schema.KindBuy,
		Stock:     cmd.StockSymbol,
		Shares:    shares,
		Price:     cost,
		Requested: cmd.Amount,
		Expiry:    expiry,
	})
	if err != nil {
		return e.fail(cmd, err, "unable to stage buy")
	}

	out := schema.Ok()
	out.Stock = cmd.StockSymbol
	out.Quote = price
	out.Shares = shares
	out.Requested = cmd.Amount
	out.Expiration = expiry.Unix()
	return out
}

func (e *Engine) handleCommitBuy(cmd schema.Command) schema.Response {
	p, err := e.ledger.PopPendingTxn(cmd.UserID, schema.KindBuy)
	if err != nil {
		return e.fail(cmd, err, "no pending buy")
	}

	acct, err := e.ledger.ApplyBuy(cmd.UserID, p.Stock, p.Shares, p.Price)
	if err != nil {
		return e.fail(cmd, err, "insufficient funds")
	}
	e.audit.AccountTransaction(cmd.UserID, p.Price, "remove", cmd.TransactionID)

	out := schema.Ok()
	out.Stock = p.Stock
	out.Shares = acct.Holding(p.Stock).Real
	out.Paid = p.Price
	return out
}

func (e *Engine) handleCancelBuy(cmd schema.Command) schema.Response {
	p, err := e.ledger.PopPendingTxn(cmd.UserID, schema.KindBuy)
	if err != nil {
		return e.fail(cmd, err, "no pending buy")
	}

	out := schema.Ok()
	out.Stock = p.Stock
	out.Shares = p.Shares
	return out
}

func (e *Engine) handleSell(ctx context.Context, cmd schema.Command) schema.Response {
	amount, resp := e.positiveAmount(cmd)
	if !resp.Success {
		return resp
	}

	acct, err := e.ledger.GetUser(cmd.UserID)
	if err != nil {
		return e.fail(cmd, err, "account not found")
	}
	owned := acct.Holding(cmd.StockSymbol).Real
	if owned < 1 {
		return e.fail(cmd, exception.ErrInsufficientShares, "no shares to sell")
	}

	price, resp := e.fetchQuote(ctx, cmd)
	if !resp.Success {
		return resp
	}

	// The requested dollar amount converts to shares, capped at the
	// position.
	shares := amount.Div(price).Floor().IntPart()
	if shares < 1 {
		return e.fail(cmd, exception.ErrAmountTooSmall, "amount sells less than one share")
	}
	if shares > owned {
		shares = owned
	}
	proceeds := price.Mul(decimal.NewFromInt(shares))

	expiry := time.Now().Add(pendingTTL)
	err = e.ledger.PushPendingTxn(ledger.PendingTxn{
		UserID:    cmd.UserID,
		Kind:      schema.KindSell,
		Stock:     cmd.StockSymbol,
		Shares:    shares,
		Price:     proceeds,
		Requested: cmd.Amount,
		Expiry:    expiry,
	})
	if err != nil {
		return e.fail(cmd, err, "unable to stage sell")
	}

	out := schema.Ok()
	out.Stock = cmd.StockSymbol
	out.Quote = price
	out.Shares = shares
	out.Requested = cmd.Amount
	out.Expiration = expiry.Unix()
	return out
}

func (e *Engine) handleCommitSell(cmd schema.Command) schema.Response {
	p, err := e.ledger.PopPendingTxn(cmd.UserID, schema.KindSell)
	if err != nil {
		return e.fail(cmd, err, "no pending sell")
	}

	acct, err := e.ledger.ApplySell(cmd.UserID, p.Stock, p.Shares, p.Price)
	if err != nil {
		return e.fail(cmd, err, "insufficient shares")
	}
	e.audit.AccountTransaction(cmd.UserID, p.Price, "add", cmd.TransactionID)

	out := schema.Ok()
	out.Stock = p.Stock
	out.Shares = acct.Holding(p.Stock).Real
	out.Received = p.Price
	return out
}

func (e *Engine) handleCancelSell(cmd schema.Command) schema.Response {
	p, err := e.ledger.PopPendingTxn(cmd.UserID, schema.KindSell)
	if err != nil {
		return e.fail(cmd, err, "no pending sell")
	}

	out := schema.Ok()
	out.Stock = p.Stock
	out.Shares = p.Shares
	return out
}

// handleSetBuyAmount reserves funds for a standing buy trigger. A
// repeated SET on the same (user, stock) releases the old reservation
// before taking the new one; redelivered commands therefore re-reserve
// the same amount rather than stacking holds.
func (e *Engine) handleSetBuyAmount(cmd schema.Command) schema.Response {
	amount, resp := e.positiveAmount(cmd)
	if !resp.Success {
		return resp
	}

	key := schema.TriggerKey{UserID: cmd.UserID, Stock: cmd.StockSymbol, Kind: schema.KindBuy}
	if old, err := e.ledger.CancelTrigger(key); err == nil {
		if _, err := e.ledger.UnreserveMoney(cmd.UserID, old.Amount); err != nil {
			return e.fail(cmd, err, "unable to release prior reservation")
		}
		e.audit.AccountTransaction(cmd.UserID, old.Amount, "unreserve", cmd.TransactionID)
	}

	if _, err := e.ledger.ReserveMoney(cmd.UserID, amount); err != nil {
		if errors.Is(err, exception.ErrNotFound) {
			return e.fail(cmd, err, "account not found")
		}
		return e.fail(cmd, err, "insufficient funds")
	}
	e.audit.AccountTransaction(cmd.UserID, amount, "reserve", cmd.TransactionID)

	err := e.ledger.AddNewTrigger(ledger.Trigger{
		UserID:        cmd.UserID,
		Stock:         cmd.StockSymbol,
		Kind:          schema.KindBuy,
		Amount:        amount,
		TransactionID: cmd.TransactionID,
	})
	if err != nil {
		// Best-effort single compensation; a failure here leaves the
		// reservation flagged rather than retried.
		if _, uerr := e.ledger.UnreserveMoney(cmd.UserID, amount); uerr != nil {
			e.audit.ErrorEvent(cmd, "compensation failed, reservation leaked")
		}
		return e.fail(cmd, exception.ErrInternal, "internal error")
	}

	out := schema.Ok()
	out.Stock = cmd.StockSymbol
	out.Requested = cmd.Amount
	return out
}

func (e *Engine) handleCancelSetBuy(cmd schema.Command) schema.Response {
	key := schema.TriggerKey{UserID: cmd.UserID, Stock: cmd.StockSymbol, Kind: schema.KindBuy}
	t, err := e.ledger.CancelTrigger(key)
	if err != nil {
		return e.fail(cmd, err, "no buy trigger set")
	}

	if _, err := e.ledger.UnreserveMoney(cmd.UserID, t.Amount); err != nil {
		return e.fail(cmd, err, "unable to release reservation")
	}
	e.audit.AccountTransaction(cmd.UserID, t.Amount, "unreserve", cmd.TransactionID)

	out := schema.Ok()
	out.Stock = cmd.StockSymbol
	return out
}

func (e *Engine) handleSetBuyTrigger(cmd schema.Command) schema.Response {
	price, resp := e.positiveAmount(cmd)
	if !resp.Success {
		return resp
	}

	key := schema.TriggerKey{UserID: cmd.UserID, Stock: cmd.StockSymbol, Kind: schema.KindBuy}
	t, err := e.ledger.GetTrigger(key)
	if err != nil {
		return e.fail(cmd, err, "no buy amount set")
	}

	t.FiringPrice = price
	t.TransactionID = cmd.TransactionID
	if err := e.ledger.AddNewTrigger(t); err != nil {
		return e.fail(cmd, err, "unable to arm trigger")
	}

	out := schema.Ok()
	out.Stock = cmd.StockSymbol
	out.Quote = price
	return out
}

// handleSetSellAmount reserves shares for a standing sell trigger. The
// share count is fixed now from the current quote, so the position is
// held even though the sale happens later at the firing price.
func (e *Engine) handleSetSellAmount(ctx context.Context, cmd schema.Command) schema.Response {
	amount, resp := e.positiveAmount(cmd)
	if !resp.Success {
		return resp
	}
	price, resp := e.fetchQuote(ctx, cmd)
	if !resp.Success {
		return resp
	}

	shares := amount.Div(price).Floor().IntPart()
	if shares < 1 {
		return e.fail(cmd, exception.ErrAmountTooSmall, "amount sells less than one share")
	}

	key := schema.TriggerKey{UserID: cmd.UserID, Stock: cmd.StockSymbol, Kind: schema.KindSell}
	if old, err := e.ledger.CancelTrigger(key); err == nil {
		if _, err := e.ledger.UnreserveShares(cmd.UserID, cmd.StockSymbol, old.Shares); err != nil {
			return e.fail(cmd, err, "unable to release prior reservation")
		}
	}

	if _, err := e.ledger.ReserveShares(cmd.UserID, cmd.StockSymbol, shares); err != nil {
		if errors.Is(err, exception.ErrNotFound) {
			return e.fail(cmd, err, "account not found")
		}
		return e.fail(cmd, err, "insufficient shares")
	}

	err := e.ledger.AddNewTrigger(ledger.Trigger{
		UserID:        cmd.UserID,
		Stock:         cmd.StockSymbol,
		Kind:          schema.KindSell,
		Amount:        amount,
		Shares:        shares,
		TransactionID: cmd.TransactionID,
	})
	if err != nil {
		if _, uerr := e.ledger.UnreserveShares(cmd.UserID, cmd.StockSymbol, shares); uerr != nil {
			e.audit.ErrorEvent(cmd, "compensation failed, reservation leaked")
		}
		return e.fail(cmd, exception.ErrInternal, "internal error")
	}

	out := schema.Ok()
	out.Stock = cmd.StockSymbol
	out.Quote = price
	out.Shares = shares
	out.Requested = cmd.Amount
	return out
}

func (e *Engine) handleSetSellTrigger(cmd schema.Command) schema.Response {
	price, resp := e.positiveAmount(cmd)
	if !resp.Success {
		return resp
	}

	key := schema.TriggerKey{UserID: cmd.UserID, Stock: cmd.StockSymbol, Kind: schema.KindSell}
	t, err := e.ledger.GetTrigger(key)
	if err != nil {
		return e.fail(cmd, err, "no sell amount set")
	}

	t.FiringPrice = price
	t.TransactionID = cmd.TransactionID
	if err := e.ledger.AddNewTrigger(t); err != nil {
		return e.fail(cmd, err, "unable to arm trigger")
	}

	out := schema.Ok()
	out.Stock = cmd.StockSymbol
	out.Quote = price
	out.Shares = t.Shares
	return out
}

func (e *Engine) handleCancelSetSell(cmd schema.Command) schema.Response {
	key := schema.TriggerKey{UserID: cmd.UserID, Stock: cmd.StockSymbol, Kind: schema.KindSell}
	t, err := e.ledger.CancelTrigger(key)
	if err != nil {
		return e.fail(cmd, err, "no sell trigger set")
	}

	if _, err := e.ledger.UnreserveShares(cmd.UserID, cmd.StockSymbol, t.Shares); err != nil {
		return e.fail(cmd, err, "unable to release reservation")
	}

	out := schema.Ok()
	out.Stock = cmd.StockSymbol
	out.Shares = t.Shares
	return out
}

func (e *Engine) handleDumpLog(cmd schema.Command) schema.Response {
	if cmd.FileName == "" {
		return e.fail(cmd, exception.ErrInternal, "missing dump file name")
	}
	if err := e.audit.Dump(cmd.FileName, cmd.UserID); err != nil {
		return e.fail(cmd, err, "unable to write dump")
	}
	return schema.Ok()
}

// positiveAmount converts cmd.Amount and rejects non-positive values.
func (e *Engine) positiveAmount(cmd schema.Command) (decimal.Decimal, schema.Response) {
	if cmd.Amount <= 0 {
		return decimal.Zero, e.fail(cmd, exception.ErrAmountTooSmall, "amount must be positive")
	}
	return decimal.NewFromInt(cmd.Amount), schema.Ok()
}

// fetchQuote looks up the price and records the quote-server event.
func (e *Engine) fetchQuote(ctx context.Context, cmd schema.Command) (decimal.Decimal, schema.Response) {
	data, err := e.quotes.GetQuote(ctx, cmd.StockSymbol, cmd.UserID, cmd.TransactionID)
	if err != nil {
		return decimal.Zero, e.fail(cmd, err, "quote unavailable")
	}
	e.audit.QuoteServer(cmd.UserID, cmd.StockSymbol, data.Price, data.Proof, cmd.TransactionID)
	return data.Price, schema.Ok()
}
