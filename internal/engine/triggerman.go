package engine

import (
	"context"
	"time"

	"daytrader/internal/ledger"
	"daytrader/internal/obs"
	"daytrader/internal/schema"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

// TriggerMan polls armed triggers against fresh quotes and fires the
// ones whose condition holds: a buy fires when the price drops to the
// firing price or below, a sell when it rises to the firing price or
// above.
type TriggerMan struct {
	ledger  *ledger.Ledger
	quotes  QuoteService
	audit   Auditor
	metrics *obs.Metrics

	interval time.Duration
}

// NewTriggerMan wires the poller. interval <= 0 falls back to one
// second.
func NewTriggerMan(l *ledger.Ledger, quotes QuoteService, audit Auditor, metrics *obs.Metrics, interval time.Duration) *TriggerMan {
	if interval <= 0 {
		interval = time.Second
	}
	return &TriggerMan{
		ledger:   l,
		quotes:   quotes,
		audit:    audit,
		metrics:  metrics,
		interval: interval,
	}
}

// Run polls until the context is cancelled.
func (tm *TriggerMan) Run(ctx context.Context) {
	ticker := time.NewTicker(tm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tm.PollOnce(ctx)
		}
	}
}

// PollOnce evaluates every armed trigger once. Firing removes the
// trigger first, so a concurrent cancel or overwrite wins cleanly: the
// loser sees not-found and walks away.
func (tm *TriggerMan) PollOnce(ctx context.Context) {
	for _, t := range tm.ledger.ListTriggers() {
		if !t.Armed() {
			continue
		}

		data, err := tm.quotes.GetQuote(ctx, t.Stock, t.UserID, t.TransactionID)
		if err != nil {
			logs.Warnf("trigger poll quote, stock: %s, err: %+v", t.Stock, err)
			continue
		}

		switch t.Kind {
		case schema.KindBuy:
			if data.Price.LessThanOrEqual(t.FiringPrice) {
				tm.fireBuy(t, data.Price)
			}
		case schema.KindSell:
			if data.Price.GreaterThanOrEqual(t.FiringPrice) {
				tm.fireSell(t, data.Price)
			}
		}
	}
}

func (tm *TriggerMan) fireBuy(t ledger.Trigger, price decimal.Decimal) {
	claimed, err := tm.ledger.CancelTrigger(t.Key())
	if err != nil {
		return
	}
	cmd := triggerCommand(claimed, schema.CommandSetBuyTrigger)

	shares := claimed.Amount.Div(price).Floor().IntPart()
	cost := price.Mul(decimal.NewFromInt(shares))
	if shares < 1 {
		tm.release(cmd, claimed, "amount buys less than one share at firing price")
		return
	}

	if _, err := tm.ledger.CommitTriggerBuy(claimed.UserID, claimed.Stock, claimed.Amount, shares, cost); err != nil {
		tm.release(cmd, claimed, "commit fired buy: "+err.Error())
		return
	}

	tm.audit.SystemEvent(cmd, "trigger fired")
	tm.audit.AccountTransaction(claimed.UserID, cost, "remove", claimed.TransactionID)
	tm.metrics.TriggerFired()
	logs.Infof("buy trigger fired, user: %s, stock: %s, shares: %d, price: %s",
		claimed.UserID, claimed.Stock, shares, price)
}

func (tm *TriggerMan) fireSell(t ledger.Trigger, price decimal.Decimal) {
	claimed, err := tm.ledger.CancelTrigger(t.Key())
	if err != nil {
		return
	}
	cmd := triggerCommand(claimed, schema.CommandSetSellTrigger)

	proceeds := price.Mul(decimal.NewFromInt(claimed.Shares))
	if _, err := tm.ledger.CommitTriggerSell(claimed.UserID, claimed.Stock, claimed.Shares, proceeds); err != nil {
		tm.release(cmd, claimed, "commit fired sell: "+err.Error())
		return
	}

	tm.audit.SystemEvent(cmd, "trigger fired")
	tm.audit.AccountTransaction(claimed.UserID, proceeds, "add", claimed.TransactionID)
	tm.metrics.TriggerFired()
	logs.Infof("sell trigger fired, user: %s, stock: %s, shares: %d, price: %s",
		claimed.UserID, claimed.Stock, claimed.Shares, price)
}

// release returns a claimed trigger's reservation after a failed fire.
func (tm *TriggerMan) release(cmd schema.Command, t ledger.Trigger, reason string) {
	tm.audit.ErrorEvent(cmd, reason)
	switch t.Kind {
	case schema.KindBuy:
		if _, err := tm.ledger.UnreserveMoney(t.UserID, t.Amount); err != nil {
			logs.Errorf("release fired buy reservation, user: %s, err: %+v", t.UserID, err)
		}
	case schema.KindSell:
		if _, err := tm.ledger.UnreserveShares(t.UserID, t.Stock, t.Shares); err != nil {
			logs.Errorf("release fired sell reservation, user: %s, err: %+v", t.UserID, err)
		}
	}
}

func triggerCommand(t ledger.Trigger, typ schema.CommandType) schema.Command {
	return schema.Command{
		TransactionID: t.TransactionID,
		Type:          typ,
		UserID:        t.UserID,
		StockSymbol:   t.Stock,
	}
}
