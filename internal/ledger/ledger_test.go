package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"daytrader/internal/lock"
	"daytrader/internal/schema"
	"daytrader/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	locks := lock.NewManager(lock.Config{Stripes: 64, AcquireTimeout: time.Second})
	return New(Config{}, locks)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestAddUserMoneyCreatesAccount(t *testing.T) {
	l := newTestLedger(t)

	acct, err := l.AddUserMoney("alice", d("100"))
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("100")))
	assert.True(t, acct.Reserved.IsZero())

	got, err := l.GetUser("alice")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(d("100")))
}

func TestGetUserUnknown(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.GetUser("nobody")
	require.ErrorIs(t, err, exception.ErrNotFound)
}

func TestReserveMoneyWithinBalance(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.AddUserMoney("alice", d("100"))
	require.NoError(t, err)

	acct, err := l.ReserveMoney("alice", d("60"))
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("100")))
	assert.True(t, acct.Reserved.Equal(d("60")))
	assert.True(t, acct.Free().Equal(d("40")))

	_, err = l.ReserveMoney("alice", d("60"))
	require.ErrorIs(t, err, exception.ErrInsufficientFunds)
}

func TestConcurrentReserveNeverOverdraws(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.AddUserMoney("alice", d("100"))
	require.NoError(t, err)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.ReserveMoney("alice", d("60"))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	// Only one 60-on-100 reservation can win.
	assert.Equal(t, 1, succeeded)

	acct, err := l.GetUser("alice")
	require.NoError(t, err)
	assert.True(t, acct.Reserved.LessThanOrEqual(acct.Balance))
}

func TestUnreserveMoney(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.AddUserMoney("alice", d("100"))
	require.NoError(t, err)
	_, err = l.ReserveMoney("alice", d("60"))
	require.NoError(t, err)

	acct, err := l.UnreserveMoney("alice", d("60"))
	require.NoError(t, err)
	assert.True(t, acct.Reserved.IsZero())
	assert.True(t, acct.Balance.Equal(d("100")))

	_, err = l.UnreserveMoney("alice", d("1"))
	require.ErrorIs(t, err, exception.ErrInsufficientFunds)
}

func TestShareReservationMovesRealShares(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.AddUserMoney("alice", d("1000"))
	require.NoError(t, err)
	_, err = l.ApplyBuy("alice", "S1", 10, d("125.5"))
	require.NoError(t, err)

	acct, err := l.ReserveShares("alice", "S1", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(6), acct.Holding("S1").Real)
	assert.Equal(t, int64(4), acct.Holding("S1").Reserved)

	_, err = l.ReserveShares("alice", "S1", 7)
	require.ErrorIs(t, err, exception.ErrInsufficientShares)

	acct, err = l.UnreserveShares("alice", "S1", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Holding("S1").Real)
	assert.Equal(t, int64(0), acct.Holding("S1").Reserved)
}

func TestApplyBuyChecksFreeBalance(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.AddUserMoney("alice", d("100"))
	require.NoError(t, err)
	_, err = l.ReserveMoney("alice", d("60"))
	require.NoError(t, err)

	// Free is 40; an 80 buy must fail even though balance is 100.
	_, err = l.ApplyBuy("alice", "S1", 5, d("80"))
	require.ErrorIs(t, err, exception.ErrInsufficientFunds)

	acct, err := l.ApplyBuy("alice", "S1", 3, d("37.65"))
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("62.35")))
	assert.Equal(t, int64(3), acct.Holding("S1").Real)
}

func TestApplySell(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.AddUserMoney("alice", d("100"))
	require.NoError(t, err)
	_, err = l.ApplyBuy("alice", "S1", 5, d("62.75"))
	require.NoError(t, err)

	acct, err := l.ApplySell("alice", "S1", 2, d("25.10"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), acct.Holding("S1").Real)
	assert.True(t, acct.Balance.Equal(d("62.35")))

	_, err = l.ApplySell("alice", "S1", 10, d("1"))
	require.ErrorIs(t, err, exception.ErrInsufficientShares)
}

func TestCommitTriggerBuyReturnsRemainder(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.AddUserMoney("alice", d("100"))
	require.NoError(t, err)
	_, err = l.ReserveMoney("alice", d("100"))
	require.NoError(t, err)

	// 7 shares at 12.55 costs 87.85; the unspent 12.15 must come back
	// to the free balance.
	acct, err := l.CommitTriggerBuy("alice", "S1", d("100"), 7, d("87.85"))
	require.NoError(t, err)
	assert.True(t, acct.Reserved.IsZero())
	assert.True(t, acct.Balance.Equal(d("12.15")))
	assert.True(t, acct.Free().Equal(d("12.15")))
	assert.Equal(t, int64(7), acct.Holding("S1").Real)
}

func TestCommitTriggerSell(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.AddUserMoney("alice", d("100"))
	require.NoError(t, err)
	_, err = l.ApplyBuy("alice", "S1", 5, d("62.75"))
	require.NoError(t, err)
	_, err = l.ReserveShares("alice", "S1", 5)
	require.NoError(t, err)

	acct, err := l.CommitTriggerSell("alice", "S1", 5, d("70"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Holding("S1").Reserved)
	assert.Equal(t, int64(0), acct.Holding("S1").Real)
	assert.True(t, acct.Balance.Equal(d("107.25")))
}

func TestPendingTxnLIFO(t *testing.T) {
	l := newTestLedger(t)
	expiry := time.Now().Add(time.Minute)

	for i, stock := range []string{"S1", "S2"} {
		err := l.PushPendingTxn(PendingTxn{
			UserID: "alice",
			Kind:   schema.KindBuy,
			Stock:  stock,
			Shares: int64(i + 1),
			Price:  d("10"),
			Expiry: expiry,
		})
		require.NoError(t, err)
	}

	p, err := l.PopPendingTxn("alice", schema.KindBuy)
	require.NoError(t, err)
	assert.Equal(t, "S2", p.Stock)

	p, err = l.PopPendingTxn("alice", schema.KindBuy)
	require.NoError(t, err)
	assert.Equal(t, "S1", p.Stock)

	_, err = l.PopPendingTxn("alice", schema.KindBuy)
	require.ErrorIs(t, err, exception.ErrNoPendingTxn)
}

func TestPendingTxnKindsIsolated(t *testing.T) {
	l := newTestLedger(t)
	err := l.PushPendingTxn(PendingTxn{
		UserID: "alice",
		Kind:   schema.KindSell,
		Stock:  "S1",
		Expiry: time.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	_, err = l.PopPendingTxn("alice", schema.KindBuy)
	require.ErrorIs(t, err, exception.ErrNoPendingTxn)

	_, err = l.PopPendingTxn("alice", schema.KindSell)
	require.NoError(t, err)
}

func TestPendingTxnExpiredEntriesDropped(t *testing.T) {
	l := newTestLedger(t)
	err := l.PushPendingTxn(PendingTxn{
		UserID: "alice",
		Kind:   schema.KindBuy,
		Stock:  "OLD",
		Expiry: time.Now().Add(-time.Second),
	})
	require.NoError(t, err)
	err = l.PushPendingTxn(PendingTxn{
		UserID: "alice",
		Kind:   schema.KindBuy,
		Stock:  "NEW",
		Expiry: time.Now().Add(-time.Millisecond),
	})
	require.NoError(t, err)

	_, err = l.PopPendingTxn("alice", schema.KindBuy)
	require.ErrorIs(t, err, exception.ErrNoPendingTxn)
}

func TestTriggerUpsertAndCancel(t *testing.T) {
	l := newTestLedger(t)
	tr := Trigger{UserID: "alice", Stock: "S1", Kind: schema.KindBuy, Amount: d("100")}
	require.NoError(t, l.AddNewTrigger(tr))

	tr.FiringPrice = d("12")
	require.NoError(t, l.AddNewTrigger(tr))

	got, err := l.GetTrigger(tr.Key())
	require.NoError(t, err)
	assert.True(t, got.FiringPrice.Equal(d("12")))
	assert.True(t, got.Armed())

	cancelled, err := l.CancelTrigger(tr.Key())
	require.NoError(t, err)
	assert.True(t, cancelled.Amount.Equal(d("100")))

	_, err = l.CancelTrigger(tr.Key())
	require.ErrorIs(t, err, exception.ErrNotFound)
}

func TestListTriggers(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.AddNewTrigger(Trigger{UserID: "alice", Stock: "S1", Kind: schema.KindBuy, Amount: d("10")}))
	require.NoError(t, l.AddNewTrigger(Trigger{UserID: "bob", Stock: "S2", Kind: schema.KindSell, Shares: 3}))

	assert.Len(t, l.ListTriggers(), 2)
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	locks := lock.NewManager(lock.Config{Stripes: 64, AcquireTimeout: time.Second})

	l := New(Config{Dir: dir, Buckets: 4}, locks)
	l.Start(context.Background())

	_, err := l.AddUserMoney("alice", d("100"))
	require.NoError(t, err)
	_, err = l.ReserveMoney("alice", d("25"))
	require.NoError(t, err)
	_, err = l.AddUserMoney("bob", d("50"))
	require.NoError(t, err)
	require.NoError(t, l.AddNewTrigger(Trigger{
		UserID: "alice", Stock: "S1", Kind: schema.KindBuy,
		Amount: d("25"), FiringPrice: d("12"),
	}))
	require.NoError(t, l.PushPendingTxn(PendingTxn{
		UserID: "bob", Kind: schema.KindSell, Stock: "S2",
		Shares: 2, Price: d("25.10"), Expiry: time.Now().Add(time.Hour),
	}))

	l.Close()

	restored := New(Config{Dir: dir, Buckets: 4}, locks)
	require.NoError(t, restored.Load())

	acct, err := restored.GetUser("alice")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("100")))
	assert.True(t, acct.Reserved.Equal(d("25")))

	acct, err = restored.GetUser("bob")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("50")))

	tr, err := restored.GetTrigger(schema.TriggerKey{UserID: "alice", Stock: "S1", Kind: schema.KindBuy})
	require.NoError(t, err)
	assert.True(t, tr.FiringPrice.Equal(d("12")))

	p, err := restored.PopPendingTxn("bob", schema.KindSell)
	require.NoError(t, err)
	assert.Equal(t, "S2", p.Stock)
	assert.Equal(t, int64(2), p.Shares)
}
