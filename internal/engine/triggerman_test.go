package engine

import (
	"context"
	"testing"
	"time"

	"daytrader/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTriggerMan(f *fixture) *TriggerMan {
	return NewTriggerMan(f.ledger, f.engine.quotes, f.audit, f.metrics, 10*time.Millisecond)
}

func TestBuyTriggerFiresAtOrBelowPrice(t *testing.T) {
	f := newFixture(t)
	tm := newTriggerMan(f)

	require.True(t, f.dispatch(t, 1, schema.CommandAdd, "alice", 100, "").Success)
	require.True(t, f.dispatch(t, 2, schema.CommandSetBuyAmount, "alice", 100, "S1").Success)
	// Mock price is 12.55; a 13 firing price fires on the first poll.
	require.True(t, f.dispatch(t, 3, schema.CommandSetBuyTrigger, "alice", 13, "S1").Success)

	tm.PollOnce(context.Background())

	acct, err := f.ledger.GetUser("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(7), acct.Holding("S1").Real)
	assert.True(t, acct.Reserved.IsZero())
	// 100 reserved, 87.85 spent; the remainder is free again.
	assert.True(t, acct.Balance.Equal(d("12.15")))

	_, err = f.ledger.GetTrigger(schema.TriggerKey{UserID: "alice", Stock: "S1", Kind: schema.KindBuy})
	require.Error(t, err)

	assert.Equal(t, uint64(1), f.metrics.Stats().TriggersFired)
}

func TestBuyTriggerHoldsAbovePrice(t *testing.T) {
	f := newFixture(t)
	tm := newTriggerMan(f)

	require.True(t, f.dispatch(t, 1, schema.CommandAdd, "alice", 100, "").Success)
	require.True(t, f.dispatch(t, 2, schema.CommandSetBuyAmount, "alice", 100, "S1").Success)
	// 12 is below the 12.55 mock price; the trigger must stay armed.
	require.True(t, f.dispatch(t, 3, schema.CommandSetBuyTrigger, "alice", 12, "S1").Success)

	tm.PollOnce(context.Background())

	acct, err := f.ledger.GetUser("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Holding("S1").Real)
	assert.True(t, acct.Reserved.Equal(d("100")))

	tr, err := f.ledger.GetTrigger(schema.TriggerKey{UserID: "alice", Stock: "S1", Kind: schema.KindBuy})
	require.NoError(t, err)
	assert.True(t, tr.Armed())
}

func TestSellTriggerFiresAtOrAbovePrice(t *testing.T) {
	f := newFixture(t)
	tm := newTriggerMan(f)

	require.True(t, f.dispatch(t, 1, schema.CommandAdd, "alice", 200, "").Success)
	require.True(t, f.dispatch(t, 2, schema.CommandBuy, "alice", 200, "S1").Success)
	require.True(t, f.dispatch(t, 3, schema.CommandCommitBuy, "alice", 0, "").Success)
	require.True(t, f.dispatch(t, 4, schema.CommandSetSellAmount, "alice", 50, "S1").Success)
	// 12 is at-or-below the 12.55 mock price, so the sell fires.
	require.True(t, f.dispatch(t, 5, schema.CommandSetSellTrigger, "alice", 12, "S1").Success)

	before, err := f.ledger.GetUser("alice")
	require.NoError(t, err)

	tm.PollOnce(context.Background())

	acct, err := f.ledger.GetUser("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Holding("S1").Reserved)
	// 3 reserved shares sold at the live 12.55 price.
	assert.True(t, acct.Balance.Equal(before.Balance.Add(d("37.65"))))

	_, err = f.ledger.GetTrigger(schema.TriggerKey{UserID: "alice", Stock: "S1", Kind: schema.KindSell})
	require.Error(t, err)
}

func TestSellTriggerHoldsBelowPrice(t *testing.T) {
	f := newFixture(t)
	tm := newTriggerMan(f)

	require.True(t, f.dispatch(t, 1, schema.CommandAdd, "alice", 200, "").Success)
	require.True(t, f.dispatch(t, 2, schema.CommandBuy, "alice", 200, "S1").Success)
	require.True(t, f.dispatch(t, 3, schema.CommandCommitBuy, "alice", 0, "").Success)
	require.True(t, f.dispatch(t, 4, schema.CommandSetSellAmount, "alice", 50, "S1").Success)
	require.True(t, f.dispatch(t, 5, schema.CommandSetSellTrigger, "alice", 20, "S1").Success)

	tm.PollOnce(context.Background())

	acct, err := f.ledger.GetUser("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), acct.Holding("S1").Reserved)

	tr, err := f.ledger.GetTrigger(schema.TriggerKey{UserID: "alice", Stock: "S1", Kind: schema.KindSell})
	require.NoError(t, err)
	assert.True(t, tr.Armed())
}

func TestUnarmedTriggerNeverFires(t *testing.T) {
	f := newFixture(t)
	tm := newTriggerMan(f)

	require.True(t, f.dispatch(t, 1, schema.CommandAdd, "alice", 100, "").Success)
	require.True(t, f.dispatch(t, 2, schema.CommandSetBuyAmount, "alice", 100, "S1").Success)

	tm.PollOnce(context.Background())

	acct, err := f.ledger.GetUser("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Holding("S1").Real)
	assert.True(t, acct.Reserved.Equal(d("100")))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	tm := newTriggerMan(f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tm.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
