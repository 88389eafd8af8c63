package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"daytrader/internal/schema"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainLog(t *testing.T, a *Log) {
	t.Helper()
	a.Close()
}

func TestUserCommandRecorded(t *testing.T) {
	store := NewMemoryStore()
	a := NewLog(store, 16)
	a.Start(context.Background())

	a.UserCommand(schema.Command{
		TransactionID: 1,
		Type:          schema.CommandBuy,
		UserID:        "alice",
		Amount:        100,
		StockSymbol:   "S1",
	})
	drainLog(t, a)

	recs, err := store.List("")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, KindUserCommand, recs[0].Kind)
	assert.Equal(t, "BUY", recs[0].Command)
	assert.Equal(t, "alice", recs[0].Username)
	assert.Equal(t, "S1", recs[0].StockSymbol)
	assert.Equal(t, "100", recs[0].Funds)
	assert.NotZero(t, recs[0].Timestamp)
	assert.NotEmpty(t, recs[0].Server)
}

func TestListFiltersByUser(t *testing.T) {
	store := NewMemoryStore()
	a := NewLog(store, 16)
	a.Start(context.Background())

	a.AccountTransaction("alice", decimal.NewFromInt(10), "add", 1)
	a.AccountTransaction("bob", decimal.NewFromInt(20), "add", 2)
	drainLog(t, a)

	recs, err := store.List("alice")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "alice", recs[0].Username)

	recs, err = store.List("")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	store := NewMemoryStore()
	a := NewLog(store, 16)
	a.Start(context.Background())
	a.Close()

	a.SystemEvent(schema.Command{TransactionID: 1, Type: schema.CommandAdd}, "late")

	recs, err := store.List("")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestFullQueueCountsDrops(t *testing.T) {
	store := NewMemoryStore()
	a := NewLog(store, 1)
	// No Start; the queue fills immediately.

	a.AccountTransaction("alice", decimal.NewFromInt(1), "add", 1)
	a.AccountTransaction("alice", decimal.NewFromInt(2), "add", 2)
	a.AccountTransaction("alice", decimal.NewFromInt(3), "add", 3)

	assert.GreaterOrEqual(t, a.Drops(), uint64(2))
}

func TestDumpWritesXML(t *testing.T) {
	store := NewMemoryStore()
	a := NewLog(store, 16)
	a.Start(context.Background())

	a.UserCommand(schema.Command{TransactionID: 1, Type: schema.CommandAdd, UserID: "alice", Amount: 100})
	a.QuoteServer("alice", "S1", decimal.RequireFromString("12.55"), "mock-cryptokey", 2)
	a.AccountTransaction("alice", decimal.RequireFromString("87.85"), "remove", 3)
	a.SystemEvent(schema.Command{TransactionID: 4, Type: schema.CommandSetBuyTrigger, UserID: "alice", StockSymbol: "S1"}, "trigger fired")
	a.ErrorEvent(schema.Command{TransactionID: 5, Type: schema.CommandCommitBuy, UserID: "alice"}, "no pending buy")

	// Wait for the drain loop to land all five records.
	require.Eventually(t, func() bool {
		recs, err := store.List("")
		return err == nil && len(recs) == 5
	}, time.Second, 10*time.Millisecond)

	path := filepath.Join(t.TempDir(), "dump.xml")
	require.NoError(t, a.Dump(path, ""))
	a.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	assert.True(t, strings.HasSuffix(strings.TrimSpace(text), "</log>"))
	assert.Contains(t, text, "<log>")
	assert.Contains(t, text, "<userCommand>")
	assert.Contains(t, text, "<quoteServer>")
	assert.Contains(t, text, "<accountTransaction>")
	assert.Contains(t, text, "<systemEvent>")
	assert.Contains(t, text, "<errorEvent>")
	assert.Contains(t, text, "<price>12.55</price>")
	assert.Contains(t, text, "<cryptokey>mock-cryptokey</cryptokey>")
	assert.Contains(t, text, "<errorMessage>no pending buy</errorMessage>")
}

func TestDumpFiltersByUser(t *testing.T) {
	store := NewMemoryStore()
	a := NewLog(store, 16)
	a.Start(context.Background())

	a.AccountTransaction("alice", decimal.NewFromInt(10), "add", 1)
	a.AccountTransaction("bob", decimal.NewFromInt(20), "add", 2)

	require.Eventually(t, func() bool {
		recs, err := store.List("")
		return err == nil && len(recs) == 2
	}, time.Second, 10*time.Millisecond)

	path := filepath.Join(t.TempDir(), "alice.xml")
	require.NoError(t, a.Dump(path, "alice"))
	a.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<username>alice</username>")
	assert.NotContains(t, string(data), "bob")
}
