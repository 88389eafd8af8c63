package quote

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"daytrader/internal/lock"
	"daytrader/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

type countingSource struct {
	calls uint64
	fail  bool
}

func (s *countingSource) Fetch(_ context.Context, symbol, userID string) (Data, error) {
	atomic.AddUint64(&s.calls, 1)
	if s.fail {
		return Data{}, errors.New("source down")
	}
	return Data{
		UserID:    userID,
		Symbol:    symbol,
		Price:     decimal.RequireFromString("12.55"),
		Timestamp: time.Now(),
		Proof:     "test-key",
	}, nil
}

func newTestLocks() *lock.Manager {
	return lock.NewManager(lock.Config{Stripes: 16, AcquireTimeout: time.Second})
}

func TestGetQuoteCachesWithinTTL(t *testing.T) {
	src := &countingSource{}
	c := NewCache(Config{TTL: time.Minute}, src, newTestLocks())

	d1, err := c.GetQuote(context.Background(), "S1", "alice", 1)
	require.NoError(t, err)
	assert.True(t, d1.Price.Equal(decimal.RequireFromString("12.55")))

	_, err = c.GetQuote(context.Background(), "S1", "alice", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), atomic.LoadUint64(&src.calls))
}

func TestGetQuoteKeyedBySymbolAndUser(t *testing.T) {
	src := &countingSource{}
	c := NewCache(Config{TTL: time.Minute}, src, newTestLocks())

	_, err := c.GetQuote(context.Background(), "S1", "alice", 1)
	require.NoError(t, err)
	_, err = c.GetQuote(context.Background(), "S1", "bob", 2)
	require.NoError(t, err)
	_, err = c.GetQuote(context.Background(), "S2", "alice", 3)
	require.NoError(t, err)

	assert.Equal(t, uint64(3), atomic.LoadUint64(&src.calls))
}

func TestGetQuoteRefetchesAfterTTL(t *testing.T) {
	src := &countingSource{}
	c := NewCache(Config{TTL: 20 * time.Millisecond}, src, newTestLocks())

	_, err := c.GetQuote(context.Background(), "S1", "alice", 1)
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	_, err = c.GetQuote(context.Background(), "S1", "alice", 2)
	require.NoError(t, err)

	assert.Equal(t, uint64(2), atomic.LoadUint64(&src.calls))
}

func TestGetQuoteSourceFailure(t *testing.T) {
	src := &countingSource{fail: true}
	c := NewCache(Config{TTL: time.Minute}, src, newTestLocks())

	_, err := c.GetQuote(context.Background(), "S1", "alice", 1)
	require.ErrorIs(t, err, exception.ErrQuoteUnavailable)
}

func TestConcurrentGetQuoteSingleFetch(t *testing.T) {
	src := &countingSource{}
	c := NewCache(Config{TTL: time.Minute}, src, newTestLocks())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetQuote(context.Background(), "S1", "alice", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Waiters queued on the stripe must reuse the winner's entry.
	assert.Equal(t, uint64(1), atomic.LoadUint64(&src.calls))
}

func TestMockSourceFixedPrice(t *testing.T) {
	src := NewMockSource()
	d, err := src.Fetch(context.Background(), "S1", "alice")
	require.NoError(t, err)
	assert.True(t, d.Price.Equal(decimal.RequireFromString("12.55")))
	assert.Equal(t, "mock-cryptokey", d.Proof)
	assert.Equal(t, "alice", d.UserID)
}
