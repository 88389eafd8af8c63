package queue

import (
	"context"
	"testing"
	"time"

	"daytrader/internal/schema"
	"daytrader/pkg/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(cfg Config) *Queue {
	return New(cfg)
}

func TestPutAcknowledges(t *testing.T) {
	q := newTestQueue(Config{Partitions: 2, Capacity: 4})

	ack, err := q.Put(0, schema.Command{TransactionID: 7, Type: schema.CommandAdd, UserID: "alice"})
	require.NoError(t, err)
	assert.True(t, ack.Success)
	assert.Equal(t, "7 in progress", ack.Message)
}

func TestPutFailsWhenFull(t *testing.T) {
	q := newTestQueue(Config{Partitions: 1, Capacity: 1})

	_, err := q.Put(0, schema.Command{TransactionID: 1, UserID: "alice"})
	require.NoError(t, err)
	_, err = q.Put(0, schema.Command{TransactionID: 2, UserID: "alice"})
	require.ErrorIs(t, err, exception.ErrQueueFull)
}

func TestGetReturnsFIFO(t *testing.T) {
	q := newTestQueue(Config{Partitions: 1, Capacity: 8})
	for i := int64(1); i <= 3; i++ {
		_, err := q.Put(0, schema.Command{TransactionID: i, UserID: "alice"})
		require.NoError(t, err)
	}

	for i := int64(1); i <= 3; i++ {
		cmd, err := q.Get(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, i, cmd.TransactionID)
	}
}

func TestGetHonorsContext(t *testing.T) {
	q := newTestQueue(Config{Partitions: 1, Capacity: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Get(ctx, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResultConsumeOnce(t *testing.T) {
	q := newTestQueue(Config{Partitions: 1, Capacity: 8})
	cmd := schema.Command{TransactionID: 11, UserID: "alice"}
	_, err := q.Put(0, cmd)
	require.NoError(t, err)
	got, err := q.Get(context.Background(), 0)
	require.NoError(t, err)

	q.MarkComplete(0, got, schema.Ok())

	res, err := q.GetCompleted(0, 11)
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = q.GetCompleted(0, 11)
	require.ErrorIs(t, err, exception.ErrResultNotFound)
}

func TestMarkCompleteKeepsFirstResult(t *testing.T) {
	q := newTestQueue(Config{Partitions: 1, Capacity: 8})
	cmd := schema.Command{TransactionID: 21, UserID: "alice"}

	q.MarkComplete(0, cmd, schema.Fail("first"))
	q.MarkComplete(0, cmd, schema.Ok())

	res, err := q.GetCompleted(0, 21)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "first", res.Message)
}

func TestTimedOutCommandIsRedelivered(t *testing.T) {
	q := newTestQueue(Config{
		Partitions:         1,
		Capacity:           8,
		TransactionTimeout: 30 * time.Millisecond,
		SweepInterval:      10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	cmd := schema.Command{TransactionID: 31, Type: schema.CommandAdd, UserID: "alice"}
	_, err := q.Put(0, cmd)
	require.NoError(t, err)

	// Check out but never complete; the sweeper should resubmit it.
	first, err := q.Get(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, int64(31), first.TransactionID)

	getCtx, getCancel := context.WithTimeout(context.Background(), time.Second)
	defer getCancel()
	second, err := q.Get(getCtx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(31), second.TransactionID)
	assert.GreaterOrEqual(t, q.Retries(), uint64(1))
}

func TestCompletedCommandIsNotRedelivered(t *testing.T) {
	q := newTestQueue(Config{
		Partitions:         1,
		Capacity:           8,
		TransactionTimeout: 30 * time.Millisecond,
		SweepInterval:      10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	cmd := schema.Command{TransactionID: 41, UserID: "alice"}
	_, err := q.Put(0, cmd)
	require.NoError(t, err)
	got, err := q.Get(context.Background(), 0)
	require.NoError(t, err)
	q.MarkComplete(0, got, schema.Ok())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, uint64(0), q.Retries())
}

func TestPartitionForRoutesConsistently(t *testing.T) {
	q := newTestQueue(Config{Partitions: 4, Capacity: 1})
	part := q.PartitionFor("alice")
	for i := 0; i < 50; i++ {
		assert.Equal(t, part, q.PartitionFor("alice"))
	}
	assert.Less(t, part, q.Partitions())
}

func TestPutAfterClose(t *testing.T) {
	q := newTestQueue(Config{Partitions: 1, Capacity: 1})
	q.Close()

	_, err := q.Put(0, schema.Command{TransactionID: 1, UserID: "alice"})
	require.ErrorIs(t, err, exception.ErrQueueClosed)
}
