// Package queue implements the partitioned work queue feeding the
// transaction engine. Delivery is at-least-once: an item checked out
// longer than the transaction timeout is resubmitted to the tail of
// its partition, so handlers must tolerate duplicates.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"daytrader/internal/schema"
	"daytrader/internal/stripe"
	"daytrader/pkg/exception"

	"github.com/yanun0323/logs"
)

// Config sizes the queue and its redelivery behavior.
type Config struct {
	// Partitions shards commands by hash(userId); all commands for a
	// user serialize through one partition.
	Partitions int
	// Capacity is the per-partition buffer. Put never blocks; it fails
	// with ErrQueueFull when the buffer is exhausted.
	Capacity int
	// TransactionTimeout is the checkout age after which an in-flight
	// command is resubmitted. Independent of the lock acquire timeout.
	TransactionTimeout time.Duration
	// SweepInterval is how often each partition scans for timeouts.
	SweepInterval time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 500 * time.Millisecond
	}
	return cfg
}

type checkout struct {
	cmd schema.Command
	at  time.Time
}

type partition struct {
	ch chan schema.Command

	mu       sync.Mutex
	inflight map[int64]checkout
	done     map[int64]schema.Response
}

// Queue is a set of independent FIFO partitions with one-shot result
// storage and timeout-driven resubmission.
type Queue struct {
	cfg     Config
	table   stripe.Table
	parts   []*partition
	retries uint64
	closed  uint32
	wg      sync.WaitGroup
}

// New allocates the partitions. Call Start to run the sweepers.
func New(cfg Config) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:   cfg,
		table: stripe.New(cfg.Partitions),
		parts: make([]*partition, cfg.Partitions),
	}
	for i := range q.parts {
		q.parts[i] = &partition{
			ch:       make(chan schema.Command, cfg.Capacity),
			inflight: make(map[int64]checkout),
			done:     make(map[int64]schema.Response),
		}
	}
	return q
}

// Start launches one resubmission sweeper per partition.
func (q *Queue) Start(ctx context.Context) {
	for i := range q.parts {
		q.wg.Add(1)
		go func(idx int) {
			defer q.wg.Done()
			q.sweep(ctx, idx)
		}(i)
	}
}

// Close stops accepting new work and waits for the sweepers.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		for _, p := range q.parts {
			close(p.ch)
		}
	}
	q.wg.Wait()
}

// Partitions returns the partition count.
func (q *Queue) Partitions() int {
	return len(q.parts)
}

// PartitionFor routes a user to its partition.
func (q *Queue) PartitionFor(userID string) int {
	return q.table.Index(userID)
}

// Put enqueues a command at the tail of a partition and acknowledges
// immediately; it never waits for processing.
func (q *Queue) Put(part int, cmd schema.Command) (schema.Response, error) {
	if atomic.LoadUint32(&q.closed) != 0 {
		return schema.Response{}, exception.ErrQueueClosed
	}
	p := q.parts[part%len(q.parts)]
	select {
	case p.ch <- cmd:
		return schema.Response{
			Success: true,
			Message: fmt.Sprintf("%d in progress", cmd.TransactionID),
		}, nil
	default:
		return schema.Response{}, exception.ErrQueueFull
	}
}

// Get blocks until a command is available on the partition, records its
// checkout time, and adds it to the in-flight set.
func (q *Queue) Get(ctx context.Context, part int) (schema.Command, error) {
	p := q.parts[part%len(q.parts)]
	select {
	case <-ctx.Done():
		return schema.Command{}, ctx.Err()
	case cmd, ok := <-p.ch:
		if !ok {
			return schema.Command{}, exception.ErrQueueClosed
		}
		p.mu.Lock()
		p.inflight[cmd.TransactionID] = checkout{cmd: cmd, at: time.Now()}
		p.mu.Unlock()
		return cmd, nil
	}
}

// MarkComplete removes the command from the in-flight set and stores
// its result for a single later GetCompleted. A duplicate completion
// for an already-stored transaction id keeps the first result.
func (q *Queue) MarkComplete(part int, cmd schema.Command, res schema.Response) {
	p := q.parts[part%len(q.parts)]
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, cmd.TransactionID)
	if _, exists := p.done[cmd.TransactionID]; !exists {
		p.done[cmd.TransactionID] = res
	}
}

// GetCompleted removes and returns the stored result for a transaction
// id. Results are consume-once.
func (q *Queue) GetCompleted(part int, txnID int64) (schema.Response, error) {
	p := q.parts[part%len(q.parts)]
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.done[txnID]
	if !ok {
		return schema.Response{}, exception.ErrResultNotFound
	}
	delete(p.done, txnID)
	return res, nil
}

// Retries reports how many commands have been resubmitted.
func (q *Queue) Retries() uint64 {
	return atomic.LoadUint64(&q.retries)
}

// sweep resubmits in-flight commands whose checkout age exceeded the
// transaction timeout. It runs on its own timer, off the worker path.
func (q *Queue) sweep(ctx context.Context, part int) {
	p := q.parts[part%len(q.parts)]
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if atomic.LoadUint32(&q.closed) != 0 {
			return
		}

		var expired []schema.Command
		p.mu.Lock()
		now := time.Now()
		for id, co := range p.inflight {
			if now.Sub(co.at) >= q.cfg.TransactionTimeout {
				expired = append(expired, co.cmd)
				delete(p.inflight, id)
			}
		}
		p.mu.Unlock()

		for _, cmd := range expired {
			select {
			case p.ch <- cmd:
				atomic.AddUint64(&q.retries, 1)
				logs.Warnf("resubmitting timed-out command, txn: %d, type: %s, partition: %d",
					cmd.TransactionID, cmd.Type, part)
			default:
				// Partition full; keep it in flight and retry the
				// resubmission on the next sweep.
				p.mu.Lock()
				p.inflight[cmd.TransactionID] = checkout{cmd: cmd, at: now}
				p.mu.Unlock()
				logs.Errorf("partition %d full, delaying resubmission of txn %d", part, cmd.TransactionID)
			}
		}
	}
}
