package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"daytrader/internal/schema"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

type table uint8

const (
	tableUsers table = iota
	tableTriggers
	tablePending

	tableCount
)

var tableNames = [...]string{"users", "triggers", "pending"}

func (t table) String() string {
	if t >= tableCount {
		return "unknown"
	}
	return tableNames[t]
}

// marker identifies one dirty (table, bucket) pair awaiting rewrite.
type marker struct {
	table  table
	bucket int
}

// markDirty enqueues the bucket of a mutated key for the snapshot
// writer. When the change queue is full the marker is dropped; the
// bucket stays stale until its next mutation, which matches the
// eventual, last-write-wins durability model.
func (l *Ledger) markDirty(t table, key string) {
	if l.cfg.Dir == "" || atomic.LoadUint32(&l.closed) != 0 {
		return
	}
	m := marker{table: t, bucket: l.buckets.Index(key)}
	select {
	case l.dirty <- m:
	default:
		if atomic.AddUint64(&l.drops, 1)%100 == 1 {
			logs.Warnf("snapshot queue full, dropped marker for %s bucket %d", t, m.bucket)
		}
	}
}

// Start runs the background snapshot writer. It drains the change
// queue, coalesces duplicate markers, and rewrites each dirty bucket
// file wholesale.
func (l *Ledger) Start(ctx context.Context) {
	if l.cfg.Dir == "" {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-l.dirty:
				if !ok {
					return
				}
				batch := map[marker]struct{}{m: {}}
				for drained := false; !drained; {
					select {
					case next, ok := <-l.dirty:
						if !ok {
							drained = true
						} else {
							batch[next] = struct{}{}
						}
					default:
						drained = true
					}
				}
				for m := range batch {
					if err := l.writeBucket(m); err != nil {
						logs.Errorf("write snapshot %s bucket %d, err: %+v", m.table, m.bucket, err)
					}
				}
			}
		}
	}()
}

// Close stops the writer after flushing queued markers.
func (l *Ledger) Close() {
	if l.cfg.Dir == "" {
		return
	}
	if atomic.CompareAndSwapUint32(&l.closed, 0, 1) {
		close(l.dirty)
	}
	l.wg.Wait()
}

// SnapshotDrops reports markers dropped due to a full change queue.
func (l *Ledger) SnapshotDrops() uint64 {
	return atomic.LoadUint64(&l.drops)
}

func (l *Ledger) bucketPath(m marker) string {
	return filepath.Join(l.cfg.Dir, fmt.Sprintf("%s_%03d.json", m.table, m.bucket))
}

// writeBucket re-reads the current in-memory contents of a bucket and
// replaces its backing file atomically (temp file + rename).
func (l *Ledger) writeBucket(m marker) error {
	var (
		data []byte
		err  error
	)
	switch m.table {
	case tableUsers:
		out := make(map[string]Account)
		l.usersMu.RLock()
		for k, v := range l.users {
			if l.buckets.Index(k) == m.bucket {
				out[k] = v
			}
		}
		l.usersMu.RUnlock()
		data, err = sonic.Marshal(out)
	case tableTriggers:
		out := make(map[string]Trigger)
		l.trigMu.RLock()
		for k, v := range l.triggers {
			if l.buckets.Index(k.String()) == m.bucket {
				out[k.String()] = v
			}
		}
		l.trigMu.RUnlock()
		data, err = sonic.Marshal(out)
	case tablePending:
		out := make(map[string][]PendingTxn)
		l.pendMu.RLock()
		for k, v := range l.pending {
			if l.buckets.Index(k.String()) == m.bucket {
				out[k.String()] = v
			}
		}
		l.pendMu.RUnlock()
		data, err = sonic.Marshal(out)
	default:
		return errors.Errorf("unknown table %d", m.table)
	}
	if err != nil {
		return errors.Wrap(err, "encode bucket")
	}

	path := l.bucketPath(m)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "replace bucket file")
	}
	return nil
}

// Load reads every existing bucket file into the in-memory tables.
// Missing files are fine; a fresh ledger starts empty.
func (l *Ledger) Load() error {
	if l.cfg.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(l.cfg.Dir, 0o755); err != nil {
		return errors.Wrap(err, "create snapshot dir")
	}
	for t := tableUsers; t < tableCount; t++ {
		for b := 0; b < l.buckets.Count(); b++ {
			data, err := os.ReadFile(l.bucketPath(marker{table: t, bucket: b}))
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return errors.Wrapf(err, "read %s bucket %d", t, b)
			}
			if err := l.loadBucket(t, data); err != nil {
				return errors.Wrapf(err, "load %s bucket %d", t, b)
			}
		}
	}
	return nil
}

func (l *Ledger) loadBucket(t table, data []byte) error {
	switch t {
	case tableUsers:
		in := make(map[string]Account)
		if err := sonic.Unmarshal(data, &in); err != nil {
			return err
		}
		l.usersMu.Lock()
		for k, v := range in {
			if v.Stocks == nil {
				v.Stocks = make(map[string]Holding)
			}
			l.users[k] = v
		}
		l.usersMu.Unlock()
	case tableTriggers:
		in := make(map[string]Trigger)
		if err := sonic.Unmarshal(data, &in); err != nil {
			return err
		}
		l.trigMu.Lock()
		for k, v := range in {
			key, err := schema.ParseTriggerKey(k)
			if err != nil {
				l.trigMu.Unlock()
				return err
			}
			l.triggers[key] = v
		}
		l.trigMu.Unlock()
	case tablePending:
		in := make(map[string][]PendingTxn)
		if err := sonic.Unmarshal(data, &in); err != nil {
			return err
		}
		l.pendMu.Lock()
		for k, v := range in {
			key, err := schema.ParsePendingKey(k)
			if err != nil {
				l.pendMu.Unlock()
				return err
			}
			l.pending[key] = v
		}
		l.pendMu.Unlock()
	}
	return nil
}
