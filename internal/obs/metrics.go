// Package obs collects lightweight counters for the engine and
// exposes them as a prometheus collector on the gateway.
package obs

import (
	"sync/atomic"

	"daytrader/internal/schema"

	"github.com/prometheus/client_golang/prometheus"
)

const maxCommandType = int(schema.CommandDumpLog)

// Metrics aggregates engine-side counters. The zero value is unusable;
// a nil *Metrics is safe to call, so wiring metrics stays optional.
type Metrics struct {
	commandCounts [maxCommandType + 1]uint64
	failures      uint64
	triggersFired uint64

	// Gauge sources owned by other components, sampled at scrape time.
	RetriesFunc       func() uint64
	AuditDropsFunc    func() uint64
	SnapshotDropsFunc func() uint64
}

// NewMetrics creates an empty counter set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// CommandDispatched counts one dispatched command.
func (m *Metrics) CommandDispatched(t schema.CommandType) {
	if m == nil || int(t) > maxCommandType {
		return
	}
	atomic.AddUint64(&m.commandCounts[t], 1)
}

// CommandFailed counts one failed command.
func (m *Metrics) CommandFailed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.failures, 1)
}

// TriggerFired counts one fired standing trigger.
func (m *Metrics) TriggerFired() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.triggersFired, 1)
}

// Snapshot is a point-in-time counter view for tests and logs.
type Snapshot struct {
	CommandCounts map[schema.CommandType]uint64
	Failures      uint64
	TriggersFired uint64
}

// Stats captures the current counter values.
func (m *Metrics) Stats() Snapshot {
	snap := Snapshot{CommandCounts: make(map[schema.CommandType]uint64)}
	if m == nil {
		return snap
	}
	for t := 0; t <= maxCommandType; t++ {
		if v := atomic.LoadUint64(&m.commandCounts[t]); v > 0 {
			snap.CommandCounts[schema.CommandType(t)] = v
		}
	}
	snap.Failures = atomic.LoadUint64(&m.failures)
	snap.TriggersFired = atomic.LoadUint64(&m.triggersFired)
	return snap
}

// Collector adapts the counters for a prometheus registry.
func (m *Metrics) Collector() prometheus.Collector {
	return &collector{
		m: m,
		commands: prometheus.NewDesc("trader_commands_total",
			"Commands dispatched by type.", []string{"type"}, nil),
		failures: prometheus.NewDesc("trader_command_failures_total",
			"Commands that returned a failure response.", nil, nil),
		fired: prometheus.NewDesc("trader_triggers_fired_total",
			"Standing triggers fired by the poller.", nil, nil),
		retries: prometheus.NewDesc("trader_queue_retries_total",
			"Commands resubmitted after checkout timeout.", nil, nil),
		auditDrops: prometheus.NewDesc("trader_audit_drops_total",
			"Audit events dropped due to a full queue.", nil, nil),
		snapshotDrops: prometheus.NewDesc("trader_snapshot_drops_total",
			"Dirty-bucket markers dropped due to a full queue.", nil, nil),
	}
}

type collector struct {
	m *Metrics

	commands      *prometheus.Desc
	failures      *prometheus.Desc
	fired         *prometheus.Desc
	retries       *prometheus.Desc
	auditDrops    *prometheus.Desc
	snapshotDrops *prometheus.Desc
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.commands
	ch <- c.failures
	ch <- c.fired
	ch <- c.retries
	ch <- c.auditDrops
	ch <- c.snapshotDrops
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for t := 0; t <= maxCommandType; t++ {
		v := atomic.LoadUint64(&c.m.commandCounts[t])
		ch <- prometheus.MustNewConstMetric(c.commands, prometheus.CounterValue,
			float64(v), schema.CommandType(t).String())
	}
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue,
		float64(atomic.LoadUint64(&c.m.failures)))
	ch <- prometheus.MustNewConstMetric(c.fired, prometheus.CounterValue,
		float64(atomic.LoadUint64(&c.m.triggersFired)))
	if c.m.RetriesFunc != nil {
		ch <- prometheus.MustNewConstMetric(c.retries, prometheus.CounterValue, float64(c.m.RetriesFunc()))
	}
	if c.m.AuditDropsFunc != nil {
		ch <- prometheus.MustNewConstMetric(c.auditDrops, prometheus.CounterValue, float64(c.m.AuditDropsFunc()))
	}
	if c.m.SnapshotDropsFunc != nil {
		ch <- prometheus.MustNewConstMetric(c.snapshotDrops, prometheus.CounterValue, float64(c.m.SnapshotDropsFunc()))
	}
}
