// Package ops loads runtime configuration from a JSON file with
// environment overrides for deploy-specific values.
package ops

import (
	"os"
	"strconv"
	"time"

	"daytrader/internal/ledger"
	"daytrader/internal/lock"
	"daytrader/internal/queue"
	"daytrader/internal/quote"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

// FileConfig mirrors the JSON config layout. Durations are
// milliseconds.
type FileConfig struct {
	Server  ServerConfig  `json:"server"`
	Queue   QueueConfig   `json:"queue"`
	Lock    LockConfig    `json:"lock"`
	Ledger  LedgerConfig  `json:"ledger"`
	Quote   QuoteConfig   `json:"quote"`
	Audit   AuditConfig   `json:"audit"`
	Trigger TriggerConfig `json:"trigger"`
}

// ServerConfig describes the HTTP gateway.
type ServerConfig struct {
	Addr    string `json:"addr"`
	Workers int    `json:"workers"`
}

// QueueConfig sizes the work queue.
type QueueConfig struct {
	Partitions           int   `json:"partitions"`
	Capacity             int   `json:"capacity"`
	TransactionTimeoutMs int64 `json:"transactionTimeoutMs"`
	SweepIntervalMs      int64 `json:"sweepIntervalMs"`
}

// LockConfig sizes the striped lock manager.
type LockConfig struct {
	Stripes          int   `json:"stripes"`
	AcquireTimeoutMs int64 `json:"acquireTimeoutMs"`
}

// LedgerConfig describes ledger snapshots.
type LedgerConfig struct {
	Dir            string `json:"dir"`
	Buckets        int    `json:"buckets"`
	DirtyQueueSize int    `json:"dirtyQueueSize"`
}

// QuoteConfig selects the price source. Source is "mock" or "feed".
type QuoteConfig struct {
	Source   string `json:"source"`
	Endpoint string `json:"endpoint"`
	Symbol   string `json:"symbol"`
	TTLMs    int64  `json:"ttlMs"`
}

// AuditConfig describes the audit log store. An empty DSN selects the
// in-memory store.
type AuditConfig struct {
	Buffer      int    `json:"buffer"`
	PostgresDSN string `json:"postgresDsn"`
}

// TriggerConfig paces the trigger poller.
type TriggerConfig struct {
	PollIntervalMs int64 `json:"pollIntervalMs"`
}

// Loaded is the resolved configuration ready for wiring.
type Loaded struct {
	Addr    string
	Workers int

	Queue  queue.Config
	Lock   lock.Config
	Ledger ledger.Config
	Quote  quote.Config

	QuoteSource   string
	QuoteEndpoint string
	QuoteSymbol   string

	AuditBuffer int
	PostgresDSN string

	TriggerPoll time.Duration
}

// Load reads the JSON config file, applies environment overrides, and
// resolves defaults. path may be empty; overrides and defaults still
// apply.
func Load(path string) (Loaded, error) {
	var cfg FileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Loaded{}, errors.Wrap(err, "read config file")
		}
		if err := sonic.Unmarshal(data, &cfg); err != nil {
			return Loaded{}, errors.Wrap(err, "parse config file")
		}
	}
	applyEnv(&cfg)
	return resolve(cfg), nil
}

// applyEnv layers TRADER_* environment variables over the file values.
func applyEnv(cfg *FileConfig) {
	envString("TRADER_ADDR", &cfg.Server.Addr)
	envInt("TRADER_WORKERS", &cfg.Server.Workers)
	envInt("TRADER_QUEUE_PARTITIONS", &cfg.Queue.Partitions)
	envString("TRADER_SNAPSHOT_DIR", &cfg.Ledger.Dir)
	envString("TRADER_QUOTE_SOURCE", &cfg.Quote.Source)
	envString("TRADER_QUOTE_ENDPOINT", &cfg.Quote.Endpoint)
	envString("TRADER_QUOTE_SYMBOL", &cfg.Quote.Symbol)
	envString("TRADER_POSTGRES_DSN", &cfg.Audit.PostgresDSN)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func resolve(cfg FileConfig) Loaded {
	out := Loaded{
		Addr:    cfg.Server.Addr,
		Workers: cfg.Server.Workers,
		Queue: queue.Config{
			Partitions:         cfg.Queue.Partitions,
			Capacity:           cfg.Queue.Capacity,
			TransactionTimeout: ms(cfg.Queue.TransactionTimeoutMs),
			SweepInterval:      ms(cfg.Queue.SweepIntervalMs),
		},
		Lock: lock.Config{
			Stripes:        cfg.Lock.Stripes,
			AcquireTimeout: ms(cfg.Lock.AcquireTimeoutMs),
		},
		Ledger: ledger.Config{
			Dir:            cfg.Ledger.Dir,
			Buckets:        cfg.Ledger.Buckets,
			DirtyQueueSize: cfg.Ledger.DirtyQueueSize,
		},
		Quote: quote.Config{
			TTL: ms(cfg.Quote.TTLMs),
		},
		QuoteSource:   cfg.Quote.Source,
		QuoteEndpoint: cfg.Quote.Endpoint,
		QuoteSymbol:   cfg.Quote.Symbol,
		AuditBuffer:   cfg.Audit.Buffer,
		PostgresDSN:   cfg.Audit.PostgresDSN,
		TriggerPoll:   ms(cfg.Trigger.PollIntervalMs),
	}

	if out.Addr == "" {
		out.Addr = ":8080"
	}
	if out.Workers <= 0 {
		out.Workers = 8
	}
	if out.QuoteSource == "" {
		out.QuoteSource = "mock"
	}
	if out.TriggerPoll <= 0 {
		out.TriggerPoll = time.Second
	}
	return out
}

func ms(v int64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}
