package main

import (
	"context"
	"flag"
	"os"
	"sync"
	"time"

	"daytrader/internal/audit"
	"daytrader/internal/engine"
	"daytrader/internal/gateway"
	"daytrader/internal/ledger"
	"daytrader/internal/lock"
	"daytrader/internal/obs"
	"daytrader/internal/ops"
	"daytrader/internal/queue"
	"daytrader/internal/quote"
	"daytrader/pkg/conn"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/joho/godotenv"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config")
	envPath := flag.String("env", "", "Path to .env file (default: ./.env)")
	flag.Parse()

	if *envPath != "" {
		_ = godotenv.Load(*envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg, err := ops.Load(*configPath)
	if err != nil {
		logs.Errorf("load config, err: %+v", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logs.Errorf("trader exited, err: %+v", err)
		os.Exit(1)
	}
}

func run(cfg ops.Loaded) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startProfiler()

	// Audit log: postgres when a DSN is configured, in-memory otherwise.
	var store audit.Store
	var pg *conn.Client
	if cfg.PostgresDSN != "" {
		client, err := conn.New(conn.Option{ConnString: cfg.PostgresDSN})
		if err != nil {
			return err
		}
		pg = client
		pgStore, err := audit.NewPGStore(client)
		if err != nil {
			return err
		}
		store = pgStore
	} else {
		store = audit.NewMemoryStore()
	}
	auditLog := audit.NewLog(store, cfg.AuditBuffer)
	auditLog.Start(ctx)

	locks := lock.NewManager(cfg.Lock)

	book := ledger.New(cfg.Ledger, locks)
	if cfg.Ledger.Dir != "" {
		if err := book.Load(); err != nil {
			return err
		}
	}
	book.Start(ctx)

	src, err := buildQuoteSource(ctx, cfg)
	if err != nil {
		return err
	}
	quotes := quote.NewCache(cfg.Quote, src, locks)

	metrics := obs.NewMetrics()
	metrics.AuditDropsFunc = auditLog.Drops
	metrics.SnapshotDropsFunc = book.SnapshotDrops

	eng := engine.New(book, quotes, auditLog, metrics)

	// One worker per partition keeps a user's commands in order.
	if cfg.Queue.Partitions <= 0 {
		cfg.Queue.Partitions = cfg.Workers
	}
	q := queue.New(cfg.Queue)
	metrics.RetriesFunc = q.Retries
	q.Start(ctx)

	var wg sync.WaitGroup
	for part := 0; part < q.Partitions(); part++ {
		wg.Add(1)
		go func(part int) {
			defer wg.Done()
			work(ctx, q, eng, part)
		}(part)
	}

	tm := engine.NewTriggerMan(book, quotes, auditLog, metrics, cfg.TriggerPoll)
	wg.Add(1)
	go func() {
		defer wg.Done()
		tm.Run(ctx)
	}()

	srv := gateway.New(cfg.Addr, q, metrics)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logs.Errorf("gateway serve, err: %+v", err)
			cancel()
		}
	}()

	select {
	case <-sys.Shutdown():
		logs.Info("shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logs.Warnf("gateway shutdown, err: %+v", err)
	}

	cancel()
	q.Close()
	wg.Wait()
	book.Close()
	auditLog.Close()
	if pg != nil {
		_ = pg.Close()
	}
	logs.Info("trader stopped")
	return nil
}

// work drains one partition until shutdown. Each command runs to
// completion and its result is stored for the client to poll.
func work(ctx context.Context, q *queue.Queue, eng *engine.Engine, part int) {
	for {
		cmd, err := q.Get(ctx, part)
		if err != nil {
			return
		}
		res := eng.Dispatch(ctx, cmd)
		q.MarkComplete(part, cmd, res)
	}
}

func buildQuoteSource(ctx context.Context, cfg ops.Loaded) (quote.Source, error) {
	if cfg.QuoteSource != "feed" {
		return quote.NewMockSource(), nil
	}

	feed := quote.NewFeedSource(ctx, cfg.QuoteEndpoint, cfg.Quote.TTL)
	if err := feed.Start(ctx); err != nil {
		return nil, err
	}
	if cfg.QuoteSymbol != "" {
		if err := feed.SubscribeTrades(ctx, cfg.QuoteSymbol); err != nil {
			return nil, err
		}
	}
	return feed, nil
}

// startProfiler enables continuous profiling when PYROSCOPE_ADDR is
// set.
func startProfiler() {
	addr := os.Getenv("PYROSCOPE_ADDR")
	if addr == "" {
		return
	}
	_, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "daytrader",
		ServerAddress:   addr,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		logs.Warnf("start profiler, err: %+v", err)
	}
}
