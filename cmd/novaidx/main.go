package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tuannm99/novaidx/internal"
	"github.com/tuannm99/novaidx/internal/btree"
	"github.com/tuannm99/novaidx/internal/engine"
)

const (
	benchTable = "bench"
	benchIndex = "bench_pkey"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	dataDir := flag.String("data-dir", "", "Working directory for index files (overrides config)")
	workers := flag.Int("workers", 0, "Concurrent inserters (overrides config)")
	keys := flag.Int("keys", 0, "Rows to insert (overrides config)")
	ratePerSec := flag.Float64("rate", -1, "Insert rate limit per second, 0 for unlimited (overrides config)")
	monotonic := flag.Bool("monotonic", false, "Insert ascending keys instead of random ones")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :2112")
	verifyOnly := flag.Bool("verify", false, "Only check the existing index and exit")
	flag.Parse()

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dataDir != "" {
		cfg.Storage.Workdir = *dataDir
	}
	if *workers > 0 {
		cfg.Bench.Workers = *workers
	}
	if *keys > 0 {
		cfg.Bench.Keys = *keys
	}
	if *ratePerSec >= 0 {
		cfg.Bench.Rate = *ratePerSec
	}
	if *monotonic {
		cfg.Bench.Monotonic = true
	}

	logger, err := internal.NewLogger(cfg, os.Stderr)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *metricsAddr, *verifyOnly); err != nil {
		logger.Error("novaidx.failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *internal.NovaIdxConfig, logger *slog.Logger, metricsAddr string, verifyOnly bool) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts, err := engine.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	opts.Registerer = reg
	opts.Logger = logger

	db, err := engine.Open(opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("novaidx.close", "err", err)
		}
	}()

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("novaidx.metrics", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("novaidx.metrics", "addr", metricsAddr)
	}

	if !verifyOnly {
		if err := ensureSchema(db, cfg.Bench.Unique); err != nil {
			return err
		}
		if err := load(ctx, db, cfg, logger); err != nil {
			return err
		}
		if err := db.Checkpoint(); err != nil {
			return err
		}
	}

	rep, err := db.Verify(benchIndex)
	if err != nil {
		return err
	}
	logger.Info("novaidx.verify",
		"height", rep.Height,
		"pagesPerLevel", rep.PagesPerLevel,
		"leafTuples", rep.LeafTuples,
		"deadTuples", rep.DeadTuples,
		"orphans", rep.Orphans,
		"problems", len(rep.Problems),
	)
	for _, p := range rep.Problems {
		logger.Warn("novaidx.verify.problem", "detail", p)
	}
	return nil
}

func ensureSchema(db *engine.Database, unique bool) error {
	err := db.CreateTable(benchTable, []btree.Column{
		{Name: "id", Type: btree.TypeInt64},
		{Name: "payload", Type: btree.TypeText},
	})
	if err != nil && !errors.Is(err, engine.ErrTableExists) {
		return err
	}
	_, err = db.CreateIndex(engine.IndexSpec{
		Name:    benchIndex,
		Table:   benchTable,
		Key:     []string{"id"},
		Include: []string{"payload"},
		Unique:  unique,
	})
	if err != nil && !errors.Is(err, engine.ErrIndexExists) {
		return err
	}
	return nil
}

// load runs the configured number of insertions across workers. Random
// keys are drawn from a space twice the row count, so unique indexes see
// duplicates.
func load(ctx context.Context, db *engine.Database, cfg *internal.NovaIdxConfig, logger *slog.Logger) error {
	limit := rate.Inf
	if cfg.Bench.Rate > 0 {
		limit = rate.Limit(cfg.Bench.Rate)
	}
	limiter := rate.NewLimiter(limit, max(1, cfg.Bench.Workers))

	total := int64(cfg.Bench.Keys)
	var issued, inserted, duplicates, nextKey atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Bench.Workers; w++ {
		g.Go(func() error {
			for issued.Add(1) <= total {
				if err := limiter.Wait(gctx); err != nil {
					return nil
				}
				var id int64
				if cfg.Bench.Monotonic {
					id = nextKey.Add(1)
				} else {
					id = rand.Int64N(2 * total)
				}
				_, err := db.Insert(benchTable, []any{id, fmt.Sprintf("payload-%d", id)})
				switch {
				case err == nil:
					inserted.Add(1)
				case errors.Is(err, btree.ErrUniqueViolation):
					duplicates.Add(1)
				default:
					return fmt.Errorf("insert %d: %w", id, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()

	elapsed := time.Since(start)
	logger.Info("novaidx.load",
		"workers", cfg.Bench.Workers,
		"inserted", inserted.Load(),
		"duplicates", duplicates.Load(),
		"elapsed", elapsed.Round(time.Millisecond),
		"rowsPerSec", int(float64(inserted.Load())/max(elapsed.Seconds(), 1e-9)),
		"interrupted", ctx.Err() != nil,
	)
	return err
}
