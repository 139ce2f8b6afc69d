// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-watermarker/internal/bus"
	"github.com/tendant/simple-watermarker/internal/document"
	"github.com/tendant/simple-watermarker/internal/metrics"
	"github.com/tendant/simple-watermarker/internal/pipeline"
	"github.com/tendant/simple-watermarker/internal/process"
	"github.com/tendant/simple-watermarker/internal/relay"
	"github.com/tendant/simple-watermarker/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := LoadConfig()
	if err != nil {
		fatal(slog.Default(), "load config", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("worker starting",
		"nats_url", cfg.NATSURL,
		"command_subject", cfg.CommandSubject,
		"event_subject", cfg.EventSubject,
		"queue", cfg.WorkerQueue,
		"bucket", cfg.ArchiveBucket,
		"http_addr", cfg.HTTPAddr,
		"style", cfg.Style.Description(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nc, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	logger.Info("connected to NATS", "nats_url", cfg.NATSURL)
	defer nc.Close()

	store, err := nc.ObjectStore(ctx, cfg.ArchiveBucket)
	if err != nil {
		fatal(logger, "open object store", err, "bucket", cfg.ArchiveBucket)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opener := document.NewPDFOpener(document.WithMaxBytes(cfg.MaxFileBytes))
	engine := pipeline.NewEngine(opener,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics.New(reg)),
		pipeline.WithStyle(cfg.Style),
	)
	registry := process.NewRegistry(0)
	w := worker.New(engine, worker.WithLogger(logger), worker.WithRegistry(registry))

	rl := relay.New(nc, w, store, cfg.EventSubject, logger)
	if err := rl.Subscribe(cfg.CommandSubject, cfg.WorkerQueue); err != nil {
		fatal(logger, "subscribe commands", err, "subject", cfg.CommandSubject, "queue", cfg.WorkerQueue)
	}
	logger.Info("listening for commands", "subject", cfg.CommandSubject, "queue", cfg.WorkerQueue)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newRouter(registry, reg, w.Busy),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		// Keeps publishing until the worker closes its event stream, so the
		// terminal event of an interrupted job still goes out.
		rl.Forward(context.Background())
		return nil
	})
	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		rl.Unsubscribe()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fatal(logger, "worker stopped", err)
	}
	logger.Info("worker stopped")
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
