// The consumer drains the scan dispatch queues, streams each job through
// the scanning daemon, and publishes verdicts back through the shared
// store. It also runs the cluster coordinator that converges the fleet on
// the operator's target signature epoch.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/config"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/coordinator"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/engine"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/scanqueue"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/webhook"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	app := &cli.App{
		Name:   "scan-consumer",
		Usage:  "scan worker node: queue drain, engine streaming, cluster coordination",
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the worker pool (default)",
				Action: serve,
			},
			{
				Name:  "set-epoch",
				Usage: "bump the target signature epoch to trigger a coordinated reload",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:  "epoch",
						Usage: "explicit target epoch (default: increment the current one)",
					},
				},
				Action: setEpoch,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		slog.Error("consumer exited", "error", err)
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConsumer()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.NewRedisStore(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	eng, err := engine.NewClient(cfg.ClamdURL)
	if err != nil {
		return fmt.Errorf("engine client: %w", err)
	}
	if err := eng.Ping(ctx); err != nil {
		slog.Warn("engine not answering yet", "url", cfg.ClamdURL, "error", err)
	}

	adapter := scanqueue.NewAdapter(st)
	notifier := webhook.NewNotifier(cfg.ConsoleAPIURL)
	metrics := worker.NewMetrics(prometheus.DefaultRegisterer)
	service := worker.NewService(st, adapter, eng, notifier, metrics, worker.Options{
		EnableMemoryCheck: cfg.EnableMemoryCheck,
		MinFreeMemoryMB:   cfg.MinFreeMemoryMB,
		ScanMount:         cfg.ScanMount,
	})
	coord := coordinator.New(st, eng, cfg.NodeName, cfg.DeploymentName)
	dispatcher := worker.NewDispatcher(st, service, coord, cfg.Queues, cfg.Workers)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: mux,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("worker pool starting",
			"node", cfg.NodeName, "workers", cfg.Workers, "queues", cfg.Queues)
		return dispatcher.Run(ctx)
	})
	g.Go(func() error {
		slog.Info("metrics listening", "port", cfg.MetricsPort)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func setEpoch(c *cli.Context) error {
	cfg, err := config.LoadConsumer()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.NewRedisStore(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	target := c.Int64("epoch")
	if target == 0 {
		if env := os.Getenv("TARGET_EPOCH"); env != "" {
			target, err = strconv.ParseInt(env, 10, 64)
			if err != nil {
				return fmt.Errorf("parse TARGET_EPOCH %q: %w", env, err)
			}
		}
	}

	epoch, err := coordinator.BumpTargetEpoch(c.Context, st, target)
	if err != nil {
		return fmt.Errorf("bump target epoch: %w", err)
	}
	slog.Info("target epoch set, fleet will reload", "epoch", epoch)
	return nil
}
