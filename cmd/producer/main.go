// The producer terminates the proxy's external-processor stream and the
// on-demand secret discovery stream. It dispatches scan jobs to the worker
// fleet through the shared store and withholds or blocks traffic according
// to the configured block mode.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	secretv3 "github.com/envoyproxy/go-control-plane/envoy/service/secret/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/cache"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/config"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/extproc"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/featureflags"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/orchestrator"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/scanqueue"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/sds"
	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	app := &cli.App{
		Name:   "scan-producer",
		Usage:  "in-line virus scanning gateway for the proxy's external processor",
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the gateway (default)",
				Action: serve,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		slog.Error("producer exited", "error", err)
		os.Exit(1)
	}
}

func serve(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadProducer()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.NewRedisStore(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	adapter := scanqueue.NewAdapter(st)
	orch := orchestrator.New(st, adapter, &orchestrator.Options{
		CongestionTATThreshold: cfg.CongestionTATThreshold,
		HandshakeTimeout:       cfg.HandshakeTimeout,
		ResultTimeout:          cfg.ResultTimeout,
	})
	cacheSvc := cache.NewService(st, nil)
	flags := featureflags.FromConfig(cfg)

	issuer, err := sds.NewIssuer(cfg.CACertPath, cfg.CAKeyPath, cfg.SDSCacheMaxSize, cfg.SDSCacheTTL,
		sds.NewMetrics(prometheus.DefaultRegisterer))
	if err != nil {
		return fmt.Errorf("load ca material: %w", err)
	}

	metrics := extproc.NewMetrics(prometheus.DefaultRegisterer)
	handler := extproc.NewHandler(cfg, orch, cacheSvc, flags, metrics)

	grpcSrv := grpc.NewServer()
	extprocv3.RegisterExternalProcessorServer(grpcSrv, handler)
	secretv3.RegisterSecretDiscoveryServiceServer(grpcSrv, sds.NewServer(issuer))

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

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
		slog.Info("gateway listening", "grpc_port", cfg.GRPCPort, "block_mode", cfg.BlockMode)
		return grpcSrv.Serve(lis)
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
		grpcSrv.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
