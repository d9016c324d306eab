package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"stringcomm/internal/config"
	"stringcomm/internal/lighthouse"
	"stringcomm/internal/logging"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath, listen, store string
	cmd := &cobra.Command{
		Use:          "lighthouse",
		Short:        "Rendezvous server for string nodes",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadLighthouse(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Listen = listen
			}
			if flags.Changed("store") {
				if store != config.StoreSQLite && store != config.StoreMemory {
					return fmt.Errorf("unknown store %q", store)
				}
				cfg.Store = store
			}

			logger, err := logging.NewLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer logger.Sync() // best-effort flush

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, logger); err != nil {
				logger.Error("lighthouse exited with error", zap.Error(err))
				return err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "path to YAML/JSON config file (optional)")
	f.StringVar(&listen, "listen", "", "HTTP listen address (default :8080)")
	f.StringVar(&store, "store", "", "record store: sqlite or memory")
	return cmd
}

func run(ctx context.Context, cfg config.Lighthouse, log *zap.Logger) error {
	store, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics := lighthouse.NewMetrics(reg)

	svc := lighthouse.NewService(store, cfg.Service(), metrics, log)
	handler := lighthouse.NewHandler(svc, lighthouse.HandlerOptions{
		RateLimit: rate.Limit(cfg.RateLimit),
		Burst:     cfg.Burst,
		Gatherer:  reg,
	}, metrics, log)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error {
		log.Info("lighthouse listening",
			zap.String("address", cfg.Listen),
			zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		if err := srv.Shutdown(stopCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("http shutdown", zap.Error(err))
		}
		return nil
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("lighthouse stopped")
	return err
}

func openStore(cfg config.Lighthouse, log *zap.Logger) (lighthouse.Store, func(), error) {
	if cfg.Store == config.StoreMemory {
		return lighthouse.NewMemoryStore(), func() {}, nil
	}
	s, err := lighthouse.OpenSQL(cfg.DSN, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return s, func() {
		if err := s.Close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	}, nil
}
