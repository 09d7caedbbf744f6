package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oriys/nanomq/internal/adminhttp"
	"github.com/oriys/nanomq/internal/broker"
	"github.com/oriys/nanomq/internal/config"
	"github.com/oriys/nanomq/internal/logging"
	"github.com/oriys/nanomq/internal/metrics"
)

func serveCmd() *cobra.Command {
	var (
		addr        string
		metricsAddr string
		logLevel    string
		logFormat   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Metrics.Addr = metricsAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Logging.Format = logFormat
			}

			logging.InitStructured(cfg.Logging.Format, cfg.Logging.Level)
			logging.SetLevelFromString(cfg.Logging.Level)
			log := logging.Op()

			var m *metrics.BrokerMetrics
			if cfg.Metrics.Enabled {
				m = metrics.Init("nanomq")
			} else {
				m = metrics.Default()
			}

			srv := broker.NewServer(cfg.Server, cfg.Ack.AckTimeout(), m, log)

			if cfg.Metrics.Enabled {
				mux := http.NewServeMux()
				h := &adminhttp.Handler{Broker: srv, Metrics: m}
				h.RegisterRoutes(mux)
				adminSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
				go func() {
					log.Info("admin http listening", "addr", cfg.Metrics.Addr)
					if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Error("admin http server failed", "error", err)
					}
				}()
				defer adminSrv.Close()
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				log.Info("shutting down")
				return srv.Close()
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "broker TCP listen address")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "admin/metrics HTTP listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "text or json")

	return cmd
}
