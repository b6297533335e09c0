package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/invoicecat/invoicecat/internal/logging"
	"github.com/invoicecat/invoicecat/internal/transport"
	"github.com/invoicecat/invoicecat/internal/webhook"
)

func newServeCmd() *cobra.Command {
	var (
		local bool
		port  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the WebSocket upload endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Server.Port = port
			}

			log := logging.New(cfg.Server.Debug)
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			mux := http.NewServeMux()
			transport.NewServer(a.service, a.verifier,
				transport.WithLogger(log.Named("transport")),
				transport.WithAllowedOrigins(cfg.Server.AllowedOrigins),
				transport.WithReadLimit(cfg.Server.ReadLimit),
				transport.WithHealthCheck(a.ledger),
			).RegisterRoutes(mux)
			if cfg.Webhook.Secret != "" {
				mux.Handle("POST /webhooks/jobs", webhook.NewHandler([]byte(cfg.Webhook.Secret), a.service, log.Named("webhook")))
			}

			srv := &http.Server{
				Addr:              ":" + cfg.Server.Port,
				Handler:           transport.CORS(cfg.Server.AllowedOrigins)(mux),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				log.Info("starting ingestd",
					zap.String("addr", srv.Addr),
					zap.String("ledger", cfg.Ledger.Backend),
					zap.String("blob", cfg.Blob.Backend),
					zap.String("batch", cfg.Batch.Backend))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}

			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("shutdown error", zap.Error(err))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&local, "local", false, "Use in-process ledger, blob store and batch runner")
	cmd.Flags().StringVar(&port, "port", "", "Listen port (overrides config)")
	return cmd
}
