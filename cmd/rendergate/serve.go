package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendergate/rendergate/internal/api"
	"github.com/rendergate/rendergate/internal/blob"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		flush, err := startTelemetry(ctx, cfg)
		if err != nil {
			return err
		}
		defer flush()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		blobs, err := openBlobs(cfg)
		if err != nil {
			return err
		}
		signer := blob.NewSigner(cfg.SigningSecret, cfg.PublicURL)

		d, notifier, err := newDispatcher(cfg, store, blobs, signer)
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		api.NewHandler(store, blobs, signer, d, notifier, cfg).RegisterRoutes(mux)
		handler := api.Chain(mux,
			api.CORS(cfg.CORSOrigins),
			api.RequestID,
			api.Logging(slog.Default()),
			api.RateLimit(cfg.SubmitRate),
		)

		srv := &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			slog.Info("rendergate listening", "addr", cfg.ListenAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			return d.Run(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			slog.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		err = g.Wait()
		d.Wait()
		return err
	},
}

func init() { rootCmd.AddCommand(serveCmd) }
