package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendergate/rendergate/internal/fakebackend"
)

var (
	fakeAddr       string
	fakeDelay      time.Duration
	fakeComfyQueue bool
)

var fakeBackendCmd = &cobra.Command{
	Use:   "fake-backend",
	Short: "Serve a stand-in rendering back-end for local runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

		opts := []fakebackend.Option{fakebackend.WithDelay(fakeDelay)}
		if fakeComfyQueue {
			opts = append(opts, fakebackend.WithComfyQueue())
		}
		srv := &http.Server{Addr: fakeAddr, Handler: fakebackend.New(opts...).Handler()}

		ctx, stop := signalContext()
		defer stop()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		slog.Info("fake back-end listening", "addr", fakeAddr, "delay", fakeDelay)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	fakeBackendCmd.Flags().StringVar(&fakeAddr, "addr", ":8188", "Listen address")
	fakeBackendCmd.Flags().DurationVar(&fakeDelay, "delay", 2*time.Second, "Simulated render time")
	fakeBackendCmd.Flags().BoolVar(&fakeComfyQueue, "comfy-queue", false, "Report queue_running as a prompt list")
	rootCmd.AddCommand(fakeBackendCmd)
}
