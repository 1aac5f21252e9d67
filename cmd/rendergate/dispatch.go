package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendergate/rendergate/internal/backend"
	"github.com/rendergate/rendergate/internal/blob"
	"github.com/rendergate/rendergate/internal/config"
	"github.com/rendergate/rendergate/internal/dispatcher"
	"github.com/rendergate/rendergate/internal/job"
	"github.com/rendergate/rendergate/internal/notify"
	"github.com/rendergate/rendergate/internal/telemetry"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run only the dispatcher loop",
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

		d, _, err := newDispatcher(cfg, store, blobs, signer)
		if err != nil {
			return err
		}
		err = d.Run(ctx)
		d.Wait()
		return err
	},
}

func init() { rootCmd.AddCommand(dispatchCmd) }

// newDispatcher wires the prober, generation client and notifier around
// store. The notifier is returned for the API's late contact path.
func newDispatcher(cfg *config.Config, store job.Store, blobs blob.Store, signer *blob.Signer) (*dispatcher.Dispatcher, *notify.Notifier, error) {
	logger := slog.Default()

	tmpl, err := backend.LoadTemplate(cfg.WorkflowPath, cfg.WorkflowImageNode, cfg.WorkflowSeedNode)
	if err != nil {
		return nil, nil, err
	}
	client := backend.NewClient(tmpl,
		backend.WithHTTPClient(&http.Client{Timeout: dispatcher.Timeout}),
		backend.WithClientLogger(logger),
	)
	prober := backend.NewProber(cfg.ProbeTimeout, backend.WithProberLogger(logger))

	var sender notify.Sender = notify.LogSender{Logger: logger}
	if cfg.SMSAPIURL != "" {
		sender = notify.NewSMSSender(cfg.SMSAPIURL, cfg.SMSAPIKey, cfg.SMSRegion, float64(cfg.SMSRate),
			notify.WithHTTPClient(&http.Client{Timeout: 10 * time.Second}),
			notify.WithSMSLogger(logger),
		)
	}
	notifier := notify.NewNotifier(store, signer, sender, cfg.ResultURLTTL, logger)

	d := dispatcher.New(store, prober, client, blobs, cfg.Backends,
		dispatcher.WithLogger(logger),
		dispatcher.WithTick(cfg.Tick),
		dispatcher.WithNotifier(notifier),
		dispatcher.WithMiddleware(
			telemetry.Recover(logger),
			telemetry.Tracing(),
			telemetry.Metrics(),
			telemetry.Logging(logger),
		),
	)
	return d, notifier, nil
}
