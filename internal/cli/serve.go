package cli

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/provenance-ledger/internal/health"
	"github.com/jmerrifield20/provenance-ledger/internal/ledger"
	"github.com/jmerrifield20/provenance-ledger/internal/metrics"
	"github.com/jmerrifield20/provenance-ledger/internal/server"
	"github.com/jmerrifield20/provenance-ledger/internal/webhooks"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only audit API",
		Long: `Serve /healthz, /metrics, /api/v1/ledger and /api/v1/ledger/verify
until interrupted. The server never returns record contents and does not
accept appends.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}

	cmd.Flags().Int("port", 0, "listen port (default 9300)")
	bindFlag(rootOpts.Viper, "server.port", cmd.Flags().Lookup("port"))
	return cmd
}

func runServe(rootOpts *RootOptions, cmd *cobra.Command) error {
	cfg := rootOpts.Config
	logger := rootOpts.Logger

	key, err := rootOpts.resolveKey()
	if err != nil {
		return WrapExitError(ExitCommandError, "load hmac key", err)
	}

	res, err := ledger.Verify(cfg.Ledger.Path, key)
	switch {
	case err != nil:
		logger.Warn("ledger startup check failed", zap.Error(err))
	case res.OK():
		logger.Info("ledger verified",
			zap.String("path", cfg.Ledger.Path),
			zap.Uint64("records", res.Records),
			zap.String("root", res.Root.String()),
		)
	default:
		logger.Warn("ledger integrity check FAILED",
			zap.String("path", cfg.Ledger.Path),
			zap.String("result", res.String()),
		)
	}

	var checker *health.Checker
	if cfg.Server.VerifyInterval > 0 {
		var notifier *webhooks.Notifier
		if cfg.Alerts.WebhookURL != "" {
			notifier = webhooks.New(webhooks.Config{
				URL:    cfg.Alerts.WebhookURL,
				Secret: cfg.Alerts.WebhookSecret,
			}, logger)
			notifier.SetMetricsRecorder(metrics.RecordWebhookDelivery)
		}

		checker = health.New(cfg.Ledger.Path, key, health.Config{CheckInterval: cfg.Server.VerifyInterval}, logger)
		checker.SetMetricsRecord(metrics.RecordVerification)
		checker.SetTransitionHook(transitionHook(cmd.Context(), notifier, cfg.Ledger.Path))
		metrics.SetLedgerHealthy(res.OK() && err == nil)
		go checker.Start(cmd.Context())
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := server.NewLedgerHandler(cfg.Ledger.Path, key, logger)
	router := server.NewRouter(h, server.Config{
		CORSOrigins: cfg.Server.CORSOrigins,
		VerifyRPS:   cfg.Server.VerifyRPS,
		Health:      checker,
	}, logger)

	if err := server.Run(cmd.Context(), router, cfg.Server.Port, logger); err != nil {
		return WrapExitError(ExitCommandError, "audit server", err)
	}
	return nil
}

// transitionHook updates the health gauge and, when n is set, posts an alert
// for every healthy/unhealthy transition.
func transitionHook(ctx context.Context, n *webhooks.Notifier, path string) health.TransitionFunc {
	return func(_, cur health.Report) {
		metrics.SetLedgerHealthy(cur.Healthy())
		if n == nil {
			return
		}
		event, payload := ledgerAlert(path, cur)
		n.Dispatch(ctx, event, payload)
	}
}

// ledgerAlert maps a health report to a webhook event type and payload.
func ledgerAlert(path string, r health.Report) (string, map[string]string) {
	payload := map[string]string{
		"path":       path,
		"checked_at": r.CheckedAt.Format(time.RFC3339),
	}
	switch {
	case r.Err != nil:
		payload["error"] = r.Err.Error()
		return webhooks.EventLedgerError, payload
	case r.Result.Status == ledger.StatusMissingFile:
		return webhooks.EventLedgerMissing, payload
	case r.Result.Status == ledger.StatusCorrupted:
		payload["index"] = strconv.FormatUint(r.Result.Index, 10)
		payload["reason"] = r.Result.Reason
		return webhooks.EventLedgerCorrupted, payload
	}
	payload["records"] = strconv.FormatUint(r.Result.Records, 10)
	payload["root"] = r.Result.Root.String()
	return webhooks.EventLedgerRecovered, payload
}
