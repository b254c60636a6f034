package cli

import (
	"fmt"
	"time"

	"github.com/jmerrifield20/provenance-ledger/internal/ledger"
	"github.com/jmerrifield20/provenance-ledger/internal/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// VerifyReport is the JSON shape of a verification.
type VerifyReport struct {
	Path    string        `json:"path"`
	Status  string        `json:"status"`
	Records uint64        `json:"records"`
	Root    ledger.Digest `json:"root"`
	Index   *uint64       `json:"index,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay the ledger and check every record",
		Long: `Replay the ledger from the first record and check each record's
structure, index, chain link and HMAC digest.

Exit status: 0 valid, 1 corrupted, 2 command error, 3 ledger missing.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, cmd)
		},
	}
	return cmd
}

func runVerify(rootOpts *RootOptions, cmd *cobra.Command) error {
	formatter := rootOpts.formatter(cmd)
	path := rootOpts.Config.Ledger.Path

	key, err := rootOpts.resolveKey()
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeCommand, err.Error(), nil)
	}

	start := time.Now()
	res, err := ledger.Verify(path, key)
	metrics.RecordVerification(res, err, time.Since(start))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeCommand, err.Error(), nil)
	}

	report := VerifyReport{
		Path:    path,
		Status:  res.Status.String(),
		Records: res.Records,
		Root:    res.Root,
	}

	switch res.Status {
	case ledger.StatusOK:
		rootOpts.Logger.Info("ledger verified",
			zap.String("path", path),
			zap.Uint64("records", res.Records),
			zap.String("root", res.Root.String()),
		)
		return formatter.Success(report, fmt.Sprintf("ledger OK: %d records, root %s", res.Records, res.Root))
	case ledger.StatusMissingFile:
		return formatter.Fail(ExitMissing, ErrCodeMissing, fmt.Sprintf("ledger not found: %s", path), report)
	default:
		index := res.Index
		report.Index = &index
		report.Reason = res.Reason
		rootOpts.Logger.Warn("ledger integrity check failed",
			zap.String("path", path),
			zap.Uint64("index", res.Index),
			zap.String("reason", res.Reason),
		)
		return formatter.Fail(ExitCorrupted, ErrCodeCorrupted, res.String(), report)
	}
}
