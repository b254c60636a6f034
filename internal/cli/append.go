package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/jmerrifield20/provenance-ledger/internal/ledger"
	"github.com/jmerrifield20/provenance-ledger/internal/metrics"
	"github.com/spf13/cobra"
)

type appendOptions struct {
	stdin bool
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &appendOptions{}

	cmd := &cobra.Command{
		Use:   "append <event-type> [payload]",
		Short: "Append records to the ledger",
		Long: `Append one record, or with --stdin one record per input line
("event_type,payload"; the payload may contain further commas).

By default the existing ledger is verified first and a corrupted ledger is
refused. A missing ledger is created.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.stdin {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.RangeArgs(1, 2)(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(rootOpts, opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.stdin, "stdin", false, "read \"event_type,payload\" lines from stdin")
	cmd.Flags().Bool("sync", false, "fsync the ledger after every record")
	cmd.Flags().Bool("verify", true, "verify the ledger before appending")
	bindFlag(rootOpts.Viper, "ledger.sync", cmd.Flags().Lookup("sync"))
	bindFlag(rootOpts.Viper, "ledger.verify_on_open", cmd.Flags().Lookup("verify"))

	return cmd
}

type event struct {
	eventType string
	payload   string
}

func runAppend(rootOpts *RootOptions, opts *appendOptions, args []string, cmd *cobra.Command) error {
	formatter := rootOpts.formatter(cmd)
	cfg := rootOpts.Config.Ledger

	var events []event
	if opts.stdin {
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			line := strings.TrimSuffix(sc.Text(), "\r")
			if line == "" {
				continue
			}
			eventType, payload, _ := strings.Cut(line, ",")
			events = append(events, event{eventType, payload})
		}
		if err := sc.Err(); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeCommand, fmt.Sprintf("read stdin: %v", err), nil)
		}
	} else {
		e := event{eventType: args[0]}
		if len(args) == 2 {
			e.payload = args[1]
		}
		events = append(events, e)
	}

	key, err := rootOpts.resolveKey()
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeCommand, err.Error(), nil)
	}

	ledgerOpts := []ledger.Option{
		ledger.WithLogger(rootOpts.Logger),
		ledger.WithSync(cfg.Sync),
		ledger.WithClock(rootOpts.Now),
		ledger.WithAppendHook(metrics.AppendHook()),
	}
	var w *ledger.Writer
	if cfg.VerifyOnOpen {
		w, _, err = ledger.OpenVerified(cfg.Path, key, ledgerOpts...)
	} else {
		w, err = ledger.Open(cfg.Path, key, ledgerOpts...)
	}
	if err != nil {
		var corrupted *ledger.CorruptedError
		if errors.As(err, &corrupted) {
			return formatter.Fail(ExitCorrupted, ErrCodeCorrupted,
				fmt.Sprintf("refusing to append: %v", corrupted),
				map[string]any{"index": corrupted.Index, "reason": corrupted.Reason})
		}
		return formatter.Fail(ExitCommandError, ErrCodeCommand, err.Error(), nil)
	}
	defer w.Close()

	appended := make([]ledger.Record, 0, len(events))
	var text strings.Builder
	for _, e := range events {
		rec, err := w.Append(e.eventType, e.payload)
		if err != nil {
			metrics.RecordAppendFailure()
			return formatter.Fail(ExitCommandError, ErrCodeCommand, err.Error(),
				map[string]any{"appended": len(appended)})
		}
		appended = append(appended, rec)
		if text.Len() > 0 {
			text.WriteByte('\n')
		}
		fmt.Fprintf(&text, "appended %d %s %s", rec.Index, rec.EventType, rec.Digest)
	}

	if err := w.Close(); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeCommand, fmt.Sprintf("close ledger: %v", err), nil)
	}
	if len(appended) == 0 {
		return formatter.Success(appended, "nothing to append")
	}
	return formatter.Success(appended, text.String())
}
