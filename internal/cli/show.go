package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/provenance-ledger/internal/ledger"
	"github.com/spf13/cobra"
)

type showOptions struct {
	tail int
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &showOptions{}

	cmd := &cobra.Command{
		Use:   "show",
		Short: "List ledger records",
		Long: `List the ledger's records in order. Lines are parsed strictly and the
listing stops with an error at the first malformed one. Digests are not
checked; use verify for that.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.tail, "tail", 0, "show only the last N records (0 shows all)")
	return cmd
}

func runShow(rootOpts *RootOptions, opts *showOptions, cmd *cobra.Command) error {
	formatter := rootOpts.formatter(cmd)
	path := rootOpts.Config.Ledger.Path

	if opts.tail < 0 {
		return formatter.Fail(ExitCommandError, ErrCodeCommand, "--tail must not be negative", nil)
	}

	records := []ledger.Record{}
	err := ledger.Scan(path, func(r ledger.Record) error {
		records = append(records, r)
		if opts.tail > 0 && len(records) > opts.tail {
			records = records[1:]
		}
		return nil
	})

	var malformed *ledger.MalformedLineError
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		return formatter.Fail(ExitMissing, ErrCodeMissing, fmt.Sprintf("ledger not found: %s", path), nil)
	case errors.As(err, &malformed):
		return formatter.Fail(ExitCorrupted, ErrCodeCorrupted, err.Error(),
			map[string]any{"line": malformed.Line})
	default:
		return formatter.Fail(ExitCommandError, ErrCodeCommand, err.Error(), nil)
	}

	return formatter.Success(records, renderRecords(records))
}

// renderRecords tabulates records; digests are shortened to 16 hex chars.
func renderRecords(records []ledger.Record) string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tTIME\tEVENT\tDIGEST\tPAYLOAD")
	for _, r := range records {
		ts := time.Unix(int64(r.Timestamp), 0).UTC().Format(time.RFC3339)
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.Index, ts, r.EventType, r.Digest.String()[:16], r.Payload)
	}
	w.Flush()
	return strings.TrimSuffix(buf.String(), "\n")
}
