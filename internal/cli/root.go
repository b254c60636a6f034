// Package cli is the provledger command tree.
package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jmerrifield20/provenance-ledger/internal/config"
	"github.com/jmerrifield20/provenance-ledger/internal/secrets"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is overridden at build time via
// -ldflags "-X github.com/jmerrifield20/provenance-ledger/internal/cli.Version=...".
var Version = "dev"

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags and the state resolved before any
// subcommand runs.
type RootOptions struct {
	ConfigFile string
	Format     string
	Verbose    bool

	Viper  *viper.Viper
	Config config.Config
	Logger *zap.Logger

	// Rand feeds keygen; nil means crypto/rand.
	Rand io.Reader
	// Now stamps appended records; nil means the wall clock.
	Now func() time.Time
}

// NewRootCommand creates the root command for the provledger CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	if opts.Viper == nil {
		opts.Viper = config.New()
	}

	cmd := &cobra.Command{
		Use:   "provledger",
		Short: "Tamper-evident provenance ledger",
		Long: `provledger appends HMAC-chained records to an append-only ledger file
and verifies that no record was changed, removed, reordered or inserted.

The HMAC key comes from --key, PROVLEDGER_KEY, or a kolibri secrets file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.prepare()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.Logger != nil {
				_ = opts.Logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ConfigFile, "config", "", "config file (default ./configs/provledger.yaml or ./provledger.yaml)")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	flags.String("ledger", "", "ledger file path (default genome.dat)")
	flags.String("key", "", "HMAC key, raw or hex:/base64: prefixed (visible in process listings; prefer PROVLEDGER_KEY)")
	flags.String("secrets", "", "JSON secrets file holding hmac_key")
	flags.String("log-level", "", "log level (debug|info|warn|error)")

	bindFlag(opts.Viper, "ledger.path", flags.Lookup("ledger"))
	bindFlag(opts.Viper, "secrets.key", flags.Lookup("key"))
	bindFlag(opts.Viper, "secrets.path", flags.Lookup("secrets"))
	bindFlag(opts.Viper, "log.level", flags.Lookup("log-level"))

	cmd.AddCommand(NewAppendCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewKeygenCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// prepare validates global flags, loads configuration and builds the logger.
func (o *RootOptions) prepare() error {
	if !isValidFormat(o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}

	cfg, found, err := config.Load(o.Viper, o.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "load configuration", err)
	}
	o.Config = cfg

	if o.Logger == nil {
		level := cfg.Log.Level
		if o.Verbose {
			level = "debug"
		}
		logger, err := newLogger(level)
		if err != nil {
			return WrapExitError(ExitCommandError, "build logger", err)
		}
		o.Logger = logger
	}
	if !found {
		o.Logger.Debug("no config file found, using defaults and env vars")
	}
	return nil
}

// resolveKey loads the HMAC key from the configured sources.
func (o *RootOptions) resolveKey() ([]byte, error) {
	got, err := secrets.Resolve(secrets.Source{
		Key:  o.Config.Secrets.Key,
		Path: o.Config.Secrets.Path,
	})
	if errors.Is(err, secrets.ErrNotFound) {
		return nil, fmt.Errorf("%w (use --key, %s or a secrets file)", err, secrets.EnvKey)
	}
	if err != nil {
		return nil, err
	}
	o.Logger.Debug("hmac key loaded", zap.String("origin", got.Origin))
	return got.Key, nil
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func bindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag for %s: %v", key, err))
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
