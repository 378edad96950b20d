package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/mailvault/internal/buildinfo"
	"github.com/dmitrijs2005/mailvault/internal/config"
	"github.com/dmitrijs2005/mailvault/internal/logging"
)

// RootOptions holds global flags plus the resolved configuration and logger
// shared by every command.
type RootOptions struct {
	Verbose    bool
	ConfigFile string
	StateDir   string
	Bucket     string
	Prefix     string
	Endpoint   string

	Config *config.Config
	Log    logging.Logger
}

// NewRootCommand creates the mailvault root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "mailvault",
		Short: "Incremental Gmail backup to S3-compatible object storage",
		Long: `mailvault copies a Gmail mailbox into an S3-compatible bucket
(Cloudflare R2, MinIO, AWS S3), incrementally via the Gmail history log,
and can restore archived messages back into a mailbox.

Configuration is read from a JSON config file, then the environment, then
flags; later sources win.`,
		Version: buildinfo.String(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
			opts.Log = logging.NewSlogLogger(slog.New(handler))

			cfg, err := config.Load()
			if err != nil {
				return WrapExitError(ExitFailure, "load configuration", err)
			}
			applyRootOverrides(cmd, opts, cfg)
			opts.Config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")
	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "path to JSON config file")
	cmd.PersistentFlags().StringVar(&opts.StateDir, "state-dir", "", "local state directory")
	cmd.PersistentFlags().StringVar(&opts.Bucket, "bucket", "", "object storage bucket")
	cmd.PersistentFlags().StringVar(&opts.Prefix, "prefix", "", "object key prefix")
	cmd.PersistentFlags().StringVar(&opts.Endpoint, "endpoint", "", "S3-compatible endpoint URL")

	cmd.AddCommand(NewAuthCommand(opts))
	cmd.AddCommand(NewBackupCommand(opts))
	cmd.AddCommand(NewRestoreCommand(opts))
	cmd.AddCommand(NewRehydrateCommand(opts))
	cmd.AddCommand(NewDaemonCommand(opts))

	return cmd
}

// applyRootOverrides folds flag values into the loaded configuration. Only
// flags the user actually set override the file and environment; the config
// file path itself is consumed inside config.Load.
func applyRootOverrides(cmd *cobra.Command, opts *RootOptions, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("state-dir") {
		cfg.StateDir = opts.StateDir
	}
	if flags.Changed("bucket") {
		cfg.Bucket = opts.Bucket
	}
	if flags.Changed("prefix") {
		cfg.SetPrefix(opts.Prefix)
	}
	if flags.Changed("endpoint") {
		cfg.Endpoint = opts.Endpoint
	}
}
