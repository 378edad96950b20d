package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/mailvault/internal/backup"
	"github.com/dmitrijs2005/mailvault/internal/gmailx"
	"github.com/dmitrijs2005/mailvault/internal/retryx"
)

// minDaemonInterval protects the remote APIs from an accidental tight loop.
const minDaemonInterval = 30 * time.Second

// DaemonOptions holds flags for the daemon command.
type DaemonOptions struct {
	*RootOptions
	EverySeconds int
	Since        string
	MaxMessages  int
	Workers      int
	AutoPrefix   bool
}

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DaemonOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run backup passes on an interval",
		Long: `Run backup passes forever, sleeping between them. Each pass is the
same as one "mailvault backup" invocation; the loop carries no state of its
own. A pass that fails is logged and the loop continues, so a transient
outage never stops the daemon.

The interval comes from --every (seconds) or the daemon_interval config
field, and must be at least 30 seconds. The daemon stops cleanly on SIGINT
or SIGTERM.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.EverySeconds, "every", 0, "seconds between passes, 0 uses the configured daemon_interval")
	cmd.Flags().StringVar(&opts.Since, "since", "", "limit fallback scans to messages after YYYY-MM-DD")
	cmd.Flags().IntVar(&opts.MaxMessages, "max-messages", 0, "cap messages per pass, 0 = unlimited")
	cmd.Flags().IntVar(&opts.Workers, "workers", 4, "concurrent transfer workers")
	cmd.Flags().BoolVar(&opts.AutoPrefix, "auto-prefix", false, "derive the key prefix from the account email")

	return cmd
}

func runDaemon(cmd *cobra.Command, opts *DaemonOptions) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	interval, err := resolveDaemonInterval(opts)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid interval", err)
	}
	since, err := parseSince(opts.Since)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid --since", err)
	}
	set := passSettings{
		Since:       since,
		MaxMessages: opts.MaxMessages,
		Workers:     opts.Workers,
		GzipLevel:   backup.DefaultGzipLevel,
	}

	log := opts.Log.With("component", "daemon")
	log.Info(ctx, "daemon started", "interval", interval.String())

	for {
		res, err := daemonPass(ctx, opts, set)
		switch {
		case err == nil:
			if res.Failed > 0 {
				log.Warn(ctx, "pass completed with failed messages", "failed", res.Failed)
			}
		case errors.Is(err, context.Canceled):
			log.Info(ctx, "daemon stopping")
			return nil
		default:
			// Pass-level failures are logged and retried next tick; the
			// checkpoint was not advanced, so nothing is lost.
			log.Error(ctx, "backup pass failed", "category", retryx.Summary(err))
		}

		select {
		case <-ctx.Done():
			log.Info(ctx, "daemon stopping")
			return nil
		case <-time.After(interval):
		}
	}
}

// daemonPass runs one backup pass with a fresh stack, so the run lock is
// held only while a pass is active and a concurrent manual invocation can
// interleave with the sleeps.
func daemonPass(ctx context.Context, opts *DaemonOptions, set passSettings) (*backup.BatchResult, error) {
	stack, err := openStack(ctx, opts.RootOptions, true)
	if err != nil {
		return nil, err
	}
	defer stack.close()

	mbox, err := gmailx.Connect(ctx, stack.cfg.StateDir, gmailx.ReadScopes()...)
	if err != nil {
		return nil, err
	}
	bucket, err := resolveBucket(ctx, stack, mbox, opts.AutoPrefix)
	if err != nil {
		return nil, err
	}
	return executePass(ctx, stack, mbox, bucket, set)
}

func resolveDaemonInterval(opts *DaemonOptions) (time.Duration, error) {
	interval := time.Duration(opts.EverySeconds) * time.Second
	if opts.EverySeconds == 0 {
		interval = opts.Config.DaemonInterval
	}
	if interval < minDaemonInterval {
		return 0, fmt.Errorf("interval %s is below the %s minimum", interval, minDaemonInterval)
	}
	return interval, nil
}
