package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/mailvault/internal/backup"
	"github.com/dmitrijs2005/mailvault/internal/blob"
	"github.com/dmitrijs2005/mailvault/internal/gmailx"
	"github.com/dmitrijs2005/mailvault/internal/retryx"
)

// BackupOptions holds flags for the backup command.
type BackupOptions struct {
	*RootOptions
	Since         string
	MaxMessages   int
	Workers       int
	GzipLevel     int
	AutoPrefix    bool
	ProgressEvery int
	BestEffort    bool
}

// NewBackupCommand creates the backup command.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Run one incremental backup pass",
		Long: `Run one sync pass: detect new messages since the stored history
cursor (or enumerate the mailbox when no usable cursor exists), upload each
message as a gzip-compressed raw payload plus a metadata document, then
advance the cursor.

The pass is resumable: messages already recorded in the local index are
skipped, and a failed message blocks only the cursor, not the rest of the
pass.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Since, "since", "", "limit fallback scans to messages after YYYY-MM-DD")
	cmd.Flags().IntVar(&opts.MaxMessages, "max-messages", 0, "cap messages per pass, 0 = unlimited")
	cmd.Flags().IntVar(&opts.Workers, "workers", 4, "concurrent transfer workers")
	cmd.Flags().IntVar(&opts.GzipLevel, "gzip-level", backup.DefaultGzipLevel, "gzip compression level, 1 = fastest, 9 = smallest")
	cmd.Flags().BoolVar(&opts.AutoPrefix, "auto-prefix", false, "derive the key prefix from the account email")
	cmd.Flags().IntVar(&opts.ProgressEvery, "progress-every", 200, "print progress every N messages, 0 disables")
	cmd.Flags().BoolVar(&opts.BestEffort, "best-effort", false, "advance the cursor even when messages failed")

	return cmd
}

// passSettings carries the per-pass knobs shared by backup and daemon.
type passSettings struct {
	Since         time.Time
	MaxMessages   int
	Workers       int
	GzipLevel     int
	ProgressEvery int
	BestEffort    bool
}

func runBackup(cmd *cobra.Command, opts *BackupOptions) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	since, err := parseSince(opts.Since)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid --since", err)
	}
	if opts.GzipLevel < 1 || opts.GzipLevel > 9 {
		return NewExitError(ExitFailure, "gzip level must be between 1 and 9")
	}

	stack, err := openStack(ctx, opts.RootOptions, true)
	if err != nil {
		return err
	}
	defer stack.close()

	mbox, err := gmailx.Connect(ctx, stack.cfg.StateDir, gmailx.ReadScopes()...)
	if err != nil {
		return WrapExitError(ExitFailure, "connect to mailbox", err)
	}
	bucket, err := resolveBucket(ctx, stack, mbox, opts.AutoPrefix)
	if err != nil {
		return WrapExitError(ExitFailure, "resolve key prefix", err)
	}

	res, err := executePass(ctx, stack, mbox, bucket, passSettings{
		Since:         since,
		MaxMessages:   opts.MaxMessages,
		Workers:       opts.Workers,
		GzipLevel:     opts.GzipLevel,
		ProgressEvery: opts.ProgressEvery,
		BestEffort:    opts.BestEffort,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return NewExitError(ExitFailure, "interrupted")
		}
		return WrapExitError(ExitFailure, "backup pass", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Backup complete: uploaded=%d skipped=%d errors=%d\n",
		res.Uploaded, res.Skipped, res.Failed)
	if res.Failed > 0 {
		printErrorSamples(cmd.ErrOrStderr(), itemErrorSamples(res.Errors))
		return NewExitError(ExitItemErrors, fmt.Sprintf("%d messages failed", res.Failed))
	}
	return nil
}

// executePass wires one backup pass on top of an open stack. Stale claims
// from an interrupted run are cleared first so its messages are retried.
func executePass(ctx context.Context, stack *appStack, mbox *gmailx.Client, bucket *blob.Client, set passSettings) (*backup.BatchResult, error) {
	if err := stack.store.ClearUploadClaims(ctx); err != nil {
		return nil, err
	}

	meter := newProgressMeter()
	defer meter.finish()

	pipeline := &backup.Pipeline{
		Mailbox:       mbox,
		Bucket:        bucket,
		Index:         stack.store,
		Log:           stack.log,
		Workers:       set.Workers,
		GzipLevel:     set.GzipLevel,
		Retry:         retryx.DefaultPolicy(),
		ProgressEvery: set.ProgressEvery,
		OnProgress: func(s backup.Stats) {
			meter.report("backup", s.Processed(),
				fmt.Sprintf("uploaded=%d skipped=%d errors=%d", s.Uploaded, s.Skipped, s.Failed))
		},
	}
	runner := &backup.Runner{
		Detector: &backup.Detector{
			Mailbox:     mbox,
			Log:         stack.log,
			Since:       set.Since,
			MaxMessages: set.MaxMessages,
		},
		Pipeline:   pipeline,
		Checkpoint: stack.cp,
		Bucket:     bucket,
		Log:        stack.log,
		BestEffort: set.BestEffort,
	}
	return runner.Run(ctx)
}

func itemErrorSamples(errs []backup.ItemError) []string {
	samples := make([]string, 0, len(errs))
	for _, e := range errs {
		samples = append(samples, e.Error())
	}
	return samples
}
