package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/gmailx"
	"github.com/dmitrijs2005/mailvault/internal/restore"
	"github.com/dmitrijs2005/mailvault/internal/retryx"
)

// RestoreOptions holds flags for the restore command.
type RestoreOptions struct {
	*RootOptions
	Apply         bool
	Since         string
	MaxMessages   int
	Workers       int
	AutoPrefix    bool
	ProgressEvery int
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RestoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore archived messages into the mailbox",
		Long: `Plan which archived messages are missing from the mailbox and put
them back. Without --apply this is a dry run: the plan is computed and
reported, and nothing is written anywhere.

A restored message keeps its archived labels where possible and is skipped
when a message with the same Message-Id header already exists in the
mailbox. Completed restores are recorded in the bucket, so several machines
can share one restore without duplicating messages.

Restore requires a token with the insert and modify scopes; run
"mailvault auth --write" first.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Apply, "apply", false, "actually insert messages; without it, dry-run")
	cmd.Flags().StringVar(&opts.Since, "since", "", "only restore messages received after YYYY-MM-DD")
	cmd.Flags().IntVar(&opts.MaxMessages, "max-messages", 0, "cap messages per run, 0 = unlimited")
	cmd.Flags().IntVar(&opts.Workers, "workers", 4, "concurrent restore workers")
	cmd.Flags().BoolVar(&opts.AutoPrefix, "auto-prefix", false, "derive the key prefix from the account email")
	cmd.Flags().IntVar(&opts.ProgressEvery, "progress-every", 200, "print progress every N messages, 0 disables")

	return cmd
}

func runRestore(cmd *cobra.Command, opts *RestoreOptions) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	since, err := parseSince(opts.Since)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid --since", err)
	}

	stack, err := openStack(ctx, opts.RootOptions, true)
	if err != nil {
		return err
	}
	defer stack.close()

	// The write scopes are demanded even for a dry run.
	mbox, err := gmailx.Connect(ctx, stack.cfg.StateDir, gmailx.WriteScopes()...)
	if err != nil {
		if errors.Is(err, common.ErrMissingScope) {
			return WrapExitError(ExitFailure, `restore needs write scopes, run "mailvault auth --write"`, err)
		}
		return WrapExitError(ExitFailure, "connect to mailbox", err)
	}
	bucket, err := resolveBucket(ctx, stack, mbox, opts.AutoPrefix)
	if err != nil {
		return WrapExitError(ExitFailure, "resolve key prefix", err)
	}

	if err := stack.store.ClearRestoreClaims(ctx); err != nil {
		return WrapExitError(ExitFailure, "clear stale claims", err)
	}

	planner := &restore.Planner{
		Bucket:      bucket,
		Index:       stack.store,
		Log:         stack.log,
		Since:       since,
		MaxMessages: opts.MaxMessages,
	}
	candidates, err := planner.Plan(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return NewExitError(ExitFailure, "interrupted")
		}
		return WrapExitError(ExitFailure, "plan restore", err)
	}

	meter := newProgressMeter()
	engine := &restore.Engine{
		Mailbox:       mbox,
		Bucket:        bucket,
		Index:         stack.store,
		Log:           stack.log,
		Workers:       opts.Workers,
		Retry:         retryx.DefaultPolicy(),
		DryRun:        !opts.Apply,
		ProgressEvery: opts.ProgressEvery,
		OnProgress: func(s restore.Stats) {
			meter.report("restore", s.Processed(),
				fmt.Sprintf("restored=%d skipped=%d errors=%d", s.Restored, s.Skipped, s.Failed))
		},
	}
	stats, err := engine.Apply(ctx, candidates)
	meter.finish()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return NewExitError(ExitFailure, "interrupted")
		}
		return WrapExitError(ExitFailure, "restore", err)
	}

	mode := "DRY-RUN"
	if opts.Apply {
		mode = "RESTORE"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s complete: considered=%d restored=%d skipped=%d errors=%d\n",
		mode, stats.Considered, stats.Restored, stats.Skipped, stats.Failed)
	if opts.Apply && stats.Failed > 0 {
		printErrorSamples(cmd.ErrOrStderr(), restoreErrorSamples(stats.Errors))
		return NewExitError(ExitItemErrors, fmt.Sprintf("%d messages failed", stats.Failed))
	}
	return nil
}

func restoreErrorSamples(errs []restore.ItemError) []string {
	samples := make([]string, 0, len(errs))
	for _, e := range errs {
		samples = append(samples, e.Error())
	}
	return samples
}
