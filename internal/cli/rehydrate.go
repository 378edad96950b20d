package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/mailvault/internal/blob"
	"github.com/dmitrijs2005/mailvault/internal/restore"
	"github.com/dmitrijs2005/mailvault/internal/state"
)

// Uploaded rows are flushed in batches so a huge archive does not hold one
// transaction open for its whole listing.
const rehydrateBatchSize = 2000

// RehydrateOptions holds flags for the rehydrate command.
type RehydrateOptions struct {
	*RootOptions
	RestoreMarkers bool
	MaxMessages    int
	ProgressEvery  int
}

// NewRehydrateCommand creates the rehydrate command.
func NewRehydrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RehydrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rehydrate",
		Short: "Rebuild the local index from the bucket contents",
		Long: `Rebuild the local index by listing the archived payload objects,
for when the bucket already holds data but the state directory is new or
was lost. Existing index rows are kept; only missing ones are added.

Rehydration needs only the bucket credentials, no mailbox access. With
--restore-markers the local restore index is rebuilt from the remote
restore markers as well.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRehydrate(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.RestoreMarkers, "restore-markers", false, "also rebuild the restore index from remote markers")
	cmd.Flags().IntVar(&opts.MaxMessages, "max-messages", 0, "cap scanned payload objects, 0 = unlimited")
	cmd.Flags().IntVar(&opts.ProgressEvery, "progress-every", 1000, "print progress every N scanned objects, 0 disables")

	return cmd
}

func runRehydrate(cmd *cobra.Command, opts *RehydrateOptions) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	stack, err := openStack(ctx, opts.RootOptions, true)
	if err != nil {
		return err
	}
	defer stack.close()

	before, err := stack.store.UploadedCount(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "read local index", err)
	}

	meter := newProgressMeter()
	after, err := rehydrateMessages(ctx, stack.bucket, stack.store, opts, meter)
	meter.finish()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return NewExitError(ExitFailure, "interrupted")
		}
		return WrapExitError(ExitFailure, "rehydrate index", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rehydrated message index: %d -> %d records (added %d)\n",
		before, after, after-before)

	if !opts.RestoreMarkers {
		return nil
	}

	beforeRestored, err := stack.store.RestoredCount(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "read restore index", err)
	}
	meter = newProgressMeter()
	afterRestored, err := rehydrateMarkers(ctx, stack.bucket, stack.store, opts, meter)
	meter.finish()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return NewExitError(ExitFailure, "interrupted")
		}
		return WrapExitError(ExitFailure, "rehydrate restore index", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rehydrated restore index: %d -> %d records (added %d)\n",
		beforeRestored, afterRestored, afterRestored-beforeRestored)
	return nil
}

// rehydrateBucket is the slice of the blob client the rehydrate paths read.
type rehydrateBucket interface {
	List(ctx context.Context, prefix string, fn func(blob.Object) error) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// rehydrateMessages adopts every archived payload into the upload index. The
// object's last-modified time stands in for the unknown upload time; size and
// hash stay empty since only membership matters for dedup.
func rehydrateMessages(ctx context.Context, bucket rehydrateBucket, store *state.Store, opts *RehydrateOptions, meter *progressMeter) (int64, error) {
	var (
		batch   []state.MessageRecord
		scanned int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := store.BulkMarkUploaded(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	err := bucket.List(ctx, "messages/", func(obj blob.Object) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		scanned++
		if opts.MaxMessages > 0 && scanned > opts.MaxMessages {
			return errStopListing
		}
		id, ok := restore.PayloadID(obj.Key)
		if !ok {
			return nil
		}
		var uploadedAt int64
		if !obj.LastModified.IsZero() {
			uploadedAt = obj.LastModified.Unix()
		}
		batch = append(batch, state.MessageRecord{ID: id, UploadedAt: uploadedAt})
		if len(batch) >= rehydrateBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
		if opts.ProgressEvery > 0 && scanned%opts.ProgressEvery == 0 {
			meter.report("rehydrate", scanned, "phase=messages")
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopListing) {
		return 0, err
	}
	if err := flush(); err != nil {
		return 0, err
	}
	return store.UploadedCount(ctx)
}

// rehydrateMarkers mirrors remote restore markers into the local restore
// index. Unreadable or malformed markers are skipped: the marker objects in
// the bucket stay authoritative and planning still consults them.
func rehydrateMarkers(ctx context.Context, bucket rehydrateBucket, store *state.Store, opts *RehydrateOptions, meter *progressMeter) (int64, error) {
	scanned := 0
	err := bucket.List(ctx, "state/restore/", func(obj blob.Object) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		scanned++
		if !strings.HasSuffix(obj.Key, ".json") {
			return nil
		}
		data, err := bucket.Get(ctx, obj.Key)
		if err != nil {
			return nil
		}
		var marker restore.Marker
		if err := json.Unmarshal(data, &marker); err != nil || marker.SourceID == "" {
			return nil
		}
		var restoredAt int64
		if !obj.LastModified.IsZero() {
			restoredAt = obj.LastModified.Unix()
		}
		if err := store.MarkRestored(ctx, state.RestoreRecord{
			SourceID:        marker.SourceID,
			RestoredID:      marker.RestoredID,
			RestoredAt:      restoredAt,
			MessageIDHeader: marker.MessageIDHeader,
			RawSHA256:       marker.RawSHA256,
		}); err != nil {
			return err
		}
		if opts.ProgressEvery > 0 && scanned%opts.ProgressEvery == 0 {
			meter.report("rehydrate", scanned, "phase=markers")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return store.RestoredCount(ctx)
}

// errStopListing terminates a bucket listing early without reporting failure.
var errStopListing = errors.New("stop listing")
