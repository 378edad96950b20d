package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/logging"
	"github.com/dmitrijs2005/mailvault/internal/retryx"
	"github.com/dmitrijs2005/mailvault/internal/state"
)

const checkpointKey = "state/state.json"

// Runner executes one complete sync pass: bootstrap, detect, transfer,
// commit, mirror.
type Runner struct {
	Detector   *Detector
	Pipeline   *Pipeline
	Checkpoint *state.CheckpointFile
	Bucket     Bucket
	Log        logging.Logger

	// BestEffort advances the cursor even when items failed terminally. The
	// skipped-forever gap is the operator's explicit choice.
	BestEffort bool
}

// Run performs one pass and reports what happened. The history cursor
// advances only when no candidate failed, unless BestEffort is set; a pass
// that errors out as a whole leaves the checkpoint untouched.
func (r *Runner) Run(ctx context.Context) (*BatchResult, error) {
	runID := uuid.NewString()
	log := r.Log.With("run_id", runID)

	if err := r.bootstrapFromRemote(ctx, log); err != nil {
		return nil, err
	}

	cp, err := r.Checkpoint.Load()
	if err != nil {
		return nil, err
	}

	det, err := r.Detector.Detect(ctx, cp)
	if err != nil {
		return nil, fmt.Errorf("change detection: %w", err)
	}
	log.Info(ctx, "change detection complete",
		"mode", string(det.Mode), "candidates", len(det.IDs), "truncated", det.Truncated)

	stats, err := r.Pipeline.Run(ctx, det.IDs)
	if err != nil {
		return nil, err
	}

	advance := stats.Failed == 0 || r.BestEffort
	if advance && stats.Failed > 0 {
		log.Warn(ctx, "advancing cursor past failed messages", "failed", stats.Failed)
	}

	cp, err = r.Checkpoint.Patch(func(cp *state.Checkpoint) {
		if advance {
			if det.Mode == ModeFullScan {
				cp.FullScanComplete = !det.Truncated
			}
			if det.Cursor != "" && !det.Truncated {
				cp.HistoryID = det.Cursor
			}
		}
		cp.LastRunAt = time.Now().Unix()
	})
	if err != nil {
		return nil, err
	}

	if err := r.Bucket.PutJSON(ctx, checkpointKey, cp); err != nil {
		log.Warn(ctx, "checkpoint mirror upload failed", "category", retryx.Summary(err))
	}

	log.Info(ctx, "pass complete",
		"mode", string(det.Mode),
		"scanned", len(det.IDs),
		"uploaded", stats.Uploaded,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"cursor", cp.HistoryID)

	return &BatchResult{
		RunID:    runID,
		Mode:     det.Mode,
		Scanned:  len(det.IDs),
		Uploaded: stats.Uploaded,
		Skipped:  stats.Skipped,
		Failed:   stats.Failed,
		Advanced: advance && det.Cursor != "" && !det.Truncated,
		Cursor:   cp.HistoryID,
		Errors:   stats.Errors,
	}, nil
}

// bootstrapFromRemote adopts the sync progress of the mirrored checkpoint
// when this machine has none of its own, so a re-provisioned machine resumes
// incrementally instead of re-uploading history. Local progress always wins,
// and a mirror written for a different account is never adopted.
func (r *Runner) bootstrapFromRemote(ctx context.Context, log logging.Logger) error {
	local, err := r.Checkpoint.Load()
	if err != nil {
		return err
	}
	if local.FullScanComplete {
		return nil
	}

	var remote state.Checkpoint
	if err := r.Bucket.GetJSON(ctx, checkpointKey, &remote); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("read checkpoint mirror: %w", err)
	}
	if remote.HistoryID == "" || !remote.FullScanComplete {
		return nil
	}
	if local.EmailAddress != "" && remote.EmailAddress != "" &&
		!strings.EqualFold(local.EmailAddress, remote.EmailAddress) {
		log.Warn(ctx, "checkpoint mirror belongs to another account, ignoring it",
			"local", local.EmailAddress, "mirror", remote.EmailAddress)
		return nil
	}

	log.Info(ctx, "adopting checkpoint mirror from object store", "cursor", remote.HistoryID)
	_, err = r.Checkpoint.Patch(func(cp *state.Checkpoint) {
		cp.HistoryID = remote.HistoryID
		cp.FullScanComplete = true
		cp.LastRunAt = remote.LastRunAt
		if cp.EmailAddress == "" {
			cp.EmailAddress = remote.EmailAddress
		}
	})
	return err
}
