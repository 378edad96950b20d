package backup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/logging"
	"github.com/dmitrijs2005/mailvault/internal/state"
)

// Detection is the outcome of change detection: candidate ids in stable
// order, the cursor to adopt once they commit, and how they were found.
// Truncated means a capped full scan stopped early; its cursor must not be
// adopted because unseen older messages would be skipped forever.
type Detection struct {
	IDs       []string
	Cursor    string
	Mode      Mode
	Truncated bool
}

// Detector chooses between history-based incremental listing and a query
// fallback scan.
type Detector struct {
	Mailbox Mailbox
	Log     logging.Logger

	// Since restricts fallback scans to messages after the given date.
	Since time.Time
	// MaxMessages caps the candidate count; zero means unlimited.
	MaxMessages int
}

// Detect returns the candidates that appeared past the checkpoint.
// Incremental listing runs only when a cursor exists and the initial full
// scan has completed; otherwise, and when the cursor has gone stale on the
// server, a full scan runs and mints a fresh cursor from the profile.
// A stale cursor never surfaces to the caller.
func (d *Detector) Detect(ctx context.Context, cp state.Checkpoint) (*Detection, error) {
	if cp.HistoryID != "" && cp.FullScanComplete {
		start, err := strconv.ParseUint(cp.HistoryID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid history cursor %q: %w", cp.HistoryID, err)
		}
		ids, latest, err := d.Mailbox.ListChangesSince(ctx, start, d.MaxMessages)
		switch {
		case err == nil:
			return &Detection{
				IDs:    ids,
				Cursor: strconv.FormatUint(latest, 10),
				Mode:   ModeIncremental,
			}, nil
		case errors.Is(err, common.ErrStaleCursor):
			d.Log.Warn(ctx, "history cursor no longer accepted, falling back to full scan",
				"cursor", cp.HistoryID)
		default:
			return nil, err
		}
	}
	return d.fullScan(ctx)
}

func (d *Detector) fullScan(ctx context.Context) (*Detection, error) {
	var query string
	if !d.Since.IsZero() {
		query = "after:" + d.Since.Format("2006/01/02")
	}

	det := &Detection{Mode: ModeFullScan}
	err := d.Mailbox.ListMessageIDs(ctx, query, d.MaxMessages, func(id string) error {
		det.IDs = append(det.IDs, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	det.Truncated = d.MaxMessages > 0 && len(det.IDs) >= d.MaxMessages

	if !det.Truncated {
		_, historyID, err := d.Mailbox.Profile(ctx)
		if err != nil {
			return nil, err
		}
		if historyID > 0 {
			det.Cursor = strconv.FormatUint(historyID, 10)
		}
	}
	return det, nil
}
