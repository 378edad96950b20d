package restore

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/logging"
	"github.com/dmitrijs2005/mailvault/internal/retryx"
	"github.com/dmitrijs2005/mailvault/internal/state"
)

// Engine executes a restore plan with bounded concurrency. Candidates are
// deduplicated three ways before anything is inserted: the local index, the
// remote marker, and the target mailbox itself via the Message-Id header.
type Engine struct {
	Mailbox Mailbox
	Bucket  Bucket
	Index   Index
	Log     logging.Logger

	Workers int
	Retry   retryx.Policy

	// DryRun reports the plan size without performing any operation.
	DryRun bool

	// OnProgress, when set, is called after every ProgressEvery processed
	// candidates. Purely observational.
	ProgressEvery int
	OnProgress    func(Stats)
}

type itemOutcome struct {
	sourceID string
	stage    string
	restored bool
	err      error
}

// Apply processes the planned candidates. In dry-run mode it returns
// immediately with only Considered set and touches neither the mailbox nor
// the object store.
func (e *Engine) Apply(ctx context.Context, candidates []Candidate) (Stats, error) {
	stats := Stats{Considered: len(candidates)}
	if e.DryRun {
		return stats, nil
	}

	workers := e.Workers
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan Candidate)
	results := make(chan itemOutcome)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cand := range jobs {
				results <- e.restoreOne(ctx, cand)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, cand := range candidates {
			select {
			case <-ctx.Done():
				return
			case jobs <- cand:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for out := range results {
		switch {
		case out.err != nil:
			stats.Failed++
			stats.Errors = append(stats.Errors, ItemError{SourceID: out.sourceID, Stage: out.stage, Err: out.err})
			e.Log.Warn(ctx, "message restore failed",
				"id", out.sourceID, "stage", out.stage, "category", retryx.Summary(out.err))
		case out.restored:
			stats.Restored++
		default:
			stats.Skipped++
		}
		if e.OnProgress != nil && e.ProgressEvery > 0 && stats.Processed()%e.ProgressEvery == 0 {
			e.OnProgress(stats)
		}
	}

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

func (e *Engine) restoreOne(ctx context.Context, cand Candidate) itemOutcome {
	id := cand.SourceID

	done, err := e.Index.WasRestored(ctx, id)
	if err != nil {
		return itemOutcome{sourceID: id, stage: "index", err: err}
	}
	if done {
		return itemOutcome{sourceID: id}
	}

	claimed, err := e.Index.ClaimRestore(ctx, id)
	if err != nil {
		return itemOutcome{sourceID: id, stage: "claim", err: err}
	}
	if !claimed {
		return itemOutcome{sourceID: id}
	}
	defer func() { _ = e.Index.ReleaseRestoreClaim(ctx, id) }()

	// Another machine may have finished this message after the plan was
	// computed. Its marker is adopted into the local index.
	var marker Marker
	err = e.withRetry(ctx, id, "marker", func() error {
		return e.Bucket.GetJSON(ctx, MarkerKey(id), &marker)
	})
	switch {
	case err == nil:
		if rerr := e.recordLocal(ctx, marker); rerr != nil {
			return itemOutcome{sourceID: id, stage: "record", err: rerr}
		}
		return itemOutcome{sourceID: id}
	case !errors.Is(err, common.ErrNotFound):
		return itemOutcome{sourceID: id, stage: "marker", err: err}
	}

	var compressed []byte
	err = e.withRetry(ctx, id, "download", func() error {
		var gerr error
		compressed, gerr = e.Bucket.Get(ctx, cand.Key)
		return gerr
	})
	if err != nil {
		return itemOutcome{sourceID: id, stage: "download", err: err}
	}

	raw, err := gunzip(compressed)
	if err != nil {
		return itemOutcome{sourceID: id, stage: "decompress", err: err}
	}
	sum := sha256.Sum256(raw)
	rawHash := hex.EncodeToString(sum[:])
	msgID := ExtractMessageID(raw)

	if msgID != "" {
		present, herr := e.headerPresent(ctx, id, msgID)
		if herr != nil {
			return itemOutcome{sourceID: id, stage: "dedup", err: herr}
		}
		if present {
			marker := Marker{
				MessageIDHeader: msgID,
				RawSHA256:       rawHash,
				SourceID:        id,
				Status:          StatusPresent,
			}
			if rerr := e.finish(ctx, marker); rerr != nil {
				return itemOutcome{sourceID: id, stage: "record", err: rerr}
			}
			return itemOutcome{sourceID: id}
		}
	}

	labels, err := e.archivedLabels(ctx, id)
	if err != nil {
		return itemOutcome{sourceID: id, stage: "meta", err: err}
	}

	insertedID, err := e.insert(ctx, id, raw, labels)
	if err != nil {
		return itemOutcome{sourceID: id, stage: "insert", err: err}
	}

	marker = Marker{
		MessageIDHeader: msgID,
		RawSHA256:       rawHash,
		RestoredID:      insertedID,
		SourceID:        id,
		Status:          StatusInserted,
	}
	if rerr := e.finish(ctx, marker); rerr != nil {
		return itemOutcome{sourceID: id, stage: "record", err: rerr}
	}
	return itemOutcome{sourceID: id, restored: true}
}

// headerPresent checks the target mailbox for a message with the same
// Message-Id header. The check fails open: when the mailbox cannot answer,
// restore proceeds and at worst inserts a duplicate, which is recoverable,
// while skipping on a false positive would lose the message.
func (e *Engine) headerPresent(ctx context.Context, id, msgID string) (bool, error) {
	var present bool
	err := e.withRetry(ctx, id, "dedup", func() error {
		var herr error
		present, herr = e.Mailbox.HeaderExists(ctx, msgID)
		return herr
	})
	if err != nil {
		if errors.Is(err, common.ErrPermission) {
			return false, err
		}
		e.Log.Warn(ctx, "duplicate check failed, inserting anyway",
			"id", id, "category", retryx.Summary(err))
		return false, nil
	}
	return present, nil
}

// archivedLabels reads the label set from the archived metadata document.
// An archive without one yields no labels.
func (e *Engine) archivedLabels(ctx context.Context, id string) ([]string, error) {
	var meta storedMeta
	err := e.withRetry(ctx, id, "meta", func() error {
		return e.Bucket.GetJSON(ctx, payloadPrefix+id+".json", &meta)
	})
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return meta.LabelIDs, nil
}

// insert puts the raw message into the mailbox with its archived labels.
// When the server rejects the labeled insert, the message is inserted bare
// and the labels are reapplied afterwards, so an unknown label cannot block
// the restore of its message.
func (e *Engine) insert(ctx context.Context, id string, raw []byte, labels []string) (string, error) {
	var insertedID string
	err := e.withRetry(ctx, id, "insert", func() error {
		var ierr error
		insertedID, ierr = e.Mailbox.InsertRaw(ctx, raw, labels)
		return ierr
	})
	if err != nil && len(labels) > 0 && labelInsertRejected(err) {
		e.Log.Warn(ctx, "labeled insert rejected, retrying without labels",
			"id", id, "labels", len(labels))
		err = e.withRetry(ctx, id, "insert", func() error {
			var ierr error
			insertedID, ierr = e.Mailbox.InsertRaw(ctx, raw, nil)
			return ierr
		})
		if err == nil {
			e.reapplyLabels(ctx, insertedID, labels)
		}
	}
	if err != nil {
		return "", err
	}
	return insertedID, nil
}

// reapplyLabels restores the archived label set on an already inserted
// message, best effort. TRASH cannot be applied through a modify call and
// maps to a trash operation instead.
func (e *Engine) reapplyLabels(ctx context.Context, id string, labels []string) {
	rest := make([]string, 0, len(labels))
	for _, label := range labels {
		if label == "TRASH" {
			if err := e.Mailbox.Trash(ctx, id); err != nil {
				e.Log.Warn(ctx, "could not move restored message to trash",
					"id", id, "category", retryx.Summary(err))
			}
			continue
		}
		rest = append(rest, label)
	}
	if len(rest) == 0 {
		return
	}
	if err := e.Mailbox.AddLabels(ctx, id, rest); err == nil {
		return
	}
	// One unknown label must not block the rest of the set.
	for _, label := range rest {
		if err := e.Mailbox.AddLabels(ctx, id, []string{label}); err != nil {
			e.Log.Warn(ctx, "label could not be reapplied",
				"id", id, "label", label, "category", retryx.Summary(err))
		}
	}
}

// finish publishes the marker and commits the local record. A failed marker
// upload is logged and tolerated: the local record plus the Message-Id
// dedup on other machines keep the restore idempotent without it.
func (e *Engine) finish(ctx context.Context, marker Marker) error {
	err := e.withRetry(ctx, marker.SourceID, "marker", func() error {
		return e.Bucket.PutJSON(ctx, MarkerKey(marker.SourceID), marker)
	})
	if err != nil {
		e.Log.Warn(ctx, "restore marker upload failed",
			"id", marker.SourceID, "category", retryx.Summary(err))
	}
	return e.recordLocal(ctx, marker)
}

func (e *Engine) recordLocal(ctx context.Context, marker Marker) error {
	return e.Index.MarkRestored(ctx, state.RestoreRecord{
		SourceID:        marker.SourceID,
		RestoredID:      marker.RestoredID,
		RestoredAt:      time.Now().Unix(),
		MessageIDHeader: marker.MessageIDHeader,
		RawSHA256:       marker.RawSHA256,
	})
}

// withRetry runs fn until it succeeds, the policy gives up, or ctx ends.
func (e *Engine) withRetry(ctx context.Context, id, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		decision := e.Retry.Next(attempt, err)
		if decision.GiveUp {
			return err
		}
		e.Log.Warn(ctx, "retrying after transient error",
			"id", id, "op", op, "attempt", attempt,
			"wait", decision.Wait.String(), "category", retryx.Summary(err))
		if werr := retryx.Wait(ctx, decision.Wait); werr != nil {
			return err
		}
	}
}

// labelInsertRejected reports whether the server refused an insert because
// of its label set rather than the message itself.
func labelInsertRejected(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusBadRequest || gerr.Code == http.StatusForbidden
	}
	return false
}

// ExtractMessageID returns the Message-Id header value without its angle
// brackets, or "" when the message has none or cannot be parsed.
func ExtractMessageID(raw []byte) string {
	m, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	v := strings.TrimSpace(m.Header.Get("Message-Id"))
	v = strings.TrimPrefix(v, "<")
	v = strings.TrimSuffix(v, ">")
	return strings.TrimSpace(v)
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}
