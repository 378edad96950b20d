package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/mail"
	"sync"

	"github.com/dmitrijs2005/mailvault/internal/gmailx"
	"github.com/dmitrijs2005/mailvault/internal/logging"
	"github.com/dmitrijs2005/mailvault/internal/retryx"
)

// DefaultGzipLevel balances payload size against CPU for typical mail.
const DefaultGzipLevel = 6

// Pipeline transfers candidate messages with bounded concurrency and records
// committed transfers in the local index. Uploads are idempotent per message
// id: payload and metadata keys are derived from the id alone, so a retried
// or re-run transfer overwrites the same object pair.
type Pipeline struct {
	Mailbox Mailbox
	Bucket  Bucket
	Index   Index
	Log     logging.Logger

	Workers   int
	GzipLevel int
	Retry     retryx.Policy

	// OnProgress, when set, is called after every ProgressEvery processed
	// candidates. Purely observational.
	ProgressEvery int
	OnProgress    func(Stats)
}

type itemOutcome struct {
	id       string
	stage    string
	uploaded bool
	err      error
}

// Run processes ids and reports aggregate counts. Every candidate reaches
// exactly one outcome: uploaded, skipped, or failed. Cancellation is observed
// between items; an item already in flight finishes its upload-then-record
// sequence so no committed record lacks its objects.
func (p *Pipeline) Run(ctx context.Context, ids []string) (Stats, error) {
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan string)
	results := make(chan itemOutcome)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				results <- p.processOne(ctx, id)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, id := range ids {
			select {
			case <-ctx.Done():
				return
			case jobs <- id:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var stats Stats
	for out := range results {
		switch {
		case out.err != nil:
			stats.Failed++
			stats.Errors = append(stats.Errors, ItemError{ID: out.id, Stage: out.stage, Err: out.err})
			p.Log.Warn(ctx, "message transfer failed",
				"id", out.id, "stage", out.stage, "category", retryx.Summary(out.err))
		case out.uploaded:
			stats.Uploaded++
		default:
			stats.Skipped++
		}
		if p.OnProgress != nil && p.ProgressEvery > 0 && stats.Processed()%p.ProgressEvery == 0 {
			p.OnProgress(stats)
		}
	}

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

func (p *Pipeline) processOne(ctx context.Context, id string) itemOutcome {
	known, err := p.Index.WasUploaded(ctx, id)
	if err != nil {
		return itemOutcome{id: id, stage: "index", err: err}
	}
	if known {
		return itemOutcome{id: id}
	}

	claimed, err := p.Index.ClaimUpload(ctx, id)
	if err != nil {
		return itemOutcome{id: id, stage: "claim", err: err}
	}
	if !claimed {
		return itemOutcome{id: id}
	}
	defer func() { _ = p.Index.ReleaseUploadClaim(ctx, id) }()

	var (
		raw  []byte
		meta *gmailx.Meta
	)
	err = p.withRetry(ctx, id, "fetch", func() error {
		var ferr error
		raw, meta, ferr = p.Mailbox.GetRaw(ctx, id)
		return ferr
	})
	if err != nil {
		return itemOutcome{id: id, stage: "fetch", err: err}
	}

	level := p.GzipLevel
	if level == 0 {
		level = DefaultGzipLevel
	}
	compressed, err := compress(raw, level)
	if err != nil {
		return itemOutcome{id: id, stage: "compress", err: err}
	}
	doc := buildMetaDoc(meta, raw)

	err = p.withRetry(ctx, id, "upload", func() error {
		return p.Bucket.Put(ctx, "messages/"+id+".eml.gz", compressed, "application/gzip")
	})
	if err != nil {
		return itemOutcome{id: id, stage: "upload", err: err}
	}
	err = p.withRetry(ctx, id, "upload", func() error {
		return p.Bucket.PutJSON(ctx, "messages/"+id+".json", doc)
	})
	if err != nil {
		return itemOutcome{id: id, stage: "upload", err: err}
	}

	sum := sha256.Sum256(raw)
	if err := p.Index.MarkUploaded(ctx, id, int64(len(raw)), hex.EncodeToString(sum[:])); err != nil {
		return itemOutcome{id: id, stage: "record", err: err}
	}
	return itemOutcome{id: id, uploaded: true}
}

// withRetry runs fn until it succeeds, the policy gives up, or ctx ends.
func (p *Pipeline) withRetry(ctx context.Context, id, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		decision := p.Retry.Next(attempt, err)
		if decision.GiveUp {
			return err
		}
		p.Log.Warn(ctx, "retrying after transient error",
			"id", id, "op", op, "attempt", attempt,
			"wait", decision.Wait.String(), "category", retryx.Summary(err))
		if werr := retryx.Wait(ctx, decision.Wait); werr != nil {
			return err
		}
	}
}

// compress produces a deterministic gzip stream: fixed level, no mod time,
// no original file name in the header.
func compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// metaDoc is the metadata document stored next to each payload. It carries
// envelope fields only, never any part of the message body. Fields are
// alphabetical so the marshaled form is stable.
type metaDoc struct {
	From         string   `json:"from"`
	HistoryID    uint64   `json:"historyId"`
	ID           string   `json:"id"`
	InternalDate int64    `json:"internalDate"`
	LabelIDs     []string `json:"labelIds"`
	SizeBytes    int64    `json:"sizeBytes"`
	SizeEstimate int64    `json:"sizeEstimate"`
	Subject      string   `json:"subject"`
	ThreadID     string   `json:"threadId"`
}

func buildMetaDoc(meta *gmailx.Meta, raw []byte) metaDoc {
	doc := metaDoc{
		HistoryID:    meta.HistoryID,
		ID:           meta.ID,
		InternalDate: meta.InternalDate,
		LabelIDs:     meta.LabelIDs,
		SizeBytes:    int64(len(raw)),
		SizeEstimate: meta.SizeEstimate,
		ThreadID:     meta.ThreadID,
	}
	if m, err := mail.ReadMessage(bytes.NewReader(raw)); err == nil {
		doc.Subject = m.Header.Get("Subject")
		doc.From = m.Header.Get("From")
	}
	return doc
}
