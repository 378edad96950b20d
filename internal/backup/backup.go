package backup

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/mailvault/internal/gmailx"
	"github.com/dmitrijs2005/mailvault/internal/retryx"
)

// Mailbox is the mailbox-side surface the engine needs.
type Mailbox interface {
	Profile(ctx context.Context) (email string, historyID uint64, err error)
	ListChangesSince(ctx context.Context, startHistoryID uint64, max int) (ids []string, latest uint64, err error)
	ListMessageIDs(ctx context.Context, query string, max int, fn func(id string) error) error
	GetRaw(ctx context.Context, id string) ([]byte, *gmailx.Meta, error)
}

// Bucket is the object-store surface the engine needs.
type Bucket interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	PutJSON(ctx context.Context, key string, v any) error
	GetJSON(ctx context.Context, key string, out any) error
}

// Index is the local transfer index.
type Index interface {
	WasUploaded(ctx context.Context, id string) (bool, error)
	MarkUploaded(ctx context.Context, id string, sizeBytes int64, contentHash string) error
	ClaimUpload(ctx context.Context, id string) (bool, error)
	ReleaseUploadClaim(ctx context.Context, id string) error
}

// Mode says how a candidate set was produced.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFullScan    Mode = "fullscan"
)

// ItemError is one message's terminal failure: the id, the pipeline stage,
// and the underlying cause. Error() renders the cause as a category string
// so reports stay free of payload data.
type ItemError struct {
	ID    string
	Stage string
	Err   error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s: %s failed: %s", e.ID, e.Stage, retryx.Summary(e.Err))
}

func (e ItemError) Unwrap() error { return e.Err }

// Stats aggregates one pipeline run.
type Stats struct {
	Uploaded int
	Skipped  int
	Failed   int
	Errors   []ItemError
}

// Processed returns how many candidates reached a final outcome.
func (s Stats) Processed() int { return s.Uploaded + s.Skipped + s.Failed }

// BatchResult summarizes one full sync pass.
type BatchResult struct {
	RunID    string
	Mode     Mode
	Scanned  int
	Uploaded int
	Skipped  int
	Failed   int
	Advanced bool
	Cursor   string
	Errors   []ItemError
}
