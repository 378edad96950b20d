package restore

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/mailvault/internal/blob"
	"github.com/dmitrijs2005/mailvault/internal/retryx"
	"github.com/dmitrijs2005/mailvault/internal/state"
)

// Mailbox is the mailbox-side surface the restore engine needs.
type Mailbox interface {
	HeaderExists(ctx context.Context, messageID string) (bool, error)
	InsertRaw(ctx context.Context, raw []byte, labelIDs []string) (string, error)
	AddLabels(ctx context.Context, id string, labelIDs []string) error
	Trash(ctx context.Context, id string) error
}

// Bucket is the object-store surface the restore engine needs.
type Bucket interface {
	Get(ctx context.Context, key string) ([]byte, error)
	GetJSON(ctx context.Context, key string, out any) error
	PutJSON(ctx context.Context, key string, v any) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string, fn func(blob.Object) error) error
}

// Index is the local restore ledger.
type Index interface {
	WasRestored(ctx context.Context, sourceID string) (bool, error)
	MarkRestored(ctx context.Context, rec state.RestoreRecord) error
	RestoredIDs(ctx context.Context) (map[string]struct{}, error)
	ClaimRestore(ctx context.Context, sourceID string) (bool, error)
	ReleaseRestoreClaim(ctx context.Context, sourceID string) error
}

// Candidate is one archived message eligible for restore.
type Candidate struct {
	SourceID string // message id in the mailbox the archive was taken from
	Key      string // payload object key
	Size     int64
}

// Marker statuses.
const (
	StatusInserted = "inserted"
	StatusPresent  = "present"
)

// Marker is the per-message completion record published to the object store.
// Fields are alphabetical so the marshaled form is stable.
type Marker struct {
	MessageIDHeader string `json:"messageIdHeader"`
	RawSHA256       string `json:"rawSha256"`
	RestoredID      string `json:"restoredId"`
	SourceID        string `json:"sourceId"`
	Status          string `json:"status"`
}

// MarkerKey returns the marker object key for a source message id.
func MarkerKey(sourceID string) string {
	return "state/restore/" + sourceID + ".json"
}

// ItemError is one candidate's terminal failure. Error() renders the cause
// as a category string so reports stay free of payload data.
type ItemError struct {
	SourceID string
	Stage    string
	Err      error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s: %s failed: %s", e.SourceID, e.Stage, retryx.Summary(e.Err))
}

func (e ItemError) Unwrap() error { return e.Err }

// Stats aggregates one restore run. Considered counts the planned
// candidates; in a dry run it is the only field set.
type Stats struct {
	Considered int
	Restored   int
	Skipped    int
	Failed     int
	Errors     []ItemError
}

// Processed returns how many candidates reached a final outcome.
func (s Stats) Processed() int { return s.Restored + s.Skipped + s.Failed }

// storedMeta is the slice of the archived metadata document the restore
// path reads back.
type storedMeta struct {
	InternalDate int64    `json:"internalDate"`
	LabelIDs     []string `json:"labelIds"`
}
