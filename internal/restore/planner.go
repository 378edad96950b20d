package restore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dmitrijs2005/mailvault/internal/blob"
	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/logging"
)

const (
	payloadPrefix = "messages/"
	payloadSuffix = ".eml.gz"
)

// Planner computes the set of archived messages still missing from the
// mailbox. Planning reads from the object store and the local index but
// never writes anywhere.
type Planner struct {
	Bucket Bucket
	Index  Index
	Log    logging.Logger

	// Since keeps only messages received on or after the given instant.
	Since time.Time
	// MaxMessages caps the plan; zero means unlimited. The cap is applied
	// after all filters so it bounds actual work, not listing size.
	MaxMessages int
}

// Plan lists the archive and returns the candidates to restore, ordered by
// source id.
func (p *Planner) Plan(ctx context.Context) ([]Candidate, error) {
	restored, err := p.Index.RestoredIDs(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	err = p.Bucket.List(ctx, payloadPrefix, func(obj blob.Object) error {
		id, ok := PayloadID(obj.Key)
		if !ok {
			return nil
		}
		if _, done := restored[id]; done {
			return nil
		}
		candidates = append(candidates, Candidate{SourceID: id, Key: obj.Key, Size: obj.Size})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].SourceID < candidates[j].SourceID })

	candidates, err = p.dropMarked(ctx, candidates)
	if err != nil {
		return nil, err
	}
	if !p.Since.IsZero() {
		candidates, err = p.dropOlder(ctx, candidates)
		if err != nil {
			return nil, err
		}
	}

	if p.MaxMessages > 0 && len(candidates) > p.MaxMessages {
		candidates = candidates[:p.MaxMessages]
	}
	return candidates, nil
}

// dropMarked removes candidates that already have a restore marker in the
// object store, so machines without a local index still skip finished work.
func (p *Planner) dropMarked(ctx context.Context, candidates []Candidate) ([]Candidate, error) {
	kept := candidates[:0]
	for _, cand := range candidates {
		done, err := p.Bucket.Exists(ctx, MarkerKey(cand.SourceID))
		if err != nil {
			return nil, fmt.Errorf("check marker: %w", err)
		}
		if !done {
			kept = append(kept, cand)
		}
	}
	return kept, nil
}

// dropOlder removes candidates whose archived receive time predates Since.
// A candidate without a metadata document is kept: its age is unknown and
// restoring too much beats silently restoring too little.
func (p *Planner) dropOlder(ctx context.Context, candidates []Candidate) ([]Candidate, error) {
	cutoff := p.Since.UnixMilli()
	kept := candidates[:0]
	for _, cand := range candidates {
		var meta storedMeta
		err := p.Bucket.GetJSON(ctx, payloadPrefix+cand.SourceID+".json", &meta)
		switch {
		case errors.Is(err, common.ErrNotFound):
			p.Log.Warn(ctx, "archived message has no metadata document", "id", cand.SourceID)
		case err != nil:
			return nil, fmt.Errorf("read metadata: %w", err)
		case meta.InternalDate < cutoff:
			continue
		}
		kept = append(kept, cand)
	}
	return kept, nil
}

// PayloadID extracts the source message id from a payload object key.
// Rehydration uses it too when rebuilding a lost index from a listing.
func PayloadID(key string) (string, bool) {
	if !strings.HasPrefix(key, payloadPrefix) || !strings.HasSuffix(key, payloadSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, payloadPrefix), payloadSuffix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
