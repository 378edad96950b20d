package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/gmailx"
	"github.com/dmitrijs2005/mailvault/internal/logging"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// transientErr classifies as retryable (network timeout).
type transientErr struct{}

func (transientErr) Error() string   { return "simulated timeout" }
func (transientErr) Timeout() bool   { return true }
func (transientErr) Temporary() bool { return true }

type fakeMailbox struct {
	mu      sync.Mutex
	raws    map[string][]byte
	metas   map[string]*gmailx.Meta
	fetches map[string]int

	profileEmail   string
	profileHistory uint64
	profileErr     error

	historyIDs    []string
	historyLatest uint64
	historyErr    error
	historyStart  uint64

	scanIDs   []string
	scanErr   error
	lastQuery string
}

func (m *fakeMailbox) Profile(ctx context.Context) (string, uint64, error) {
	if m.profileErr != nil {
		return "", 0, m.profileErr
	}
	return m.profileEmail, m.profileHistory, nil
}

func (m *fakeMailbox) ListChangesSince(ctx context.Context, start uint64, max int) ([]string, uint64, error) {
	m.mu.Lock()
	m.historyStart = start
	m.mu.Unlock()
	if m.historyErr != nil {
		return nil, 0, m.historyErr
	}
	ids := m.historyIDs
	if max > 0 && len(ids) > max {
		ids = ids[:max]
	}
	return ids, m.historyLatest, nil
}

func (m *fakeMailbox) ListMessageIDs(ctx context.Context, query string, max int, fn func(string) error) error {
	m.mu.Lock()
	m.lastQuery = query
	m.mu.Unlock()
	if m.scanErr != nil {
		return m.scanErr
	}
	for i, id := range m.scanIDs {
		if max > 0 && i >= max {
			return nil
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func (m *fakeMailbox) GetRaw(ctx context.Context, id string) ([]byte, *gmailx.Meta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetches == nil {
		m.fetches = make(map[string]int)
	}
	m.fetches[id]++

	raw, ok := m.raws[id]
	if !ok {
		raw = []byte("From: sender@example.com\r\nSubject: message " + id + "\r\n\r\nbody of " + id + "\r\n")
	}
	meta, ok := m.metas[id]
	if !ok {
		meta = &gmailx.Meta{
			ID:           id,
			ThreadID:     "t-" + id,
			LabelIDs:     []string{"INBOX"},
			InternalDate: 1700000000000,
			SizeEstimate: int64(len(raw)),
			HistoryID:    42,
		}
	}
	return raw, meta, nil
}

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int

	// failPut injects n transient failures for a key before letting it
	// succeed; failPutWith makes a key fail permanently with that error.
	failPut     map[string]int
	failPutWith map[string]error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{
		objects:     make(map[string][]byte),
		failPut:     make(map[string]int),
		failPutWith: make(map[string]error),
	}
}

func (b *fakeBucket) Put(ctx context.Context, key string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	if err, ok := b.failPutWith[key]; ok {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if n := b.failPut[key]; n > 0 {
		b.failPut[key] = n - 1
		return fmt.Errorf("put %s: %w", key, transientErr{})
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b.objects[key] = cp
	return nil
}

func (b *fakeBucket) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return b.Put(ctx, key, data, "application/json")
}

func (b *fakeBucket) GetJSON(ctx context.Context, key string, out any) error {
	b.mu.Lock()
	data, ok := b.objects[key]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("get %s: %w", key, common.ErrNotFound)
	}
	return json.Unmarshal(data, out)
}

func (b *fakeBucket) object(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return data, ok
}

func (b *fakeBucket) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

func (b *fakeBucket) putCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts
}
