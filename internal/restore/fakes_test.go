package restore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/dmitrijs2005/mailvault/internal/blob"
	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/logging"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type insertCall struct {
	raw    []byte
	labels []string
}

type fakeMailbox struct {
	mu sync.Mutex

	present      map[string]bool
	presentErr   error
	headerChecks []string

	inserts       []insertCall
	insertErr     error
	rejectLabeled bool
	nextID        int

	labelAdds map[string][][]string
	failLabel string
	trashed   []string
}

func (m *fakeMailbox) HeaderExists(ctx context.Context, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headerChecks = append(m.headerChecks, messageID)
	if m.presentErr != nil {
		return false, m.presentErr
	}
	return m.present[messageID], nil
}

func (m *fakeMailbox) InsertRaw(ctx context.Context, raw []byte, labelIDs []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	m.inserts = append(m.inserts, insertCall{raw: cp, labels: append([]string(nil), labelIDs...)})
	if m.insertErr != nil {
		return "", m.insertErr
	}
	if m.rejectLabeled && len(labelIDs) > 0 {
		return "", &googleapi.Error{Code: http.StatusBadRequest, Message: "invalid label"}
	}
	m.nextID++
	return fmt.Sprintf("r-%d", m.nextID), nil
}

func (m *fakeMailbox) AddLabels(ctx context.Context, id string, labelIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.labelAdds == nil {
		m.labelAdds = make(map[string][][]string)
	}
	m.labelAdds[id] = append(m.labelAdds[id], append([]string(nil), labelIDs...))
	if m.failLabel != "" {
		for _, l := range labelIDs {
			if l == m.failLabel {
				return &googleapi.Error{Code: http.StatusBadRequest, Message: "invalid label"}
			}
		}
	}
	return nil
}

func (m *fakeMailbox) Trash(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trashed = append(m.trashed, id)
	return nil
}

func (m *fakeMailbox) insertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inserts)
}

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	gets    int

	failGetWith map[string]error
	failPutWith map[string]error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{
		objects:     make(map[string][]byte),
		failGetWith: make(map[string]error),
		failPutWith: make(map[string]error),
	}
}

func (b *fakeBucket) put(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.objects[key] = cp
}

func (b *fakeBucket) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	if err, ok := b.failGetWith[key]; ok {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, common.ErrNotFound)
	}
	return data, nil
}

func (b *fakeBucket) GetJSON(ctx context.Context, key string, out any) error {
	data, err := b.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (b *fakeBucket) PutJSON(ctx context.Context, key string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	if err, ok := b.failPutWith[key]; ok {
		return fmt.Errorf("put %s: %w", key, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b.objects[key] = data
	return nil
}

func (b *fakeBucket) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok, nil
}

func (b *fakeBucket) List(ctx context.Context, prefix string, fn func(blob.Object) error) error {
	b.mu.Lock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	b.mu.Unlock()
	sort.Strings(keys)
	for _, k := range keys {
		b.mu.Lock()
		size := int64(len(b.objects[k]))
		b.mu.Unlock()
		if err := fn(blob.Object{Key: k, Size: size, LastModified: time.Unix(1700000000, 0)}); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBucket) object(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return data, ok
}

func (b *fakeBucket) putCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts
}

func (b *fakeBucket) getCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gets
}

func gzipped(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func rawMessage(id string) []byte {
	return []byte("From: sender@example.com\r\n" +
		"Subject: message " + id + "\r\n" +
		"Message-Id: <" + id + "@mail.example.com>\r\n" +
		"\r\n" +
		"body of " + id + "\r\n")
}

// seedArchive stores a payload plus metadata pair the way a backup pass
// would have written them.
func seedArchive(t *testing.T, b *fakeBucket, id string, raw []byte, internalDate int64, labels []string) {
	t.Helper()
	b.put("messages/"+id+".eml.gz", gzipped(t, raw))
	meta, err := json.Marshal(map[string]any{
		"id":           id,
		"internalDate": internalDate,
		"labelIds":     labels,
	})
	require.NoError(t, err)
	b.put("messages/"+id+".json", meta)
}
