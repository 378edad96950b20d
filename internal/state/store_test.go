package state

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func freezeClock(s *Store, unix int64) {
	s.now = func() time.Time { return time.Unix(unix, 0) }
}

func TestOpen_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir)
	require.NoError(t, err)
	require.NoError(t, s.MarkUploaded(ctx, "m1", 10, "h1"))
	require.NoError(t, s.Close())

	// Migrations are idempotent and records survive reopening.
	s2, err := Open(ctx, dir)
	require.NoError(t, err)
	defer s2.Close()

	ok, err := s2.WasUploaded(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkUploaded_RecordsAndReplaces(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	freezeClock(s, 1000)

	ok, err := s.WasUploaded(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkUploaded(ctx, "m1", 42, "aaa"))

	ok, err = s.WasUploaded(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Re-marking replaces the record instead of failing.
	freezeClock(s, 2000)
	require.NoError(t, s.MarkUploaded(ctx, "m1", 43, "bbb"))

	n, err := s.UploadedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var uploadedAt, size int64
	var hash string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT uploaded_at, size_bytes, content_hash FROM messages WHERE id = 'm1'`).
		Scan(&uploadedAt, &size, &hash))
	assert.EqualValues(t, 2000, uploadedAt)
	assert.EqualValues(t, 43, size)
	assert.Equal(t, "bbb", hash)
}

func TestUploadedIDs(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	require.NoError(t, s.MarkUploaded(ctx, "m1", 1, "a"))
	require.NoError(t, s.MarkUploaded(ctx, "m2", 2, "b"))

	ids, err := s.UploadedIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, "m1")
	assert.Contains(t, ids, "m2")
}

func TestBulkMarkUploaded_KeepsExistingRows(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	freezeClock(s, 500)

	require.NoError(t, s.MarkUploaded(ctx, "m1", 42, "local-hash"))

	recs := []MessageRecord{
		{ID: "m1", UploadedAt: 999, SizeBytes: 0, ContentHash: ""},
		{ID: "m2", UploadedAt: 999, SizeBytes: 7},
		{ID: "m3"},
	}
	require.NoError(t, s.BulkMarkUploaded(ctx, recs))

	n, err := s.UploadedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	var hash string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT content_hash FROM messages WHERE id = 'm1'`).Scan(&hash))
	assert.Equal(t, "local-hash", hash, "bulk insert must not clobber existing records")

	var uploadedAt int64
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT uploaded_at FROM messages WHERE id = 'm3'`).Scan(&uploadedAt))
	assert.EqualValues(t, 500, uploadedAt, "zero UploadedAt falls back to the clock")
}

func TestClaimUpload_Protocol(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	freezeClock(s, 1000)

	ok, err := s.ClaimUpload(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok, "first claim wins")

	ok, err = s.ClaimUpload(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim loses while the first is fresh")

	require.NoError(t, s.MarkUploaded(ctx, "m1", 1, "h"))
	require.NoError(t, s.ReleaseUploadClaim(ctx, "m1"))

	ok, err = s.ClaimUpload(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok, "a committed record beats any claim")
}

func TestClaimUpload_StaleTakeover(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	freezeClock(s, 1000)

	ok, err := s.ClaimUpload(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)

	freezeClock(s, 1001)
	ok, err = s.ClaimUpload(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok, "fresh claim is not taken over")

	freezeClock(s, 1000+int64(ClaimStaleAfter/time.Second)+1)
	ok, err = s.ClaimUpload(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok, "stale claim is taken over")
}

func TestClaimUpload_ReleaseAllowsReclaim(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	freezeClock(s, 1000)

	ok, err := s.ClaimUpload(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ReleaseUploadClaim(ctx, "m1"))

	ok, err = s.ClaimUpload(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok, "released claim can be taken again")
}

func TestClearUploadClaims(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	freezeClock(s, 1000)

	for _, id := range []string{"m1", "m2", "m3"} {
		ok, err := s.ClaimUpload(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, s.ClearUploadClaims(ctx))

	ok, err := s.ClaimUpload(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaimUpload_ConcurrentClaimersOneWinner(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	const claimers = 16
	var (
		wg   sync.WaitGroup
		wins int
		mu   sync.Mutex
	)
	start := make(chan struct{})
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := s.ClaimUpload(ctx, "contested")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, wins, "exactly one concurrent claimer may win")
}

func TestMarkUploaded_ConcurrentWritersAllCommit(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	const (
		writers = 8
		records = 25
	)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for j := 0; j < records; j++ {
				id := fmt.Sprintf("m%03d", j)
				assert.NoError(t, s.MarkUploaded(ctx, id, int64(j), "h"))
			}
		}(w)
	}
	wg.Wait()

	n, err := s.UploadedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, records, n, "concurrent upserts must not corrupt or lose rows")
}

func TestRestoreRecords(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	freezeClock(s, 1000)

	ok, err := s.WasRestored(ctx, "src1")
	require.NoError(t, err)
	assert.False(t, ok)

	rec := RestoreRecord{
		SourceID:        "src1",
		RestoredID:      "new1",
		MessageIDHeader: "abc@example.com",
		RawSHA256:       "deadbeef",
	}
	require.NoError(t, s.MarkRestored(ctx, rec))

	ok, err = s.WasRestored(ctx, "src1")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.RestoredCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	ids, err := s.RestoredIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, "src1")

	// Upsert keeps a single row per source id.
	rec.RestoredID = "new2"
	require.NoError(t, s.MarkRestored(ctx, rec))
	n, err = s.RestoredCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestClaimRestore_CommittedRecordWins(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	freezeClock(s, 1000)

	require.NoError(t, s.MarkRestored(ctx, RestoreRecord{SourceID: "src1"}))

	ok, err := s.ClaimRestore(ctx, "src1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.ClaimRestore(ctx, "src2")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.ReleaseRestoreClaim(ctx, "src2"))
	require.NoError(t, s.ClearRestoreClaims(ctx))
}
