package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/mailvault/internal/dbx"
	"github.com/dmitrijs2005/mailvault/internal/filex"
	"github.com/dmitrijs2005/mailvault/internal/state/migrations"
)

// ClaimStaleAfter is how long an in-flight claim blocks other runners before
// it is considered abandoned and can be taken over.
const ClaimStaleAfter = time.Hour

// Store is the durable local index: per-message upload and restore records
// plus in-flight claims, backed by SQLite in the state directory.
type Store struct {
	db  *sql.DB
	dir string

	claimStaleAfter time.Duration
	now             func() time.Time
}

// Open creates the state directory if needed, opens the index database, and
// applies pending schema migrations.
func Open(ctx context.Context, dir string) (*Store, error) {
	if err := filex.EnsureDir(dir); err != nil {
		return nil, err
	}
	dsn := "file:" + filepath.Join(dir, "index.sqlite3") +
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	// The driver serializes writers anyway; one connection avoids SQLITE_BUSY
	// churn between pooled connections.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	return &Store{db: db, dir: dir, claimStaleAfter: ClaimStaleAfter, now: time.Now}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Dir returns the state directory this store lives in.
func (s *Store) Dir() string { return s.dir }

func (s *Store) epoch() int64 { return s.now().Unix() }

// MessageRecord is one committed upload.
type MessageRecord struct {
	ID          string
	UploadedAt  int64
	SizeBytes   int64
	ContentHash string
}

// RestoreRecord mirrors one restore marker in the local index.
type RestoreRecord struct {
	SourceID        string
	RestoredID      string
	RestoredAt      int64
	MessageIDHeader string
	RawSHA256       string
}

// WasUploaded reports whether id already has a committed upload record. The
// check is a local read and never blocks on the network.
func (s *Store) WasUploaded(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM messages WHERE id = ?`, id)
}

// MarkUploaded commits an upload record for id. Re-marking an id replaces
// the previous record in place.
func (s *Store) MarkUploaded(ctx context.Context, id string, sizeBytes int64, contentHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, uploaded_at, size_bytes, content_hash)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			uploaded_at = excluded.uploaded_at,
			size_bytes = excluded.size_bytes,
			content_hash = excluded.content_hash`,
		id, s.epoch(), sizeBytes, contentHash)
	if err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	return nil
}

// BulkMarkUploaded inserts many upload records in one transaction, keeping
// existing rows untouched. Rehydration uses it to adopt remote listings
// without clobbering locally recorded hashes.
func (s *Store) BulkMarkUploaded(ctx context.Context, recs []MessageRecord) error {
	if len(recs) == 0 {
		return nil
	}
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, r := range recs {
			uploadedAt := r.UploadedAt
			if uploadedAt == 0 {
				uploadedAt = s.epoch()
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO messages (id, uploaded_at, size_bytes, content_hash)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (id) DO NOTHING`,
				r.ID, uploadedAt, r.SizeBytes, r.ContentHash)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bulk mark uploaded: %w", err)
	}
	return nil
}

// UploadedCount returns the number of committed upload records.
func (s *Store) UploadedCount(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM messages`)
}

// UploadedIDs returns the set of all recorded message ids.
func (s *Store) UploadedIDs(ctx context.Context) (map[string]struct{}, error) {
	return s.idSet(ctx, `SELECT id FROM messages`)
}

// ClaimUpload marks id as in-flight for upload. It returns false when the
// message is already recorded or another runner holds a fresh claim; claims
// older than ClaimStaleAfter are taken over.
func (s *Store) ClaimUpload(ctx context.Context, id string) (bool, error) {
	return s.claim(ctx, "upload_claims", `SELECT 1 FROM messages WHERE id = ?`, id)
}

// ReleaseUploadClaim drops the in-flight upload claim for id, if any.
func (s *Store) ReleaseUploadClaim(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_claims WHERE id = ?`, id); err != nil {
		return fmt.Errorf("release upload claim: %w", err)
	}
	return nil
}

// ClearUploadClaims removes all upload claims. Runs call it at startup while
// holding the run lock, so claims from a crashed pass do not linger.
func (s *Store) ClearUploadClaims(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_claims`); err != nil {
		return fmt.Errorf("clear upload claims: %w", err)
	}
	return nil
}

// WasRestored reports whether sourceID already has a restore record.
func (s *Store) WasRestored(ctx context.Context, sourceID string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM restored WHERE source_id = ?`, sourceID)
}

// MarkRestored commits a restore record, replacing any previous one.
func (s *Store) MarkRestored(ctx context.Context, rec RestoreRecord) error {
	restoredAt := rec.RestoredAt
	if restoredAt == 0 {
		restoredAt = s.epoch()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO restored (source_id, restored_id, restored_at, message_id_header, raw_sha256)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source_id) DO UPDATE SET
			restored_id = excluded.restored_id,
			restored_at = excluded.restored_at,
			message_id_header = excluded.message_id_header,
			raw_sha256 = excluded.raw_sha256`,
		rec.SourceID, rec.RestoredID, restoredAt, rec.MessageIDHeader, rec.RawSHA256)
	if err != nil {
		return fmt.Errorf("mark restored: %w", err)
	}
	return nil
}

// RestoredCount returns the number of restore records.
func (s *Store) RestoredCount(ctx context.Context) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM restored`)
}

// RestoredIDs returns the set of all restored source ids.
func (s *Store) RestoredIDs(ctx context.Context) (map[string]struct{}, error) {
	return s.idSet(ctx, `SELECT source_id FROM restored`)
}

// ClaimRestore marks sourceID as in-flight for restore, with the same
// semantics as ClaimUpload.
func (s *Store) ClaimRestore(ctx context.Context, sourceID string) (bool, error) {
	return s.claim(ctx, "restore_claims", `SELECT 1 FROM restored WHERE source_id = ?`, sourceID)
}

// ReleaseRestoreClaim drops the in-flight restore claim for sourceID, if any.
func (s *Store) ReleaseRestoreClaim(ctx context.Context, sourceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM restore_claims WHERE id = ?`, sourceID); err != nil {
		return fmt.Errorf("release restore claim: %w", err)
	}
	return nil
}

// ClearRestoreClaims removes all restore claims.
func (s *Store) ClearRestoreClaims(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM restore_claims`); err != nil {
		return fmt.Errorf("clear restore claims: %w", err)
	}
	return nil
}

// claim implements the shared claim protocol. A committed record always
// beats a claim; otherwise insert wins, and an existing claim is taken over
// only once it has gone stale.
func (s *Store) claim(ctx context.Context, table, doneQuery, id string) (bool, error) {
	done, err := s.exists(ctx, doneQuery, id)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	now := s.epoch()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (id, claimed_at) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`,
		id, now)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", table, err)
	}
	if n == 1 {
		return true, nil
	}

	staleBefore := now - int64(s.claimStaleAfter/time.Second)
	res, err = s.db.ExecContext(ctx,
		`UPDATE `+table+` SET claimed_at = ? WHERE id = ? AND claimed_at < ?`,
		now, id, staleBefore)
	if err != nil {
		return false, fmt.Errorf("reclaim %s: %w", table, err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reclaim %s: %w", table, err)
	}
	return n == 1, nil
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query index: %w", err)
	}
	return true, nil
}

func (s *Store) count(ctx context.Context, query string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count index: %w", err)
	}
	return n, nil
}

func (s *Store) idSet(ctx context.Context, query string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list index ids: %w", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan index id: %w", err)
		}
		set[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list index ids: %w", err)
	}
	return set, nil
}
