package tracker

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/kbcrawl/internal/logging"
	"github.com/raysh454/kbcrawl/internal/model"
	"github.com/raysh454/kbcrawl/internal/sqlitedb"
	"github.com/raysh454/kbcrawl/internal/tracker/blobstore"
)

//go:embed schema.sql
var schemaFS embed.FS

const blobRefPrefix = "blob:"

// SQLiteTracker implements Tracker with SQLite metadata and a Blobstore for
// page bodies. The database handle is owned by the caller.
type SQLiteTracker struct {
	db     *sql.DB
	store  *blobstore.Blobstore
	logger logging.Logger
	now    func() time.Time
}

// NewSQLiteTracker applies the snapshot schema to db and opens the blob
// store under blobsDir.
func NewSQLiteTracker(db *sql.DB, blobsDir string, logger logging.Logger) (*SQLiteTracker, error) {
	if db == nil {
		return nil, errors.New("tracker: nil db provided")
	}
	if logger == nil {
		return nil, errors.New("tracker: nil logger provided")
	}
	if err := sqlitedb.ApplySchema(db, schemaFS, "schema.sql"); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	store, err := blobstore.New(blobsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create blobstore: %w", err)
	}

	logger = logger.With(logging.Field{Key: "component", Value: "tracker"})
	logger.Info("SQLiteTracker initialized", logging.Field{Key: "blobs_dir", Value: blobsDir})
	return &SQLiteTracker{db: db, store: store, logger: logger, now: time.Now}, nil
}

func (t *SQLiteTracker) Commit(ctx context.Context, tenantID, url string, content []byte) (*model.ContentSnapshot, error) {
	if tenantID == "" || url == "" {
		return nil, errors.New("tracker: tenant id and url are required")
	}
	blobID, err := t.store.Put(content)
	if err != nil {
		return nil, fmt.Errorf("store content: %w", err)
	}

	snap := &model.ContentSnapshot{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		URL:         url,
		Timestamp:   t.now().UTC().Truncate(time.Millisecond),
		ContentHash: blobID,
		ContentRef:  blobRefPrefix + blobID,
	}
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, tenant_id, url, content_hash, content_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.TenantID, snap.URL, snap.ContentHash, snap.ContentRef, snap.Timestamp.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}

	t.logger.Debug("snapshot committed",
		logging.Field{Key: "snapshot_id", Value: snap.ID},
		logging.Field{Key: "url", Value: url},
		logging.Field{Key: "content_hash", Value: blobID})
	return snap, nil
}

func (t *SQLiteTracker) Latest(ctx context.Context, tenantID, url string) (*model.ContentSnapshot, error) {
	snaps, err := t.History(ctx, tenantID, url, 1)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNoSnapshot
	}
	return snaps[0], nil
}

func (t *SQLiteTracker) History(ctx context.Context, tenantID, url string, limit int) ([]*model.ContentSnapshot, error) {
	if limit <= 0 {
		limit = -1
	}
	// rowid breaks ties between snapshots committed in the same millisecond.
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, tenant_id, url, content_hash, content_ref, created_at
		FROM snapshots
		WHERE tenant_id = ? AND url = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, tenantID, url, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []*model.ContentSnapshot
	for rows.Next() {
		var (
			s  model.ContentSnapshot
			ms int64
		)
		if err := rows.Scan(&s.ID, &s.TenantID, &s.URL, &s.ContentHash, &s.ContentRef, &ms); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		s.Timestamp = time.UnixMilli(ms).UTC()
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (t *SQLiteTracker) Content(_ context.Context, snap *model.ContentSnapshot) ([]byte, error) {
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	id := snap.ContentHash
	if ref, ok := strings.CutPrefix(snap.ContentRef, blobRefPrefix); ok {
		id = ref
	}
	return t.store.Get(id)
}
