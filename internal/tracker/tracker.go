// Package tracker keeps the content history of scraped URLs: snapshot
// metadata in SQLite, page bodies in a content-addressed blob store.
package tracker

import (
	"context"
	"errors"

	"github.com/raysh454/kbcrawl/internal/model"
)

var ErrNoSnapshot = errors.New("no snapshot for url")

// Tracker is the snapshot history contract used by change detection.
// Implementations must be safe for concurrent use.
type Tracker interface {
	// Commit stores content as the newest snapshot of (tenantID, url).
	Commit(ctx context.Context, tenantID, url string, content []byte) (*model.ContentSnapshot, error)

	// Latest returns the newest snapshot, or ErrNoSnapshot.
	Latest(ctx context.Context, tenantID, url string) (*model.ContentSnapshot, error)

	// History returns up to limit snapshots, newest first. limit <= 0 means all.
	History(ctx context.Context, tenantID, url string, limit int) ([]*model.ContentSnapshot, error)

	// Content loads the body a snapshot refers to.
	Content(ctx context.Context, snap *model.ContentSnapshot) ([]byte, error)
}
