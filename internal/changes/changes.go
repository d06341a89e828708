// Package changes measures how much a page's text moved since the last time
// it was scraped and keeps the per-URL baseline current.
package changes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/raysh454/kbcrawl/internal/keylock"
	"github.com/raysh454/kbcrawl/internal/logging"
	"github.com/raysh454/kbcrawl/internal/model"
	"github.com/raysh454/kbcrawl/internal/tracker"
	"github.com/raysh454/kbcrawl/internal/tracker/blobstore"
)

const DefaultMajorChangeThreshold = 50.0

type Config struct {
	// MajorChangeThreshold is the percentage above which a change is major.
	// Nil means DefaultMajorChangeThreshold; 0 makes every change major.
	MajorChangeThreshold *float64
}

// Threshold returns a pointer to pct for Config.MajorChangeThreshold.
func Threshold(pct float64) *float64 { return &pct }

// Change is the result of comparing new content with the stored baseline.
type Change struct {
	ChangePercentage float64
	IsMajor          bool
	FirstObservation bool
	// Snapshot is the newly committed baseline.
	Snapshot *model.ContentSnapshot
}

type Detector struct {
	tracker   tracker.Tracker
	locks     *keylock.Locker
	threshold float64
	logger    logging.Logger
}

func New(t tracker.Tracker, cfg Config, logger logging.Logger) *Detector {
	threshold := DefaultMajorChangeThreshold
	if cfg.MajorChangeThreshold != nil && *cfg.MajorChangeThreshold >= 0 {
		threshold = *cfg.MajorChangeThreshold
	}
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Detector{
		tracker:   t,
		locks:     keylock.New(),
		threshold: threshold,
		logger:    logger.With(logging.Field{Key: "component", Value: "changes"}),
	}
}

// DetectChange compares content with the latest snapshot for (tenantID, url)
// and commits content as the new baseline. Calls for the same key are
// serialized so each one diffs against its predecessor.
func (d *Detector) DetectChange(ctx context.Context, tenantID, url string, content []byte) (*Change, error) {
	unlock := d.locks.Lock(tenantID + "\x00" + url)
	defer unlock()

	baseline, err := d.tracker.Latest(ctx, tenantID, url)
	if err != nil && !errors.Is(err, tracker.ErrNoSnapshot) {
		return nil, fmt.Errorf("load baseline: %w", err)
	}

	change := &Change{FirstObservation: baseline == nil}
	if baseline != nil && baseline.ContentHash != blobstore.Hash(content) {
		old, err := d.tracker.Content(ctx, baseline)
		if err != nil {
			// A lost baseline body makes this a fresh start.
			d.logger.Warn("baseline content unavailable",
				logging.Field{Key: "url", Value: url},
				logging.Field{Key: "snapshot_id", Value: baseline.ID},
				logging.Field{Key: "error", Value: err})
			change.FirstObservation = true
		} else {
			change.ChangePercentage = Percentage(old, content, url)
		}
	}
	change.IsMajor = change.ChangePercentage > d.threshold

	snap, err := d.tracker.Commit(ctx, tenantID, url, content)
	if err != nil {
		return nil, fmt.Errorf("commit baseline: %w", err)
	}
	change.Snapshot = snap

	d.logger.Debug("change detected",
		logging.Field{Key: "url", Value: url},
		logging.Field{Key: "change_percentage", Value: change.ChangePercentage},
		logging.Field{Key: "first_observation", Value: change.FirstObservation})
	return change, nil
}

// Percentage returns (1 - similarity) * 100 for the text lines of two
// documents.
func Percentage(oldContent, newContent []byte, pageURL string) float64 {
	sim := Similarity(TextLines(oldContent, pageURL), TextLines(newContent, pageURL))
	return (1 - sim) * 100
}

// Similarity is 2*equal/(len(a)+len(b)) over a line-level diff. Two empty
// documents are identical.
func Similarity(a, b []string) float64 {
	if len(a)+len(b) == 0 {
		return 1
	}
	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(joinLines(a), joinLines(b))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)

	equal := 0
	for _, df := range diffs {
		if df.Type == diffmatchpatch.DiffEqual {
			equal += strings.Count(df.Text, "\n")
		}
	}
	return 2 * float64(equal) / float64(len(a)+len(b))
}

// joinLines terminates every line so each diff chunk counts whole lines.
func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
