// Package contentstore persists scraped pages on the local filesystem as
// <root>/<tenant>/<domain>/<yyyy>/<mm>/<sha256>.html with a JSON sidecar.
package contentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/raysh454/kbcrawl/internal/logging"
	"github.com/raysh454/kbcrawl/internal/model"
	"github.com/raysh454/kbcrawl/internal/tracker/blobstore"
	"github.com/raysh454/kbcrawl/internal/utils"
)

var ErrInvalidRef = errors.New("invalid content reference")

// Metadata is written next to each stored page.
type Metadata struct {
	TenantID              string                      `json:"tenant_id"`
	URL                   string                      `json:"url"`
	FinalURL              string                      `json:"final_url,omitempty"`
	JobID                 string                      `json:"job_id,omitempty"`
	RunID                 string                      `json:"run_id,omitempty"`
	ContentHash           string                      `json:"content_hash"`
	Regime                model.Regime                `json:"regime,omitempty"`
	AuthMethodUsed        model.AuthType              `json:"auth_method_used,omitempty"`
	ContentClassification model.ContentClassification `json:"content_classification,omitempty"`
	ChangePercentage      *float64                    `json:"change_percentage,omitempty"`
	IsMajorChange         bool                        `json:"is_major_change,omitempty"`
	FetchedAt             time.Time                   `json:"fetched_at"`
}

// LocalStorage stores content under Root.
type LocalStorage struct {
	Root   string
	now    func() time.Time
	logger logging.Logger
}

func NewLocalStorage(root string, logger logging.Logger) (*LocalStorage, error) {
	if root == "" {
		return nil, errors.New("contentstore: empty root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create content root %s: %w", root, err)
	}
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &LocalStorage{
		Root:   root,
		now:    time.Now,
		logger: logger.With(logging.Field{Key: "component", Value: "contentstore"}),
	}, nil
}

// Save writes content and its sidecar and returns the root-relative path of
// the page. Saving identical content twice in a month rewrites the same
// files.
func (s *LocalStorage) Save(ctx context.Context, tenantID, rawURL string, content []byte, meta Metadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	host, err := utils.HostOf(rawURL)
	if err != nil {
		return "", err
	}
	tenant := segment(tenantID)
	if tenant == "" {
		return "", errors.New("contentstore: empty tenant id")
	}

	hash := blobstore.Hash(content)
	when := meta.FetchedAt
	if when.IsZero() {
		when = s.now()
	}
	when = when.UTC()

	ref := filepath.ToSlash(filepath.Join(tenant, segment(host),
		fmt.Sprintf("%04d", when.Year()), fmt.Sprintf("%02d", int(when.Month())), hash+".html"))
	pagePath := filepath.Join(s.Root, filepath.FromSlash(ref))

	if err := blobstore.AtomicWriteFile(pagePath, content, 0o644); err != nil {
		return "", fmt.Errorf("write page: %w", err)
	}

	meta.TenantID = tenantID
	meta.URL = rawURL
	meta.ContentHash = hash
	meta.FetchedAt = when
	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	if err := blobstore.AtomicWriteFile(sidecarPath(pagePath), sidecar, 0o644); err != nil {
		return "", fmt.Errorf("write metadata: %w", err)
	}

	s.logger.Debug("content saved",
		logging.Field{Key: "tenant_id", Value: tenantID},
		logging.Field{Key: "ref", Value: ref})
	return ref, nil
}

// Load reads back a page and its metadata by reference.
func (s *LocalStorage) Load(ref string) ([]byte, *Metadata, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if ref == "" || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	pagePath := filepath.Join(s.Root, clean)
	content, err := os.ReadFile(pagePath)
	if err != nil {
		return nil, nil, err
	}
	raw, err := os.ReadFile(sidecarPath(pagePath))
	if err != nil {
		return nil, nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, nil, fmt.Errorf("decode metadata: %w", err)
	}
	return content, &meta, nil
}

func sidecarPath(pagePath string) string {
	return strings.TrimSuffix(pagePath, ".html") + ".json"
}

// segment makes s safe as a single path element.
func segment(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), ".")
}
