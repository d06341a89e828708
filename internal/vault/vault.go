// Package vault stores per-tenant, per-domain credentials encrypted at rest
// and tracks whether each credential still works.
package vault

import (
	"context"
	"crypto/cipher"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/kbcrawl/internal/keylock"
	"github.com/raysh454/kbcrawl/internal/logging"
	"github.com/raysh454/kbcrawl/internal/model"
	"github.com/raysh454/kbcrawl/internal/sqlitedb"
	"github.com/raysh454/kbcrawl/internal/utils"
)

//go:embed schema.sql
var schemaFS embed.FS

var (
	ErrNotFound         = errors.New("credential not found")
	ErrDecryption       = errors.New("credential decryption failed")
	ErrMasterKeyMissing = errors.New("master encryption key is not configured")
)

// DefaultStaleThreshold is the number of consecutive verification failures
// after which a credential is excluded from lookups.
const DefaultStaleThreshold = 3

type Options struct {
	StaleThreshold int
	Clock          func() time.Time
}

// Vault is safe for concurrent use.
type Vault struct {
	db     *sql.DB
	aead   cipher.AEAD
	opts   Options
	locks  *keylock.Locker
	logger logging.Logger
}

// New applies the credentials schema to db and derives the encryption key
// from masterKey.
func New(db *sql.DB, masterKey []byte, opts Options, logger logging.Logger) (*Vault, error) {
	if len(masterKey) == 0 {
		return nil, ErrMasterKeyMissing
	}
	if db == nil {
		return nil, errors.New("vault: db is nil")
	}
	if logger == nil {
		logger = logging.NopLogger{}
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	key, err := deriveKey(masterKey)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if err := sqlitedb.ApplySchema(db, schemaFS, "schema.sql"); err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	return &Vault{
		db:     db,
		aead:   aead,
		opts:   opts,
		locks:  keylock.New(),
		logger: logger.With(logging.Field{Key: "component", Value: "vault"}),
	}, nil
}

// Upsert encrypts payload and stores it under (tenantID, domainKey,
// authType), replacing any previous secret and clearing staleness.
func (v *Vault) Upsert(ctx context.Context, tenantID, domainKey string, authType model.AuthType, payload model.CredentialPayload) (*model.Credential, error) {
	domainKey = utils.NormalizeHost(domainKey)
	if tenantID == "" || domainKey == "" {
		return nil, errors.New("vault: tenant and domain are required")
	}
	if _, err := model.ParseAuthType(string(authType)); err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("vault: encode payload: %w", err)
	}
	blob, err := seal(v.aead, plaintext, buildAAD(tenantID, domainKey, authType))
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	now := v.opts.Clock().UnixMilli()
	_, err = v.db.ExecContext(ctx, `
		INSERT INTO credentials (id, tenant_id, domain_key, auth_type, encrypted_payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, domain_key, auth_type) DO UPDATE SET
			encrypted_payload    = excluded.encrypted_payload,
			consecutive_failures = 0,
			stale                = 0,
			updated_at           = excluded.updated_at`,
		uuid.New().String(), tenantID, domainKey, string(authType), blob, now, now)
	if err != nil {
		return nil, fmt.Errorf("vault: upsert: %w", err)
	}

	row := v.db.QueryRowContext(ctx, selectColumns+` WHERE tenant_id = ? AND domain_key = ? AND auth_type = ?`,
		tenantID, domainKey, string(authType))
	cred, err := scanCredential(row)
	if err != nil {
		return nil, fmt.Errorf("vault: reload: %w", err)
	}

	v.logger.Info("credential stored",
		logging.Field{Key: "tenant_id", Value: tenantID},
		logging.Field{Key: "domain", Value: domainKey},
		logging.Field{Key: "auth_type", Value: string(authType)},
		logging.Field{Key: "credential_id", Value: cred.ID})
	return cred, nil
}

// Lookup returns the most recently updated usable credential for domainKey,
// falling back through parent domains down to the registrable domain.
func (v *Vault) Lookup(ctx context.Context, tenantID, domainKey string) (*model.Credential, error) {
	for _, d := range utils.DomainFallbackChain(domainKey) {
		creds, err := v.usable(ctx, tenantID, d)
		if err != nil {
			return nil, err
		}
		if len(creds) > 0 {
			return creds[0], nil
		}
	}
	return nil, ErrNotFound
}

// Open decrypts cred. Any failure yields ErrDecryption and no payload.
func (v *Vault) Open(ctx context.Context, cred *model.Credential) (*model.CredentialPayload, error) {
	if cred == nil {
		return nil, ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plaintext, err := unseal(v.aead, cred.EncryptedPayload, buildAAD(cred.TenantID, cred.DomainKey, cred.AuthType))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	var payload model.CredentialPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode payload", ErrDecryption)
	}

	now := v.opts.Clock()
	if _, err := v.db.ExecContext(ctx, `UPDATE credentials SET last_used_at = ? WHERE id = ?`, now.UnixMilli(), cred.ID); err != nil {
		v.logger.Warn("failed to stamp credential use",
			logging.Field{Key: "credential_id", Value: cred.ID},
			logging.Field{Key: "error", Value: err})
	} else {
		cred.LastUsedAt = &now
	}
	return &payload, nil
}

// Resolve walks the fallback chain for domainKey and returns the first
// credential that decrypts. Corrupted records are skipped; ErrDecryption is
// returned only when a record existed but none could be opened.
func (v *Vault) Resolve(ctx context.Context, tenantID, domainKey string) (*model.Credential, *model.CredentialPayload, error) {
	sawCorrupt := false
	for _, d := range utils.DomainFallbackChain(domainKey) {
		creds, err := v.usable(ctx, tenantID, d)
		if err != nil {
			return nil, nil, err
		}
		for _, cred := range creds {
			payload, err := v.Open(ctx, cred)
			if err == nil {
				return cred, payload, nil
			}
			if !errors.Is(err, ErrDecryption) {
				return nil, nil, err
			}
			sawCorrupt = true
			v.logger.Warn("skipping undecryptable credential",
				logging.Field{Key: "credential_id", Value: cred.ID},
				logging.Field{Key: "domain", Value: cred.DomainKey})
		}
	}
	if sawCorrupt {
		return nil, nil, ErrDecryption
	}
	return nil, nil, ErrNotFound
}

// RecordOutcome updates the verification bookkeeping for a credential. A
// failure increments the counter in a single statement and marks the record
// stale once the threshold is reached; a success resets it.
func (v *Vault) RecordOutcome(ctx context.Context, credentialID string, success bool) error {
	unlock := v.locks.Lock(credentialID)
	defer unlock()

	var (
		res sql.Result
		err error
	)
	if success {
		res, err = v.db.ExecContext(ctx, `
			UPDATE credentials
			SET consecutive_failures = 0, stale = 0, last_verified_at = ?
			WHERE id = ?`,
			v.opts.Clock().UnixMilli(), credentialID)
	} else {
		res, err = v.db.ExecContext(ctx, `
			UPDATE credentials
			SET consecutive_failures = consecutive_failures + 1,
			    stale = CASE WHEN consecutive_failures + 1 >= ? THEN 1 ELSE stale END
			WHERE id = ?`,
			v.opts.StaleThreshold, credentialID)
	}
	if err != nil {
		return fmt.Errorf("vault: record outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if !success {
		cred, err := v.Get(ctx, credentialID)
		if err == nil && cred.Stale {
			v.logger.Warn("credential marked stale",
				logging.Field{Key: "credential_id", Value: credentialID},
				logging.Field{Key: "domain", Value: cred.DomainKey},
				logging.Field{Key: "consecutive_failures", Value: cred.ConsecutiveFailures})
		}
	}
	return nil
}

// Get returns a credential by ID, stale or not.
func (v *Vault) Get(ctx context.Context, credentialID string) (*model.Credential, error) {
	cred, err := scanCredential(v.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, credentialID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cred, err
}

// List returns credential metadata for a tenant. Encrypted payloads are
// not included.
func (v *Vault) List(ctx context.Context, tenantID string) ([]*model.Credential, error) {
	rows, err := v.db.QueryContext(ctx, selectColumns+` WHERE tenant_id = ? ORDER BY domain_key, auth_type`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("vault: list: %w", err)
	}
	defer rows.Close()

	var out []*model.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		cred.EncryptedPayload = nil
		out = append(out, cred)
	}
	return out, rows.Err()
}

// Delete removes a credential.
func (v *Vault) Delete(ctx context.Context, credentialID string) error {
	unlock := v.locks.Lock(credentialID)
	defer unlock()

	res, err := v.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, credentialID)
	if err != nil {
		return fmt.Errorf("vault: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (v *Vault) usable(ctx context.Context, tenantID, domainKey string) ([]*model.Credential, error) {
	rows, err := v.db.QueryContext(ctx, selectColumns+`
		WHERE tenant_id = ? AND domain_key = ? AND stale = 0
		ORDER BY updated_at DESC, id`, tenantID, domainKey)
	if err != nil {
		return nil, fmt.Errorf("vault: lookup: %w", err)
	}
	defer rows.Close()

	var out []*model.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

const selectColumns = `
	SELECT id, tenant_id, domain_key, auth_type, encrypted_payload, last_used_at, last_verified_at,
	       consecutive_failures, stale, created_at, updated_at
	FROM credentials`

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(s scanner) (*model.Credential, error) {
	var (
		c                  model.Credential
		authType           string
		lastUsed, lastVer  sql.NullInt64
		stale              int
		createdAt, updated int64
	)
	if err := s.Scan(&c.ID, &c.TenantID, &c.DomainKey, &authType, &c.EncryptedPayload, &lastUsed, &lastVer,
		&c.ConsecutiveFailures, &stale, &createdAt, &updated); err != nil {
		return nil, err
	}
	c.AuthType = model.AuthType(authType)
	c.Stale = stale != 0
	c.CreatedAt = time.UnixMilli(createdAt)
	c.UpdatedAt = time.UnixMilli(updated)
	if lastUsed.Valid {
		t := time.UnixMilli(lastUsed.Int64)
		c.LastUsedAt = &t
	}
	if lastVer.Valid {
		t := time.UnixMilli(lastVer.Int64)
		c.LastVerifiedAt = &t
	}
	return &c, nil
}
