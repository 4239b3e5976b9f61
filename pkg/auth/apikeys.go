package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldmesh/iotaccess/pkg/guard"
	"github.com/fieldmesh/iotaccess/pkg/observability"
	"github.com/fieldmesh/iotaccess/pkg/permissions"
)

// IssueRequest describes a new API key
type IssueRequest struct {
	Name      string
	CreatedBy int64
	GrantIDs  []int64
	ExpiresAt *time.Time
}

// APIKeyStore persists API keys and authenticates them by hash
type APIKeyStore struct {
	db        *sql.DB
	grants    *permissions.Store
	generator *KeyGenerator
	now       func() time.Time
}

// NewAPIKeyStore creates an API key store. grants receives the key's grant
// attachments.
func NewAPIKeyStore(db *sql.DB, grants *permissions.Store) *APIKeyStore {
	return &APIKeyStore{
		db:        db,
		grants:    grants,
		generator: NewKeyGenerator(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates a key holding the given grants. The requester must
// administer every organization the grants belong to. The plaintext key is
// returned once and never stored.
func (s *APIKeyStore) Issue(ctx context.Context, requester *permissions.PermissionSet, req IssueRequest) (*APIKey, string, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, "", fmt.Errorf("%w: name is required", permissions.ErrInvalidGrant)
	}

	grants := make([]*permissions.Grant, 0, len(req.GrantIDs))
	for _, id := range req.GrantIDs {
		grant, err := s.grants.GetGrant(ctx, id)
		if err != nil {
			return nil, "", err
		}
		grants = append(grants, grant)
	}
	if err := guard.CheckAPIKeyGrants(requester, grants); err != nil {
		return nil, "", err
	}

	key, keyHash, keyPrefix, err := s.generator.Generate()
	if err != nil {
		return nil, "", err
	}

	apiKey := &APIKey{
		Name:      req.Name,
		KeyHash:   keyHash,
		KeyPrefix: keyPrefix,
		ExpiresAt: req.ExpiresAt,
		CreatedAt: s.now(),
	}
	if req.CreatedBy != 0 {
		createdBy := req.CreatedBy
		apiKey.CreatedBy = &createdBy
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO api_keys (name, key_hash, key_prefix, created_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, apiKey.Name, apiKey.KeyHash, apiKey.KeyPrefix, apiKey.CreatedBy, apiKey.ExpiresAt, apiKey.CreatedAt).Scan(&apiKey.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create api key: %w", err)
	}

	grantStore := s.grants.WithTx(tx)
	for _, grant := range grants {
		if err := grantStore.AttachPrincipal(ctx, grant.ID, permissions.APIKey(apiKey.ID)); err != nil {
			return nil, "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("failed to commit api key: %w", err)
	}
	if err := s.grants.Bump(ctx); err != nil {
		// The key exists; cached sets pick up its grants once they expire.
		observability.FromContext(ctx).WithError(err).WithField("api_key_id", apiKey.ID).Warn("failed to bump grant revision")
	}

	observability.FromContext(ctx).WithFields(map[string]interface{}{
		"api_key_id": apiKey.ID,
		"grants":     len(grants),
	}).Info("api key issued")

	return apiKey, key, nil
}

// Authenticate returns the active key matching the plaintext key. Unknown,
// revoked and expired keys all yield ErrInvalidToken.
func (s *APIKeyStore) Authenticate(ctx context.Context, key string) (*APIKey, error) {
	if err := s.generator.ValidateFormat(key); err != nil {
		return nil, ErrInvalidToken
	}

	apiKey, err := s.scan(s.db.QueryRowContext(ctx, `
		SELECT id, name, key_hash, key_prefix, created_by, expires_at, revoked_at, created_at
		FROM api_keys
		WHERE key_hash = $1
	`, s.generator.Hash(key)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	if !apiKey.Active(s.now()) {
		return nil, ErrInvalidToken
	}
	return apiKey, nil
}

// Get returns a key by id, including revoked ones
func (s *APIKeyStore) Get(ctx context.Context, id int64) (*APIKey, error) {
	apiKey, err := s.scan(s.db.QueryRowContext(ctx, `
		SELECT id, name, key_hash, key_prefix, created_by, expires_at, revoked_at, created_at
		FROM api_keys
		WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return apiKey, nil
}

// Revoke disables a key. The requester needs the same reach as issuing it
// would require; a key without grants can only be revoked by a global admin.
func (s *APIKeyStore) Revoke(ctx context.Context, requester *permissions.PermissionSet, id int64) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	grants, err := s.grants.ListGrantsForPrincipal(ctx, permissions.APIKey(id))
	if err != nil {
		return err
	}
	if len(grants) == 0 {
		err = guard.CheckGlobalAdmin(requester)
	} else {
		err = guard.CheckAPIKeyGrants(requester, grants)
	}
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`,
		s.now(), id,
	); err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	return nil
}

func (s *APIKeyStore) scan(row *sql.Row) (*APIKey, error) {
	var apiKey APIKey
	var createdBy sql.NullInt64
	var expiresAt, revokedAt sql.NullTime

	if err := row.Scan(
		&apiKey.ID,
		&apiKey.Name,
		&apiKey.KeyHash,
		&apiKey.KeyPrefix,
		&createdBy,
		&expiresAt,
		&revokedAt,
		&apiKey.CreatedAt,
	); err != nil {
		return nil, err
	}

	if createdBy.Valid {
		apiKey.CreatedBy = &createdBy.Int64
	}
	if expiresAt.Valid {
		apiKey.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		apiKey.RevokedAt = &revokedAt.Time
	}
	return &apiKey, nil
}
