// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"enclava/platform/gateway/budget"
)

var (
	// ErrInvalidCredentials is returned when neither a valid API key
	// nor a valid session token is presented.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrKeyInactive is returned for disabled or expired API keys.
	ErrKeyInactive = errors.New("api key inactive")
)

// apiKeyPrefix marks gateway-issued API keys in bearer tokens. Tokens
// without it are treated as JWTs.
const apiKeyPrefix = "en_"

// APIKey is a persisted gateway credential. Only the SHA-256 hash of
// the secret is stored.
type APIKey struct {
	ID          int64
	UserID      int64
	Name        string
	KeyPrefix   string
	KeyHash     string
	IsActive    bool
	IsUnlimited bool
	ExpiresAt   *time.Time

	// Running totals, updated after each finalized request.
	TotalRequests  int64
	TotalTokens    int64
	TotalCostCents int64
	LastUsedAt     *time.Time
}

// Expired reports whether the key's expiry has passed.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// APIKeyStore loads and updates API keys.
type APIKeyStore interface {
	// GetByHash returns the key whose stored hash matches.
	GetByHash(ctx context.Context, hash string) (*APIKey, error)

	// RecordUsage bumps the key's running totals after a finalized
	// request.
	RecordUsage(ctx context.Context, keyID int64, tokens int64, costCents int64) error
}

// PostgresAPIKeyStore implements APIKeyStore on PostgreSQL.
type PostgresAPIKeyStore struct {
	db *sql.DB
}

// NewPostgresAPIKeyStore creates an API key store.
func NewPostgresAPIKeyStore(db *sql.DB) *PostgresAPIKeyStore {
	return &PostgresAPIKeyStore{db: db}
}

func (s *PostgresAPIKeyStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	query := `
		SELECT id, user_id, name, key_prefix, key_hash, is_active,
		       is_unlimited, expires_at, total_requests, total_tokens,
		       total_cost_cents, last_used_at
		FROM api_keys
		WHERE key_hash = $1`

	var k APIKey
	var expiresAt, lastUsedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, hash).Scan(
		&k.ID, &k.UserID, &k.Name, &k.KeyPrefix, &k.KeyHash, &k.IsActive,
		&k.IsUnlimited, &expiresAt, &k.TotalRequests, &k.TotalTokens,
		&k.TotalCostCents, &lastUsedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	if expiresAt.Valid {
		k.ExpiresAt = &expiresAt.Time
	}
	if lastUsedAt.Valid {
		k.LastUsedAt = &lastUsedAt.Time
	}
	return &k, nil
}

func (s *PostgresAPIKeyStore) RecordUsage(ctx context.Context, keyID int64, tokens int64, costCents int64) error {
	query := `
		UPDATE api_keys
		SET total_requests = total_requests + 1,
		    total_tokens = total_tokens + $2,
		    total_cost_cents = total_cost_cents + $3,
		    last_used_at = NOW()
		WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, keyID, tokens, costCents); err != nil {
		return fmt.Errorf("failed to record api key usage: %w", err)
	}
	return nil
}

// HashAPIKey returns the hex SHA-256 of a raw key secret.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// sessionClaims are the JWT claims the gateway accepts for session
// tokens issued by the control plane.
type sessionClaims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// Authenticator resolves bearer tokens into budget identities.
//
// Two credential kinds are accepted: gateway API keys (prefix "en_",
// budget-enforced unless the key is flagged unlimited) and control
// plane session JWTs (budget-exempt, used by the playground UI).
type Authenticator struct {
	keys      APIKeyStore
	jwtSecret []byte
	now       func() time.Time
}

// NewAuthenticator creates an authenticator. jwtSecret may be empty to
// disable session-token auth.
func NewAuthenticator(keys APIKeyStore, jwtSecret string) *Authenticator {
	return &Authenticator{
		keys:      keys,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

// AuthResult is the outcome of credential resolution.
type AuthResult struct {
	Identity budget.Identity

	// APIKey is non-nil when an API key authenticated the request.
	APIKey *APIKey
}

// Authenticate resolves an Authorization header value.
func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (*AuthResult, error) {
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authorization, bearerPrefix) {
		return nil, fmt.Errorf("%w: missing bearer token", ErrInvalidCredentials)
	}
	token := strings.TrimSpace(authorization[len(bearerPrefix):])
	if token == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrInvalidCredentials)
	}

	if strings.HasPrefix(token, apiKeyPrefix) {
		return a.authenticateAPIKey(ctx, token)
	}
	return a.authenticateJWT(token)
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, token string) (*AuthResult, error) {
	key, err := a.keys.GetByHash(ctx, HashAPIKey(token))
	if err != nil {
		return nil, err
	}

	// Constant-time recheck of the stored hash. The lookup already
	// matched, but the comparison keeps the path uniform.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(HashAPIKey(token))) != 1 {
		return nil, ErrInvalidCredentials
	}

	if !key.IsActive || key.Expired(a.now()) {
		return nil, ErrKeyInactive
	}

	return &AuthResult{
		Identity: budget.Identity{
			UserID:    key.UserID,
			APIKeyID:  &key.ID,
			Unlimited: key.IsUnlimited,
		},
		APIKey: key,
	}, nil
}

func (a *Authenticator) authenticateJWT(token string) (*AuthResult, error) {
	if len(a.jwtSecret) == 0 {
		return nil, fmt.Errorf("%w: session tokens not enabled", ErrInvalidCredentials)
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if claims.UserID == 0 {
		return nil, fmt.Errorf("%w: token missing user id", ErrInvalidCredentials)
	}

	// Session users have no API key and are budget-exempt: their usage
	// is still metered, but not reserved against budgets.
	return &AuthResult{
		Identity: budget.Identity{
			UserID:    claims.UserID,
			Unlimited: true,
		},
	}, nil
}
