// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// mockKeyStore implements APIKeyStore in memory.
type mockKeyStore struct {
	keys        map[string]*APIKey // hash -> key
	usageCalls  []int64
	usageTokens []int64
	usageCents  []int64
}

func newMockKeyStore(rawKeys ...*rawKey) *mockKeyStore {
	m := &mockKeyStore{keys: make(map[string]*APIKey)}
	for _, rk := range rawKeys {
		k := rk.key
		k.KeyHash = HashAPIKey(rk.secret)
		m.keys[k.KeyHash] = &k
	}
	return m
}

type rawKey struct {
	secret string
	key    APIKey
}

func (m *mockKeyStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	if k, ok := m.keys[hash]; ok {
		return k, nil
	}
	return nil, ErrInvalidCredentials
}

func (m *mockKeyStore) RecordUsage(ctx context.Context, keyID int64, tokens int64, costCents int64) error {
	m.usageCalls = append(m.usageCalls, keyID)
	m.usageTokens = append(m.usageTokens, tokens)
	m.usageCents = append(m.usageCents, costCents)
	return nil
}

func signedJWT(t *testing.T, secret string, userID int64) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestAuthenticateAPIKey(t *testing.T) {
	keyID := int64(7)
	store := newMockKeyStore(&rawKey{
		secret: "en_live_abc123",
		key:    APIKey{ID: keyID, UserID: 42, IsActive: true},
	})
	a := NewAuthenticator(store, "")

	result, err := a.Authenticate(context.Background(), "Bearer en_live_abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Identity.UserID != 42 {
		t.Errorf("user = %d, want 42", result.Identity.UserID)
	}
	if result.Identity.APIKeyID == nil || *result.Identity.APIKeyID != keyID {
		t.Errorf("api key id = %v, want 7", result.Identity.APIKeyID)
	}
	if result.Identity.Unlimited {
		t.Error("regular key must be budget-enforced")
	}
}

func TestAuthenticateUnlimitedKey(t *testing.T) {
	store := newMockKeyStore(&rawKey{
		secret: "en_admin",
		key:    APIKey{ID: 1, UserID: 1, IsActive: true, IsUnlimited: true},
	})
	a := NewAuthenticator(store, "")

	result, err := a.Authenticate(context.Background(), "Bearer en_admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Identity.Unlimited {
		t.Error("unlimited key must bypass budgets")
	}
}

func TestAuthenticateInactiveKey(t *testing.T) {
	store := newMockKeyStore(&rawKey{
		secret: "en_dead",
		key:    APIKey{ID: 1, UserID: 1, IsActive: false},
	})
	a := NewAuthenticator(store, "")

	if _, err := a.Authenticate(context.Background(), "Bearer en_dead"); !errors.Is(err, ErrKeyInactive) {
		t.Errorf("err = %v, want ErrKeyInactive", err)
	}
}

func TestAuthenticateExpiredKey(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	store := newMockKeyStore(&rawKey{
		secret: "en_old",
		key:    APIKey{ID: 1, UserID: 1, IsActive: true, ExpiresAt: &past},
	})
	a := NewAuthenticator(store, "")

	if _, err := a.Authenticate(context.Background(), "Bearer en_old"); !errors.Is(err, ErrKeyInactive) {
		t.Errorf("err = %v, want ErrKeyInactive", err)
	}
}

func TestAuthenticateUnknownKey(t *testing.T) {
	a := NewAuthenticator(newMockKeyStore(), "")
	if _, err := a.Authenticate(context.Background(), "Bearer en_nope"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticateMissingBearer(t *testing.T) {
	a := NewAuthenticator(newMockKeyStore(), "secret")

	for _, header := range []string{"", "Basic dXNlcg==", "Bearer ", "en_raw_without_scheme"} {
		if _, err := a.Authenticate(context.Background(), header); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("header %q: err = %v, want ErrInvalidCredentials", header, err)
		}
	}
}

func TestAuthenticateJWT(t *testing.T) {
	a := NewAuthenticator(newMockKeyStore(), "topsecret")

	result, err := a.Authenticate(context.Background(), "Bearer "+signedJWT(t, "topsecret", 99))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Identity.UserID != 99 {
		t.Errorf("user = %d, want 99", result.Identity.UserID)
	}
	if !result.Identity.Unlimited {
		t.Error("session users are budget-exempt")
	}
	if result.APIKey != nil {
		t.Error("session auth must not carry an api key")
	}
}

func TestAuthenticateJWTBadSignature(t *testing.T) {
	a := NewAuthenticator(newMockKeyStore(), "topsecret")

	if _, err := a.Authenticate(context.Background(), "Bearer "+signedJWT(t, "wrong", 99)); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticateJWTDisabled(t *testing.T) {
	a := NewAuthenticator(newMockKeyStore(), "")

	if _, err := a.Authenticate(context.Background(), "Bearer "+signedJWT(t, "any", 99)); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials when JWT disabled", err)
	}
}

func TestHashAPIKeyDeterministic(t *testing.T) {
	if HashAPIKey("en_x") != HashAPIKey("en_x") {
		t.Error("hash must be deterministic")
	}
	if HashAPIKey("en_x") == HashAPIKey("en_y") {
		t.Error("distinct keys must hash differently")
	}
	if len(HashAPIKey("en_x")) != 64 {
		t.Error("hash must be hex sha-256")
	}
}
