package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestGenerateAndValidateKey(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := m.GenerateKey(ctx, "user_1", "test key")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("raw key missing sk_ prefix: %s", rawKey)
	}
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("key ID missing ak_ prefix: %s", key.ID)
	}
	if key.Hash == rawKey {
		t.Error("raw key must not be stored verbatim")
	}

	got, err := m.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("validate key: %v", err)
	}
	if got.UserID != "user_1" {
		t.Errorf("expected user_1, got %s", got.UserID)
	}

	// The Authorization header arrives with the scheme attached.
	got, err = m.ValidateKey(ctx, "Bearer "+rawKey)
	if err != nil {
		t.Fatalf("validate bearer key: %v", err)
	}
	if got.ID != key.ID {
		t.Errorf("expected key %s, got %s", key.ID, got.ID)
	}
}

func TestValidateKey_Rejections(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	if _, err := m.ValidateKey(ctx, ""); err != ErrNoAPIKey {
		t.Errorf("empty key: expected ErrNoAPIKey, got %v", err)
	}
	if _, err := m.ValidateKey(ctx, "pk_wrongprefix"); err != ErrInvalidAPIKey {
		t.Errorf("wrong prefix: expected ErrInvalidAPIKey, got %v", err)
	}
	if _, err := m.ValidateKey(ctx, "sk_unknown"); err != ErrInvalidAPIKey {
		t.Errorf("unknown key: expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestValidateKey_RevokedAndExpired(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store)
	ctx := context.Background()

	rawKey, key, err := m.GenerateKey(ctx, "user_1", "doomed")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	if err := m.RevokeKey(ctx, key.ID, "user_1"); err != nil {
		t.Fatalf("revoke key: %v", err)
	}
	if _, err := m.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("revoked key: expected ErrInvalidAPIKey, got %v", err)
	}

	rawKey2, key2, err := m.GenerateKey(ctx, "user_1", "stale")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	key2.ExpiresAt = &past
	if err := store.Update(ctx, key2); err != nil {
		t.Fatalf("update key: %v", err)
	}
	if _, err := m.ValidateKey(ctx, rawKey2); err != ErrInvalidAPIKey {
		t.Errorf("expired key: expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestRevokeKey_OwnershipEnforced(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	_, key, err := m.GenerateKey(ctx, "user_1", "mine")
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	if err := m.RevokeKey(ctx, key.ID, "user_2"); err != ErrKeyNotFound {
		t.Errorf("foreign revoke: expected ErrKeyNotFound, got %v", err)
	}
}

func TestListUserIDs_Deduplicates(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	for _, userID := range []string{"user_1", "user_1", "user_2"} {
		if _, _, err := m.GenerateKey(ctx, userID, "k"); err != nil {
			t.Fatalf("generate key: %v", err)
		}
	}

	ids, err := m.store.ListUserIDs(ctx)
	if err != nil {
		t.Fatalf("list user ids: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 distinct users, got %v", ids)
	}
}
