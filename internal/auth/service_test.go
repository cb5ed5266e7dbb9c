package auth

import (
	"path/filepath"
	"testing"

	"github.com/RoseOO/TapeBackarr/internal/database"
)

func setupTestDB(t *testing.T) *database.DB {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := database.New(dbPath)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	return db
}

func TestIssueAndVerifyKey(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	svc := NewService(db)

	rawKey, key, err := svc.IssueKey("operator-a")
	if err != nil {
		t.Fatalf("failed to issue key: %v", err)
	}
	if rawKey == "" {
		t.Fatal("expected non-empty raw key")
	}
	if key.Name != "operator-a" {
		t.Errorf("expected name 'operator-a', got %q", key.Name)
	}

	name, err := svc.Verify(rawKey)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if name != "operator-a" {
		t.Errorf("expected name 'operator-a', got %q", name)
	}
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	svc := NewService(db)

	if _, err := svc.IssueKey("operator-a"); err != nil {
		t.Fatalf("failed to issue key: %v", err)
	}

	_, err := svc.Verify("opk_not-a-real-key")
	if err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestVerifyRejectsEmptyKey(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	svc := NewService(db)

	_, err := svc.Verify("")
	if err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestListAndRevokeKey(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	svc := NewService(db)

	rawA, firstKey, err := svc.IssueKey("operator-a")
	if err != nil {
		t.Fatalf("failed to issue key: %v", err)
	}
	rawB, _, err := svc.IssueKey("operator-b")
	if err != nil {
		t.Fatalf("failed to issue key: %v", err)
	}

	keys, err := svc.ListKeys()
	if err != nil {
		t.Fatalf("failed to list keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}

	if err := svc.RevokeKey(firstKey.ID); err != nil {
		t.Fatalf("failed to revoke key: %v", err)
	}

	keys, err = svc.ListKeys()
	if err != nil {
		t.Fatalf("failed to list keys: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 key after revoke, got %d", len(keys))
	}

	// The revoked key must no longer verify; the other operator's key still does.
	if _, err := svc.Verify(rawA); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey for the revoked key, got %v", err)
	}
	if _, err := svc.Verify(rawB); err != nil {
		t.Fatalf("expected operator-b's key to still verify: %v", err)
	}
}
