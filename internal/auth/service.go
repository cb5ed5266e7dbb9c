// Package auth gates the scheduler's two dangerous admin-recovery endpoints
// (unlock / unlock-all) behind a bcrypt-hashed operator key. Full user
// session authentication is a spec Non-goal; this keeps the teacher's
// bcrypt/API-key pattern (see GenerateAPIKey/ValidateAPIKey in the original
// service.go) narrowed to that one gate.
package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/RoseOO/TapeBackarr/internal/database"
	"github.com/RoseOO/TapeBackarr/internal/models"
)

// ErrInvalidKey is returned when an operator key fails verification.
var ErrInvalidKey = errors.New("invalid operator key")

// Service issues and verifies operator keys.
type Service struct {
	db *database.DB
}

// NewService creates a new operator-key auth service.
func NewService(db *database.DB) *Service {
	return &Service{db: db}
}

// IssueKey generates a new random operator key, stores its bcrypt hash, and
// returns the raw key — shown to the operator exactly once.
func (s *Service) IssueKey(name string) (string, *models.OperatorKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	rawKey := "opk_" + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}

	res, err := s.db.Exec(`INSERT INTO operator_keys (name, key_hash) VALUES (?, ?)`, name, string(hash))
	if err != nil {
		return "", nil, fmt.Errorf("store key: %w", err)
	}
	id, _ := res.LastInsertId()

	return rawKey, &models.OperatorKey{ID: id, Name: name}, nil
}

// Verify checks rawKey against every stored hash and, on a match, stamps
// last_used and returns the matching key's name. Operator-key volumes are
// small (a handful of keys), so a linear scan over bcrypt comparisons is
// cheap and avoids needing a lookup prefix.
func (s *Service) Verify(rawKey string) (string, error) {
	if rawKey == "" {
		return "", ErrInvalidKey
	}

	rows, err := s.db.Query(`SELECT id, name, key_hash FROM operator_keys`)
	if err != nil {
		return "", fmt.Errorf("query operator keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name, hash string
		if err := rows.Scan(&id, &name, &hash); err != nil {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(rawKey)) == nil {
			rows.Close()
			s.db.Exec(`UPDATE operator_keys SET last_used = CURRENT_TIMESTAMP WHERE id = ?`, id)
			return name, nil
		}
	}

	return "", ErrInvalidKey
}

// ListKeys returns every operator key's metadata, never its hash.
func (s *Service) ListKeys() ([]models.OperatorKey, error) {
	rows, err := s.db.Query(`SELECT id, name, created_at, last_used FROM operator_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OperatorKey
	for rows.Next() {
		var k models.OperatorKey
		var lastUsed sql.NullTime
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt, &lastUsed); err != nil {
			continue
		}
		if lastUsed.Valid {
			t := lastUsed.Time
			k.LastUsed = &t
		}
		out = append(out, k)
	}
	return out, nil
}

// RevokeKey deletes an operator key by id.
func (s *Service) RevokeKey(id int64) error {
	_, err := s.db.Exec(`DELETE FROM operator_keys WHERE id = ?`, id)
	return err
}
