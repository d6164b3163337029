// Package apikey generates, hashes and bootstraps API keys. Raw keys are
// shown once; only the bcrypt hash and an 8-character lookup prefix are
// stored.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cliprelay/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// PrefixLen is how many leading characters of a raw key are stored in the
// clear for lookup.
const PrefixLen = 8

const rawPrefix = "cr_"

var ErrMalformed = errors.New("malformed api key")

// Store is the persistence the bootstrap needs.
type Store interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// Generate returns a new random raw key.
func Generate() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return rawPrefix + hex.EncodeToString(b), nil
}

// Prefix returns the lookup prefix of raw.
func Prefix(raw string) (string, error) {
	if len(raw) < PrefixLen {
		return "", ErrMalformed
	}
	return raw[:PrefixLen], nil
}

// Matches reports whether raw hashes to hash.
func Matches(hash, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}

// New builds a hashed key record for raw.
func New(accountID uuid.UUID, name, raw string, scopes []string) (*models.APIKey, error) {
	prefix, err := Prefix(raw)
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash api key: %w", err)
	}
	if len(scopes) == 0 {
		scopes = []string{"read", "write"}
	}

	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		AccountID: accountID,
		Name:      strings.TrimSpace(name),
		KeyHash:   string(hash),
		KeyPrefix: prefix,
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// EnsureBootstrap stores raw as an admin key for accountID unless an
// active key with the same value already exists.
func EnsureBootstrap(ctx context.Context, s Store, accountID uuid.UUID, raw string) error {
	prefix, err := Prefix(raw)
	if err != nil {
		return err
	}

	existing, err := s.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		return fmt.Errorf("look up bootstrap key: %w", err)
	}
	for _, k := range existing {
		if Matches(k.KeyHash, raw) {
			return nil
		}
	}

	key, err := New(accountID, "bootstrap", raw, []string{"read", "write", "admin"})
	if err != nil {
		return err
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("create bootstrap key: %w", err)
	}
	slog.Info("bootstrap api key created", "key_prefix", prefix, "account_id", accountID)
	return nil
}
