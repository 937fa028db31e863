// Package auth issues and verifies the bearer credentials accepted by the
// HTTP surface: either a per-client key stored in Postgres, or the
// master key configured via MASTER_API_KEY, compared in constant time.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/medevidence/ingest-service/internal/core/domain"
	"github.com/medevidence/ingest-service/internal/core/ports"
)

// CredentialService implements ports.CredentialIssuer.
type CredentialService struct {
	repo      ports.APIKeyRepository
	masterKey string
}

func NewCredentialService(repo ports.APIKeyRepository, masterKey string) *CredentialService {
	return &CredentialService{repo: repo, masterKey: strings.TrimSpace(masterKey)}
}

// Register provisions a new bearer key with the given name and role.
func (s *CredentialService) Register(ctx context.Context, name string, role domain.APIKeyRole) (domain.APIKey, error) {
	token, err := newToken()
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("generate api key: %w", err)
	}
	if role == "" {
		role = domain.APIKeyRoleUser
	}
	key := domain.APIKey{
		Key:       token,
		Name:      name,
		Role:      role,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, key); err != nil {
		return domain.APIKey{}, fmt.Errorf("persist api key: %w", err)
	}
	return key, nil
}

// Verify checks a presented bearer token against the configured master key
// (constant-time, never touching the database) and falls back to the
// issued-key store. An inactive or unknown key is unauthorized.
func (s *CredentialService) Verify(ctx context.Context, presentedKey string) (*domain.APIKey, error) {
	presentedKey = strings.TrimSpace(presentedKey)
	if presentedKey == "" {
		return nil, domain.ErrUnauthorized
	}

	if s.masterKey != "" && constantTimeEqual(presentedKey, s.masterKey) {
		return &domain.APIKey{Key: presentedKey, Name: "master", Role: domain.APIKeyRoleAdmin, IsActive: true}, nil
	}

	key, err := s.repo.FindByKey(ctx, presentedKey)
	if err != nil {
		return nil, domain.WrapError(domain.ErrUnauthorized, "verify api key", err)
	}
	if key == nil || !key.IsActive {
		return nil, domain.ErrUnauthorized
	}
	_ = s.repo.Touch(ctx, presentedKey)
	return key, nil
}

// constantTimeEqual compares two bearer tokens without leaking timing
// information about a partial match, unlike a plain == comparison.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sk-" + hex.EncodeToString(buf), nil
}
