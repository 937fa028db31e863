package auth

import (
	"context"
	"testing"
	"time"

	"github.com/medevidence/ingest-service/internal/core/domain"
)

type fakeAPIKeyRepo struct {
	keys map[string]domain.APIKey
}

func newFakeAPIKeyRepo() *fakeAPIKeyRepo {
	return &fakeAPIKeyRepo{keys: make(map[string]domain.APIKey)}
}

func (f *fakeAPIKeyRepo) Create(_ context.Context, key domain.APIKey) error {
	f.keys[key.Key] = key
	return nil
}

func (f *fakeAPIKeyRepo) FindByKey(_ context.Context, key string) (*domain.APIKey, error) {
	found, ok := f.keys[key]
	if !ok {
		return nil, nil
	}
	return &found, nil
}

func (f *fakeAPIKeyRepo) Touch(_ context.Context, key string) error {
	found, ok := f.keys[key]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	found.LastUsedAt = &now
	f.keys[key] = found
	return nil
}

func TestVerifyAcceptsMasterKeyWithoutTouchingRepo(t *testing.T) {
	repo := newFakeAPIKeyRepo()
	svc := NewCredentialService(repo, "super-secret-master")

	key, err := svc.Verify(context.Background(), "super-secret-master")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if key.Role != domain.APIKeyRoleAdmin {
		t.Fatalf("expected admin role for master key, got %s", key.Role)
	}
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	repo := newFakeAPIKeyRepo()
	svc := NewCredentialService(repo, "master")

	_, err := svc.Verify(context.Background(), "sk-does-not-exist")
	if !domain.IsKind(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestVerifyRejectsInactiveKey(t *testing.T) {
	repo := newFakeAPIKeyRepo()
	svc := NewCredentialService(repo, "master")

	issued, err := svc.Register(context.Background(), "client-a", domain.APIKeyRoleUser)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	stored := repo.keys[issued.Key]
	stored.IsActive = false
	repo.keys[issued.Key] = stored

	_, err = svc.Verify(context.Background(), issued.Key)
	if !domain.IsKind(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for inactive key, got %v", err)
	}
}

func TestRegisterIssuesUniqueSkPrefixedKeys(t *testing.T) {
	repo := newFakeAPIKeyRepo()
	svc := NewCredentialService(repo, "master")

	first, err := svc.Register(context.Background(), "client-a", domain.APIKeyRoleUser)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	second, err := svc.Register(context.Background(), "client-b", domain.APIKeyRoleUser)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if first.Key == second.Key {
		t.Fatalf("expected distinct keys, got duplicate %q", first.Key)
	}
	if len(first.Key) < 4 || first.Key[:3] != "sk-" {
		t.Fatalf("expected sk- prefixed key, got %q", first.Key)
	}

	verified, err := svc.Verify(context.Background(), first.Key)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if verified.Name != "client-a" {
		t.Fatalf("expected verified key name client-a, got %q", verified.Name)
	}
}
