package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/medevidence/ingest-service/internal/core/domain"
)

func newAPIKeyRepoWithMock(t *testing.T) (*APIKeyRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return &APIKeyRepository{db: db}, mock, func() { _ = db.Close() }
}

func TestFindByKeyReturnsNilWhenMissing(t *testing.T) {
	repo, mock, done := newAPIKeyRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT key, name, role").
		WithArgs("sk-missing").
		WillReturnRows(sqlmock.NewRows([]string{"key", "name", "role", "is_active", "created_at", "last_used_at"}))

	key, err := repo.FindByKey(context.Background(), "sk-missing")
	if err != nil {
		t.Fatalf("FindByKey() error = %v", err)
	}
	if key != nil {
		t.Fatalf("expected nil key for unknown token, got %+v", key)
	}
}

func TestFindByKeyScansActiveKey(t *testing.T) {
	repo, mock, done := newAPIKeyRepoWithMock(t)
	defer done()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"key", "name", "role", "is_active", "created_at", "last_used_at"}).
		AddRow("sk-abc", "client-a", "user", true, now, nil)
	mock.ExpectQuery("SELECT key, name, role").WithArgs("sk-abc").WillReturnRows(rows)

	key, err := repo.FindByKey(context.Background(), "sk-abc")
	if err != nil {
		t.Fatalf("FindByKey() error = %v", err)
	}
	if key == nil || !key.IsActive || key.Name != "client-a" {
		t.Fatalf("unexpected scanned key: %+v", key)
	}
}

func TestCreateInsertsOnConflictDoNothing(t *testing.T) {
	repo, mock, done := newAPIKeyRepoWithMock(t)
	defer done()

	mock.ExpectExec("INSERT INTO api_keys").
		WithArgs("sk-abc", "client-a", "user", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Create(context.Background(), domain.APIKey{
		Key: "sk-abc", Name: "client-a", Role: domain.APIKeyRoleUser, IsActive: true, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
}
