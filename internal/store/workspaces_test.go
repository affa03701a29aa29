package store

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"golang.org/x/crypto/bcrypt"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("opening sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func workspaceColumns() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "api_key_hash", "api_key_prefix", "admin",
		"rate_per_minute", "rate_burst", "created_at", "updated_at",
	})
}

func TestGenerateAPIKey(t *testing.T) {
	fullKey, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey returned error: %v", err)
	}

	if !strings.HasPrefix(fullKey, "rk_") {
		t.Errorf("key %q missing rk_ prefix", fullKey)
	}
	if len(fullKey) != 67 {
		t.Errorf("key length = %d, want 67", len(fullKey))
	}
	if prefix != fullKey[:8] {
		t.Errorf("prefix %q is not the first 8 chars of the key", prefix)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(fullKey)); err != nil {
		t.Errorf("hash does not verify against the key: %v", err)
	}
}

func TestGenerateAPIKeyUnique(t *testing.T) {
	a, _, _, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey returned error: %v", err)
	}
	b, _, _, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey returned error: %v", err)
	}
	if a == b {
		t.Error("two generated keys are identical")
	}
}

func TestCreateWorkspace(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	// Hash and prefix are generated inside CreateWorkspace.
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO workspaces")).
		WithArgs("acme", sqlmock.AnyArg(), sqlmock.AnyArg(), true).
		WillReturnRows(workspaceColumns().
			AddRow("ws-1", "acme", "hash", "rk_abcde", true, nil, nil, now, now))

	ws, key, err := st.CreateWorkspace(context.Background(), "acme", true)
	if err != nil {
		t.Fatalf("CreateWorkspace returned error: %v", err)
	}
	if ws.ID != "ws-1" || ws.Name != "acme" || !ws.Admin {
		t.Errorf("workspace = %+v", ws)
	}
	if !strings.HasPrefix(key, "rk_") || len(key) != 67 {
		t.Errorf("plaintext key = %q", key)
	}
	if ws.RatePerMinute != nil || ws.RateBurst != nil {
		t.Error("new workspace has rate overrides")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetWorkspace(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM workspaces WHERE id = $1")).
		WithArgs("ws-1").
		WillReturnRows(workspaceColumns().
			AddRow("ws-1", "acme", "hash", "rk_abcde", false, 120, 20, now, now))

	ws, err := st.GetWorkspace(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("GetWorkspace returned error: %v", err)
	}
	if ws.Name != "acme" {
		t.Errorf("Name = %q", ws.Name)
	}
	if ws.RatePerMinute == nil || *ws.RatePerMinute != 120 {
		t.Errorf("RatePerMinute = %v, want 120", ws.RatePerMinute)
	}
	if ws.RateBurst == nil || *ws.RateBurst != 20 {
		t.Errorf("RateBurst = %v, want 20", ws.RateBurst)
	}
}

func TestGetWorkspace_NotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM workspaces WHERE id = $1")).
		WithArgs("ws-absent").
		WillReturnRows(workspaceColumns())

	ws, err := st.GetWorkspace(context.Background(), "ws-absent")
	if err != nil {
		t.Fatalf("GetWorkspace returned error: %v", err)
	}
	if ws != nil {
		t.Errorf("workspace = %+v, want nil", ws)
	}
}

func TestListWorkspaces(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM workspaces ORDER BY created_at DESC")).
		WillReturnRows(workspaceColumns().
			AddRow("ws-2", "newer", "h2", "rk_bbbbb", false, nil, nil, now, now).
			AddRow("ws-1", "older", "h1", "rk_aaaaa", true, nil, nil, now.Add(-time.Hour), now))

	workspaces, err := st.ListWorkspaces(context.Background())
	if err != nil {
		t.Fatalf("ListWorkspaces returned error: %v", err)
	}
	if len(workspaces) != 2 {
		t.Fatalf("got %d workspaces, want 2", len(workspaces))
	}
	if workspaces[0].ID != "ws-2" || workspaces[1].ID != "ws-1" {
		t.Errorf("order = %s, %s", workspaces[0].ID, workspaces[1].ID)
	}
}

func TestLookupByPrefix(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("FROM workspaces WHERE api_key_prefix = $1")).
		WithArgs("rk_abcde").
		WillReturnRows(workspaceColumns().
			AddRow("ws-1", "acme", "hash", "rk_abcde", false, nil, nil, now, now))

	ws, err := st.LookupByPrefix(context.Background(), "rk_abcde")
	if err != nil {
		t.Fatalf("LookupByPrefix returned error: %v", err)
	}
	if ws == nil || ws.ID != "ws-1" {
		t.Errorf("workspace = %+v", ws)
	}
}

func TestRotateAPIKey(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE workspaces SET")).
		WithArgs("ws-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(workspaceColumns().
			AddRow("ws-1", "acme", "newhash", "rk_new12", false, nil, nil, now, now))

	ws, key, err := st.RotateAPIKey(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("RotateAPIKey returned error: %v", err)
	}
	if ws.APIKeyPrefix != "rk_new12" {
		t.Errorf("APIKeyPrefix = %q", ws.APIKeyPrefix)
	}
	if !strings.HasPrefix(key, "rk_") || len(key) != 67 {
		t.Errorf("rotated key = %q", key)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRotateAPIKey_NotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE workspaces SET")).
		WithArgs("ws-absent", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(workspaceColumns())

	_, _, err := st.RotateAPIKey(context.Background(), "ws-absent")
	if err == nil {
		t.Fatal("RotateAPIKey succeeded for an absent workspace")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error %q does not say not found", err)
	}
}
