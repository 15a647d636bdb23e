package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	key := domain.APIKey{
		ID:        "key-1",
		ActorID:   "worker-1",
		Name:      "ci",
		KeyHash:   HashAPIKey("  s3cret  "),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Lookup goes through the hash of the trimmed plaintext.
	got, err := r.GetAPIKeyByHash(ctx, HashAPIKey("s3cret"))
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.ActorID != "worker-1" || got.Name != "ci" {
		t.Fatalf("got %+v", got)
	}

	if _, err := r.GetAPIKeyByHash(ctx, HashAPIKey("wrong")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	keys, err := r.ListAPIKeys(ctx, "worker-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != "key-1" {
		t.Fatalf("keys = %+v", keys)
	}

	if err := r.DeleteAPIKey(ctx, "key-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "key-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestInsertAPIKeyValidation(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ActorID: "a", KeyHash: "h"}); err == nil {
		t.Fatal("expected error for missing id")
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k", KeyHash: "h"}); err == nil {
		t.Fatal("expected error for missing actor_id")
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k", ActorID: "a"}); err == nil {
		t.Fatal("expected error for missing key_hash")
	}
}
