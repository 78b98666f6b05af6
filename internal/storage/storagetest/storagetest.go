package storagetest

import (
	"context"
	"fmt"
	"testing"

	"counselbot/internal/config"
	"counselbot/internal/models"
	"counselbot/internal/storage"
)

// Open returns a migrated in-memory sqlite store closed at test end.
func Open(t testing.TB) *storage.Store {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	store, err := storage.NewStore(db, "sqlite3")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

// CreateUser inserts a user with the given id and role.
func CreateUser(t testing.TB, store *storage.Store, id int64, role models.Role) *models.User {
	t.Helper()
	u := &models.User{
		ID:          id,
		Username:    fmt.Sprintf("user%d", id),
		DisplayName: fmt.Sprintf("User %d", id),
		Role:        role,
	}
	if err := store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user %d: %v", id, err)
	}
	return u
}
