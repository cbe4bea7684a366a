package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "dubwire.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGetRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, NSMix, "state", []byte(`{"preset":"both"}`)); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get(ctx, NSMix, "state")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `{"preset":"both"}` {
		t.Errorf("Get() = %q, want %q", got, `{"preset":"both"}`)
	}
}

func TestStore_PutReplacesExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, NSQuota, "snapshot", []byte("old")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, NSQuota, "snapshot", []byte("new")); err != nil {
		t.Fatalf("Put() second error = %v", err)
	}

	got, err := s.Get(ctx, NSQuota, "snapshot")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "new" {
		t.Errorf("Get() = %q, want %q", got, "new")
	}
}

func TestStore_GetMissingKey(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get(context.Background(), NSAccount, "info")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestStore_NamespacesAreIsolated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, NSCredential, "token", []byte("secret")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, err := s.Get(ctx, NSAccount, "token"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() across namespaces error = %v, want ErrNotFound", err)
	}
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, NSCredential, "token", []byte("secret")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Delete(ctx, NSCredential, "token"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, NSCredential, "token"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}

	// Deleting again must stay silent.
	if err := s.Delete(ctx, NSCredential, "token"); err != nil {
		t.Errorf("Delete() of missing key error = %v, want nil", err)
	}
}

func TestStore_ClearWipesAllNamespaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, ns := range []string{NSCredential, NSAccount, NSQuota, NSMix} {
		if err := s.Put(ctx, ns, "k", []byte("v")); err != nil {
			t.Fatalf("Put(%s) error = %v", ns, err)
		}
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	for _, ns := range []string{NSCredential, NSAccount, NSQuota, NSMix} {
		if _, err := s.Get(ctx, ns, "k"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%s) after clear error = %v, want ErrNotFound", ns, err)
		}
	}
}

func TestStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dubwire.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Put(ctx, NSMix, "state", []byte("persisted")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() second error = %v", err)
	}
	defer s2.Close()

	got, err := s2.Get(ctx, NSMix, "state")
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if string(got) != "persisted" {
		t.Errorf("Get() = %q, want %q", got, "persisted")
	}
}

func TestStore_Ping(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}
