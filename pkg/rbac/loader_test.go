package rbac

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kelpielabs/gatehouse/pkg/auth"
)

func writeOverlay(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write overlay: %v", err)
	}
}

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	writeOverlay(t, path, `
operations:
  list_documents: [end_user, project_admin]
  register_tenant: []
  search_documents: [viewer]
`)

	overlay, err := LoadOverlay(path)
	if err != nil {
		t.Fatalf("LoadOverlay() error = %v", err)
	}

	if len(overlay["list_documents"]) != 2 {
		t.Errorf("list_documents roles = %v, want 2 roles", overlay["list_documents"])
	}
	if len(overlay["register_tenant"]) != 0 {
		t.Errorf("register_tenant roles = %v, want empty", overlay["register_tenant"])
	}
	// Alias roles canonicalize.
	if len(overlay["search_documents"]) != 1 || overlay["search_documents"][0] != auth.RoleEndUser {
		t.Errorf("search_documents roles = %v, want [end_user]", overlay["search_documents"])
	}
}

func TestLoadOverlay_UnknownRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	writeOverlay(t, path, `
operations:
  list_documents: [superuser]
`)

	if _, err := LoadOverlay(path); err == nil {
		t.Fatal("LoadOverlay() with unknown role should error")
	}
}

func TestLoadOverlay_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	writeOverlay(t, path, "operations: [not a map")

	if _, err := LoadOverlay(path); err == nil {
		t.Fatal("LoadOverlay() with broken YAML should error")
	}
}

func TestWatchOverlay_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	writeOverlay(t, path, `
operations:
  upsert_document: [project_admin]
`)

	registry := NewRegistry()
	registry.Register("upsert_document", auth.RoleProjectAdmin, auth.RoleTenantAdmin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := WatchOverlay(ctx, path, registry, testLogger()); err != nil {
		t.Fatalf("WatchOverlay() error = %v", err)
	}

	// Initial overlay applied synchronously.
	if allowed, _ := registry.Allowed("upsert_document", auth.RoleTenantAdmin); allowed {
		t.Error("initial overlay should have restricted upsert_document to project_admin")
	}

	writeOverlay(t, path, `
operations:
  upsert_document: [end_user]
`)

	deadline := time.After(3 * time.Second)
	for {
		if allowed, _ := registry.Allowed("upsert_document", auth.RoleEndUser); allowed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("overlay change was not picked up")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestWatchOverlay_BrokenEditKeepsLastGood(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	writeOverlay(t, path, `
operations:
  upsert_document: [project_admin]
`)

	registry := NewRegistry()
	registry.Register("upsert_document", auth.RoleProjectAdmin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := WatchOverlay(ctx, path, registry, testLogger()); err != nil {
		t.Fatalf("WatchOverlay() error = %v", err)
	}

	writeOverlay(t, path, "operations: [broken")

	// Give the watcher a moment; the last good overlay must survive.
	time.Sleep(200 * time.Millisecond)
	if allowed, _ := registry.Allowed("upsert_document", auth.RoleProjectAdmin); !allowed {
		t.Error("broken overlay edit should not clear existing grants")
	}
}

func TestWatchOverlay_MissingFile(t *testing.T) {
	registry := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := WatchOverlay(ctx, filepath.Join(t.TempDir(), "nope.yaml"), registry, testLogger())
	if err == nil {
		t.Fatal("WatchOverlay() with missing file should error")
	}
}
