package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestLoadIsStable(t *testing.T) {
	dir := t.TempDir()

	first, err := Load(dir)
	if err != nil {
		t.Fatalf("Failed to load identity: %v", err)
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Errorf("Expected a UUID, got %q: %v", first, err)
	}

	second, err := Load(dir)
	if err != nil {
		t.Fatalf("Failed to reload identity: %v", err)
	}
	if second != first {
		t.Errorf("Expected stable id across loads, got %q then %q", first, second)
	}
}

func TestLoadSurvivesStoreReset(t *testing.T) {
	dir := t.TempDir()

	first, err := Load(dir)
	if err != nil {
		t.Fatalf("Failed to load identity: %v", err)
	}

	// Wiping the event store must not touch the identity file.
	storePath := filepath.Join(dir, "events.db")
	if err := os.WriteFile(storePath, []byte("placeholder"), 0o644); err != nil {
		t.Fatalf("Failed to create store file: %v", err)
	}
	if err := os.Remove(storePath); err != nil {
		t.Fatalf("Failed to remove store file: %v", err)
	}

	second, err := Load(dir)
	if err != nil {
		t.Fatalf("Failed to reload identity: %v", err)
	}
	if second != first {
		t.Errorf("Expected id to survive store reset, got %q then %q", first, second)
	}
}

func TestLoadRegeneratesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "client_id"), []byte("  \n"), 0o644); err != nil {
		t.Fatalf("Failed to seed empty file: %v", err)
	}

	id, err := Load(dir)
	if err != nil {
		t.Fatalf("Failed to load identity: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("Expected a fresh UUID, got %q", id)
	}
}
