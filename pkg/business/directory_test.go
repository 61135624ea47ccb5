package business

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"bizagent/pkg/logger"
	"bizagent/pkg/storage"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	db, err := storage.OpenGorm("sqlite", filepath.Join(t.TempDir(), "business.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close(db) })
	dir, err := NewDirectory(logger.NewNop(), db)
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	return dir
}

func TestDirectoryCreateGetAndSettings(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	created, err := dir.Create(ctx, CreateInput{
		Name:     "  Salon Aurora ",
		Timezone: "Europe/Madrid",
		Settings: map[string]any{SettingWelcomeMessage: " Welcome to Aurora! "},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Name != "Salon Aurora" {
		t.Fatalf("expected trimmed name, got %q", created.Name)
	}

	loaded, err := dir.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := loaded.Setting(SettingWelcomeMessage); got != "Welcome to Aurora!" {
		t.Fatalf("unexpected welcome setting %q", got)
	}

	updated, err := dir.UpdateSettings(ctx, created.ID, map[string]any{
		SettingAgentName:      "Ada",
		SettingWelcomeMessage: nil,
	})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if updated.Setting(SettingAgentName) != "Ada" {
		t.Fatalf("expected agent name setting, got %v", updated.Settings)
	}
	if updated.Setting(SettingWelcomeMessage) != "" {
		t.Fatalf("expected welcome message removed, got %v", updated.Settings)
	}
}

func TestDirectoryGetMissing(t *testing.T) {
	dir := newTestDirectory(t)
	if _, err := dir.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := dir.Create(context.Background(), CreateInput{Name: " "}); err == nil {
		t.Fatalf("expected name validation error")
	}
}
