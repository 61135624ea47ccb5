package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bizagent/pkg/bus"
	"bizagent/pkg/logger"
	"bizagent/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenGorm("sqlite", filepath.Join(t.TempDir(), "conversations.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close(db) })
	store, err := NewStore(logger.NewNop(), db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestCreateAndAppendMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.Create(ctx, CreateInput{BusinessID: "biz-1", LinkID: "link-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conv.Status != StatusActive || conv.MessageCount != 0 {
		t.Fatalf("unexpected new conversation: %+v", conv)
	}

	if _, err := store.AppendMessage(ctx, conv.ID, RoleUser, "hi", 0); err != nil {
		t.Fatalf("append user: %v", err)
	}
	msg, err := store.AppendMessage(ctx, conv.ID, RoleAssistant, "Hello!", 3)
	if err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	if msg.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", msg.Seq)
	}

	messages, err := store.Messages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(messages) != 2 || messages[0].Role != RoleUser || messages[1].Content != "Hello!" {
		t.Fatalf("unexpected messages: %+v", messages)
	}

	loaded, err := store.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.MessageCount != 2 {
		t.Fatalf("expected message_count 2, got %d", loaded.MessageCount)
	}

	if _, err := store.AppendMessage(ctx, "missing", RoleUser, "x", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.AppendMessage(ctx, conv.ID, "system", "x", 0); err == nil {
		t.Fatalf("expected role validation error")
	}
}

func TestAppendMessageCountsConcurrentWriters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conv, err := store.Create(ctx, CreateInput{BusinessID: "biz-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.AppendMessage(ctx, conv.ID, RoleUser, "ping", 0); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	loaded, err := store.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.MessageCount != writers {
		t.Fatalf("expected %d messages counted, got %d", writers, loaded.MessageCount)
	}
	messages, _ := store.Messages(ctx, conv.ID)
	for i, msg := range messages {
		if msg.Seq != i+1 {
			t.Fatalf("expected contiguous seq, got %d at %d", msg.Seq, i)
		}
	}
}

func TestCompleteFloorsDurationOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return start })
	conv, err := store.Create(ctx, CreateInput{BusinessID: "biz-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	done, err := store.Complete(ctx, conv.ID, start.Add(125*time.Second+900*time.Millisecond))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusCompleted || done.DurationSeconds != 125 || done.EndedAt == nil {
		t.Fatalf("unexpected completed conversation: %+v", done)
	}

	if _, err := store.Complete(ctx, conv.ID, start.Add(time.Hour)); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}

	early, _ := store.Create(ctx, CreateInput{BusinessID: "biz-1"})
	clamped, err := store.Complete(ctx, early.ID, start.Add(-time.Minute))
	if err != nil {
		t.Fatalf("complete early: %v", err)
	}
	if clamped.DurationSeconds != 0 {
		t.Fatalf("expected clamped duration, got %d", clamped.DurationSeconds)
	}
}

func TestFindResumable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, _ := store.Create(ctx, CreateInput{BusinessID: "biz-1", LinkID: "link-1"})

	found, err := store.FindResumable(ctx, "link-1", conv.ID)
	if err != nil || found.ID != conv.ID {
		t.Fatalf("expected resumable conversation, got %v %v", found, err)
	}
	if _, err := store.FindResumable(ctx, "link-2", conv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected other link to miss, got %v", err)
	}
	if _, err := store.FindResumable(ctx, "link-1", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected empty id to miss, got %v", err)
	}

	if _, err := store.Complete(ctx, conv.ID, time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := store.FindResumable(ctx, "link-1", conv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected completed conversation to miss, got %v", err)
	}
}

func TestRecordToolActivity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conv, _ := store.Create(ctx, CreateInput{BusinessID: "biz-1", Metadata: map[string]any{"channel": "web"}})

	err := store.recordToolActivity(ctx, &bus.Activity{
		Kind:           bus.KindToolFinished,
		ConversationID: conv.ID,
		Data:           map[string]any{"tool": "get_business_info", "success": false},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordAction(ctx, conv.ID, Action{Type: "note", Name: "record_note", Detail: "wants a call back"}); err != nil {
		t.Fatalf("record note: %v", err)
	}
	if err := store.UpdateMetadata(ctx, conv.ID, map[string]any{"locale": "es"}); err != nil {
		t.Fatalf("update metadata: %v", err)
	}

	loaded, _ := store.Get(ctx, conv.ID)
	if len(loaded.Actions) != 2 {
		t.Fatalf("expected 2 actions, got %+v", loaded.Actions)
	}
	first := loaded.Actions[0]
	if first.Name != "get_business_info" || first.Success == nil || *first.Success {
		t.Fatalf("unexpected tool action %+v", first)
	}
	if loaded.Metadata["channel"] != "web" || loaded.Metadata["locale"] != "es" {
		t.Fatalf("unexpected metadata %v", loaded.Metadata)
	}

	list, err := store.List(ctx, "biz-1", 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one conversation listed, got %d %v", len(list), err)
	}
}
