package sessions

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newSession(id string) Session {
	now := time.Now().UTC()
	return Session{
		ID:        id,
		UserID:    "user-1",
		Status:    StatusPending,
		Files:     []FileEntry{{DocumentID: "doc-1", Name: "a.pdf", Status: FilePending}},
		Errors:    []string{},
		Warnings:  []string{},
		StartTime: now,
		CreatedAt: now,
	}
}

func TestMemoryRegistryCreateAndGet(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	if err := reg.Create(ctx, newSession("s1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.Create(ctx, newSession("s1")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}

	got, err := reg.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Mutating the returned snapshot must not touch the stored session.
	got.Files[0].Status = FileFailed
	again, _ := reg.Get(ctx, "s1")
	if again.Files[0].Status != FilePending {
		t.Fatalf("Get must return deep copies")
	}

	if _, err := reg.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryRegistryUpdateNotifiesSubscribers(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	if err := reg.Create(ctx, newSession("s1")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var got []string
	unsubscribe := reg.Subscribe("s1", func(s Session) {
		got = append(got, s.Status)
	})
	defer unsubscribe()

	if _, err := reg.Update(ctx, "s1", func(s *Session) { s.Status = StatusProcessing }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := reg.Update(ctx, "s1", func(s *Session) { s.Status = StatusCompleted }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	// Subscription ends at the terminal update; this one must not notify.
	if _, err := reg.Update(ctx, "s1", func(s *Session) {}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if len(got) != 2 || got[0] != StatusProcessing || got[1] != StatusCompleted {
		t.Fatalf("unexpected notifications: %v", got)
	}
}

func TestMemoryRegistrySweep(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	old := newSession("old")
	old.Status = StatusCompleted
	ended := time.Now().UTC().Add(-2 * time.Hour)
	old.EndTime = &ended
	if err := reg.Create(ctx, old); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.Create(ctx, newSession("live")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	removed, err := reg.Sweep(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := reg.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old session must be evicted")
	}
	if _, err := reg.Get(ctx, "live"); err != nil {
		t.Fatalf("live session must survive: %v", err)
	}
}
