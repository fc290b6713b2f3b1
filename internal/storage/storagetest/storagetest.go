// Package storagetest holds behaviour tests shared by every storage.Store
// implementation.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tjfontaine/carecall/internal/storage"
)

// Run exercises store semantics against a fresh store from newStore.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("Contact", func(t *testing.T) { testContact(t, newStore(t)) })
	t.Run("NewsletterDuplicate", func(t *testing.T) { testNewsletter(t, newStore(t)) })
	t.Run("UserUpsert", func(t *testing.T) { testUserUpsert(t, newStore(t)) })
	t.Run("CallSummary", func(t *testing.T) { testCallSummary(t, newStore(t)) })
	t.Run("SessionEvents", func(t *testing.T) { testSessionEvents(t, newStore(t)) })
}

func testContact(t *testing.T, s storage.Store) {
	c := &storage.Contact{Name: "Ada", Email: "ada@example.com", Subject: "Hours", Message: "When are you open?"}
	if err := s.CreateContact(context.Background(), c); err != nil {
		t.Fatalf("CreateContact() error = %v", err)
	}
	if c.ID == "" {
		t.Error("CreateContact() should assign an id")
	}
	if c.CreatedAt.IsZero() {
		t.Error("CreateContact() should stamp CreatedAt")
	}
}

func testNewsletter(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.Subscribe(ctx, &storage.NewsletterSubscription{Email: "a@example.com"}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	err := s.Subscribe(ctx, &storage.NewsletterSubscription{Email: "a@example.com"})
	if !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("second Subscribe() error = %v, want ErrDuplicate", err)
	}
	if err := s.Subscribe(ctx, &storage.NewsletterSubscription{Email: "b@example.com"}); err != nil {
		t.Fatalf("Subscribe(other) error = %v", err)
	}
}

func testUserUpsert(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := &storage.User{ID: "user_2abc", Email: "old@example.com", FirstName: "Grace"}
	if err := s.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	first, err := s.GetUser(ctx, "user_2abc")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}

	if err := s.UpsertUser(ctx, &storage.User{ID: "user_2abc", Email: "new@example.com", FirstName: "Grace", LastName: "Hopper"}); err != nil {
		t.Fatalf("UpsertUser(update) error = %v", err)
	}
	got, err := s.GetUser(ctx, "user_2abc")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got.Email != "new@example.com" || got.LastName != "Hopper" {
		t.Errorf("user not updated: %+v", got)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on upsert: %v -> %v", first.CreatedAt, got.CreatedAt)
	}

	if err := s.DeleteUser(ctx, "user_2abc"); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}
	if _, err := s.GetUser(ctx, "user_2abc"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetUser() after delete error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteUser(ctx, "user_2abc"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("DeleteUser() twice error = %v, want ErrNotFound", err)
	}
}

func testCallSummary(t *testing.T, s storage.Store) {
	ctx := context.Background()
	analysis := json.RawMessage(`{"summary":"fever","structuredData":{"followUpRequired":true}}`)

	c := &storage.CallSummary{
		CallID:      "5f4b3c1e-8d2a-4e6f-9b1c-2a3d4e5f6a7b",
		UserID:      "user_1",
		Summary:     "Two-day fever.",
		Transcript:  "AI: Hello",
		Analysis:    analysis,
		EndedReason: "customer-ended-call",
		Cost:        0.18,
	}
	if err := s.SaveCallSummary(ctx, c); err != nil {
		t.Fatalf("SaveCallSummary() error = %v", err)
	}

	dup := &storage.CallSummary{CallID: c.CallID, UserID: "user_2", Summary: "other"}
	if err := s.SaveCallSummary(ctx, dup); !errors.Is(err, storage.ErrDuplicate) {
		t.Fatalf("duplicate SaveCallSummary() error = %v, want ErrDuplicate", err)
	}

	got, err := s.GetCallSummary(ctx, c.CallID)
	if err != nil {
		t.Fatalf("GetCallSummary() error = %v", err)
	}
	if got.UserID != "user_1" || got.Summary != "Two-day fever." || got.EndedReason != "customer-ended-call" {
		t.Errorf("unexpected summary: %+v", got)
	}
	var decoded map[string]any
	if err := json.Unmarshal(got.Analysis, &decoded); err != nil || decoded["summary"] != "fever" {
		t.Errorf("analysis did not round trip: %s (%v)", got.Analysis, err)
	}

	if _, err := s.GetCallSummary(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetCallSummary(missing) error = %v, want ErrNotFound", err)
	}

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		err := s.SaveCallSummary(ctx, &storage.CallSummary{
			CallID:    fmt.Sprintf("call-%d", i),
			UserID:    "user_3",
			Summary:   fmt.Sprintf("summary %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("SaveCallSummary(%d) error = %v", i, err)
		}
	}
	list, err := s.ListCallSummaries(ctx, "user_3", 2)
	if err != nil {
		t.Fatalf("ListCallSummaries() error = %v", err)
	}
	if len(list) != 2 || list[0].CallID != "call-2" || list[1].CallID != "call-1" {
		t.Errorf("ListCallSummaries() newest first = %+v", list)
	}
}

func testSessionEvents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	base := time.Now().UTC()
	phases := []string{"connecting", "active", "ending", "ended"}
	for i, p := range phases {
		ev := &storage.SessionEvent{
			SessionID: "sess-1",
			UserID:    "user_1",
			Phase:     p,
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.AppendSessionEvent(ctx, ev); err != nil {
			t.Fatalf("AppendSessionEvent(%s) error = %v", p, err)
		}
	}
	if err := s.AppendSessionEvent(ctx, &storage.SessionEvent{SessionID: "sess-2", Phase: "connecting"}); err != nil {
		t.Fatalf("AppendSessionEvent(other) error = %v", err)
	}

	events, err := s.ListSessionEvents(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ListSessionEvents() error = %v", err)
	}
	if len(events) != len(phases) {
		t.Fatalf("len(events) = %d, want %d", len(events), len(phases))
	}
	for i, ev := range events {
		if ev.Phase != phases[i] {
			t.Errorf("events[%d].Phase = %s, want %s", i, ev.Phase, phases[i])
		}
	}
}
