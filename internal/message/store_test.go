package message

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func msg(id string, at time.Time, content string) *Message {
	return &Message{
		ID:        id,
		RoomID:    "general",
		AuthorID:  "alice",
		Author:    AuthorMeta{DisplayName: "Alice"},
		Kind:      KindText,
		Content:   content,
		CreatedAt: at,
	}
}

func TestStoreInsertAndCount(t *testing.T) {
	s := NewStore(0)

	s.Insert(msg("1", t0, "hello"), ScrollNone)
	s.Insert(msg("2", t0.Add(time.Second), "world"), ScrollNone)

	if s.Count() != 2 {
		t.Fatalf("expected 2 messages, got %d", s.Count())
	}
}

func TestStoreInsertIsIdempotent(t *testing.T) {
	s := NewStore(0)

	if !s.Insert(msg("m1", t0, "hi"), ScrollNone) {
		t.Fatal("first insert should be applied")
	}
	if s.Insert(msg("m1", t0, "hi"), ScrollNone) {
		t.Fatal("second insert of the same id should be a no-op")
	}
	if s.Count() != 1 {
		t.Fatalf("expected exactly 1 message, got %d", s.Count())
	}
}

func TestStoreKeepsCreationOrder(t *testing.T) {
	s := NewStore(0)
	s.Insert(msg("c", t0.Add(2*time.Second), "third"), ScrollNone)
	s.Insert(msg("a", t0, "first"), ScrollNone)
	s.Insert(msg("b", t0.Add(time.Second), "second"), ScrollNone)

	ids := s.IDs()
	if fmt.Sprint(ids) != "[a b c]" {
		t.Fatalf("expected [a b c], got %v", ids)
	}
}

func TestStoreMaxSizeEvictsOldest(t *testing.T) {
	s := NewStore(3)

	for i := 0; i < 5; i++ {
		s.Insert(msg(fmt.Sprintf("%d", i), t0.Add(time.Duration(i)*time.Second), "x"), ScrollNone)
	}

	if s.Count() != 3 {
		t.Fatalf("expected 3 messages (max size), got %d", s.Count())
	}
	if _, ok := s.Get("0"); ok {
		t.Error("expected oldest message to be evicted")
	}
	cursor, _ := s.Cursor()
	if !cursor.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("expected cursor at 2s, got %v", cursor)
	}
}

func TestStoreFullInsertOfOlderMessageKeepsIt(t *testing.T) {
	s := NewStore(3)
	for i := 1; i <= 3; i++ {
		s.Insert(msg(fmt.Sprintf("%d", i), t0.Add(time.Duration(i)*time.Second), "x"), ScrollNone)
	}

	if !s.Insert(msg("old", t0, "refetched"), ScrollNone) {
		t.Fatal("expected insert of an older message to be applied")
	}
	if _, ok := s.Get("old"); !ok {
		t.Fatal("expected the inserted message to stay in a full store")
	}
	if _, err := s.ReplaceContent("old", "edited", t0.Add(time.Minute)); err != nil {
		t.Fatalf("expected edit of the inserted message to succeed, got %v", err)
	}
	if s.Count() != 3 {
		t.Fatalf("expected 3 messages (max size), got %d", s.Count())
	}
	if _, ok := s.Get("1"); ok {
		t.Error("expected the oldest other message to be evicted")
	}
	if ids := fmt.Sprint(s.IDs()); ids != "[old 2 3]" {
		t.Fatalf("expected [old 2 3], got %s", ids)
	}
}

func TestStorePrependOlderPage(t *testing.T) {
	s := NewStore(0)
	s.Insert(msg("new", t0.Add(time.Hour), "latest"), ScrollNone)

	added := s.Prepend([]*Message{
		msg("old1", t0, "a"),
		msg("old2", t0.Add(time.Minute), "b"),
		msg("new", t0.Add(time.Hour), "latest"),
	})
	if added != 2 {
		t.Fatalf("expected 2 added, got %d", added)
	}

	cursor, ok := s.Cursor()
	if !ok || !cursor.Equal(t0) {
		t.Fatalf("expected cursor %v, got %v (ok=%v)", t0, cursor, ok)
	}
	if ids := s.IDs(); fmt.Sprint(ids) != "[old1 old2 new]" {
		t.Errorf("expected [old1 old2 new], got %v", ids)
	}
}

func TestStoreCursorEmpty(t *testing.T) {
	s := NewStore(0)
	if _, ok := s.Cursor(); ok {
		t.Fatal("expected no cursor for empty store")
	}
}

func TestStoreLoadGuard(t *testing.T) {
	s := NewStore(0)

	if !s.BeginLoad() {
		t.Fatal("expected first load to start")
	}
	if s.BeginLoad() {
		t.Fatal("expected concurrent load to be refused")
	}
	s.EndLoad(true)
	if !s.BeginLoad() {
		t.Fatal("expected load to start again after EndLoad")
	}
	s.EndLoad(false)
	if s.BeginLoad() {
		t.Fatal("expected no load once the last page was reached")
	}
}

func TestStoreReplaceContentLastWriteWins(t *testing.T) {
	s := NewStore(0)
	s.Insert(msg("m1", t0, "hi"), ScrollNone)

	t1 := t0.Add(time.Second)
	t2 := t0.Add(2 * time.Second)

	if ok, err := s.ReplaceContent("m1", "newest", t2); err != nil || !ok {
		t.Fatalf("expected edit at t2 to apply, got ok=%v err=%v", ok, err)
	}
	if ok, _ := s.ReplaceContent("m1", "older", t1); ok {
		t.Fatal("expected older edit to be ignored")
	}
	if ok, _ := s.ReplaceContent("m1", "newest", t2); ok {
		t.Fatal("expected replayed edit to be a no-op")
	}

	m, _ := s.Get("m1")
	if m.Content != "newest" {
		t.Errorf("expected content 'newest', got %q", m.Content)
	}
	if !m.Edited() {
		t.Error("expected message to be marked edited")
	}
}

func TestStoreReplaceContentRequiresLaterThanCreation(t *testing.T) {
	s := NewStore(0)
	s.Insert(msg("m1", t0, "hi"), ScrollNone)

	if ok, _ := s.ReplaceContent("m1", "same instant", t0); ok {
		t.Fatal("expected edit at createdAt to be ignored")
	}
	m, _ := s.Get("m1")
	if m.UpdatedAt != nil {
		t.Errorf("expected no updatedAt, got %v", m.UpdatedAt)
	}
}

func TestStoreMutateMissingReturnsNotFound(t *testing.T) {
	s := NewStore(0)

	if _, err := s.ReplaceContent("ghost", "x", t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from edit, got %v", err)
	}
	if _, err := s.SoftDelete("ghost", "Alice", t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from delete, got %v", err)
	}
}

func TestStoreSoftDelete(t *testing.T) {
	s := NewStore(0)
	m := msg("m1", t0, "look")
	m.Attachments = []Attachment{{URL: "https://cdn/x.png", Kind: KindImage}}
	s.Insert(m, ScrollNone)

	at := t0.Add(time.Minute)
	if ok, err := s.SoftDelete("m1", "Alice", at); err != nil || !ok {
		t.Fatalf("expected delete to apply, got ok=%v err=%v", ok, err)
	}
	if ok, _ := s.SoftDelete("m1", "Bob", at.Add(time.Second)); ok {
		t.Fatal("expected second delete to be a no-op")
	}

	got, _ := s.Get("m1")
	if !got.Deleted() {
		t.Fatal("expected message to be deleted")
	}
	if got.DeletedByName != "Alice" {
		t.Errorf("expected DeletedByName 'Alice', got %q", got.DeletedByName)
	}
	content, atts := got.Display()
	if content != "" || atts != nil {
		t.Errorf("expected nothing to display, got %q and %v", content, atts)
	}

	if ok, _ := s.ReplaceContent("m1", "revived", at.Add(time.Hour)); ok {
		t.Fatal("expected edit after delete to be ignored")
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewStore(0)
	s.Insert(msg("m1", t0, "hi"), ScrollNone)

	got, _ := s.Get("m1")
	got.Content = "mutated"

	again, _ := s.Get("m1")
	if again.Content != "hi" {
		t.Fatalf("expected stored content to be unaffected, got %q", again.Content)
	}
}

func TestStoreScrollHint(t *testing.T) {
	s := NewStore(0)
	s.Insert(msg("a", t0, "x"), ScrollIfNearBottom)
	s.Insert(msg("b", t0.Add(time.Second), "y"), ScrollToBottom)
	s.Insert(msg("c", t0.Add(2*time.Second), "z"), ScrollNone)

	if h := s.TakeScrollHint(); h != ScrollToBottom {
		t.Fatalf("expected ScrollToBottom, got %d", h)
	}
	if h := s.TakeScrollHint(); h != ScrollNone {
		t.Fatalf("expected hint to reset, got %d", h)
	}
}
