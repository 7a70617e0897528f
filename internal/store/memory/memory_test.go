package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/atedres/infinity-rooms/internal/core"
)

func doc(t *testing.T, collection, key string, v any) core.Document {
	t.Helper()
	d, err := core.EncodeDoc(collection, key, v)
	if err != nil {
		t.Fatalf("encode doc: %v", err)
	}
	return d
}

func recvBatch(t *testing.T, ch <-chan core.ChangeBatch) core.ChangeBatch {
	t.Helper()
	select {
	case batch, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change batch")
	}
	return nil
}

func TestCreateReadDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	d := doc(t, "rooms", "r1", map[string]string{"id": "r1", "title": "go night"})
	if err := s.Create(ctx, d); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, d); !errors.Is(err, core.ErrExists) {
		t.Fatalf("duplicate create: want ErrExists, got %v", err)
	}

	got, err := s.Read(ctx, "rooms", "r1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]string
	if err := json.Unmarshal(got.Data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["title"] != "go night" {
		t.Fatalf("title = %q, want %q", m["title"], "go night")
	}

	if err := s.Delete(ctx, "rooms", "r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "rooms", "r1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("second delete: want ErrNotFound, got %v", err)
	}
	if _, err := s.Read(ctx, "rooms", "r1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("read after delete: want ErrNotFound, got %v", err)
	}
}

func TestUpdateMergesFields(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Create(ctx, doc(t, "participants", "r1/u1", map[string]any{
		"user_id": "u1", "role": "listener", "is_muted": true,
	})); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Update(ctx, "participants", "r1/u1", map[string]any{
		"role": "speaker", "is_muted": false,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Read(ctx, "participants", "r1/u1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(got.Data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["role"] != "speaker" || m["is_muted"] != false {
		t.Fatalf("merged doc = %v", m)
	}
	if m["user_id"] != "u1" {
		t.Fatal("untouched field lost in merge")
	}

	if err := s.Update(ctx, "participants", "r1/nope", map[string]any{"role": "speaker"}); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("update missing: want ErrNotFound, got %v", err)
	}
}

func TestListWithFilters(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, p := range []map[string]string{
		{"room_id": "r1", "user_id": "a"},
		{"room_id": "r1", "user_id": "b"},
		{"room_id": "r2", "user_id": "c"},
	} {
		if err := s.Create(ctx, doc(t, "participants", p["room_id"]+"/"+p["user_id"], p)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	docs, err := s.List(ctx, core.Query{Collection: "participants", Filters: map[string]string{"room_id": "r1"}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("len = %d, want 2", len(docs))
	}
}

func TestSubscribeDeliversSnapshotThenChanges(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Create(ctx, doc(t, "signals", "s1", map[string]string{"to": "u1", "payload": "x"})); err != nil {
		t.Fatalf("create: %v", err)
	}

	ch, unsub, err := s.Subscribe(ctx, core.Query{Collection: "signals", Filters: map[string]string{"to": "u1"}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	// Documents written before subscribing arrive as the initial batch.
	batch := recvBatch(t, ch)
	if len(batch) != 1 || batch[0].Kind != core.Added || batch[0].Doc.Key != "s1" {
		t.Fatalf("initial batch = %+v", batch)
	}

	// A document addressed to someone else must not reach this watcher.
	if err := s.Create(ctx, doc(t, "signals", "s2", map[string]string{"to": "u2", "payload": "y"})); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete(ctx, "signals", "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	batch = recvBatch(t, ch)
	if len(batch) != 1 || batch[0].Kind != core.Removed || batch[0].Doc.Key != "s1" {
		t.Fatalf("removal batch = %+v", batch)
	}
}

func TestSubscribeUnsubscribeStopsDelivery(t *testing.T) {
	s := New()
	ctx := context.Background()

	ch, unsub, err := s.Subscribe(ctx, core.Query{Collection: "chat_messages"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	unsub()
	unsub() // idempotent

	if err := s.Create(ctx, doc(t, "chat_messages", "m1", map[string]string{"text": "hi"})); err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case batch, ok := <-ch:
		if ok {
			t.Fatalf("unexpected batch after unsubscribe: %+v", batch)
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestRunBatchIsAtomicAndMergesNotifications(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Create(ctx, doc(t, "participants", "r1/x", map[string]string{"room_id": "r1", "user_id": "x"})); err != nil {
		t.Fatalf("create: %v", err)
	}

	ch, unsub, err := s.Subscribe(ctx, core.Query{Collection: "participants", Filters: map[string]string{"room_id": "r1"}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	recvBatch(t, ch) // initial snapshot

	// A failing op anywhere must leave the store untouched.
	err = s.RunBatch(ctx, []core.BatchOp{
		{Kind: core.BatchDelete, Collection: "participants", Key: "r1/x"},
		{Kind: core.BatchDelete, Collection: "participants", Key: "r1/missing"},
	})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("bad batch: want ErrNotFound, got %v", err)
	}
	if _, err := s.Read(ctx, "participants", "r1/x"); err != nil {
		t.Fatalf("doc lost despite failed batch: %v", err)
	}

	// Ban shape: delete participant + create ban record in one batch, one
	// notification for the participant watcher.
	ban := doc(t, "bans", "r1/x", map[string]string{"room_id": "r1", "user_id": "x"})
	err = s.RunBatch(ctx, []core.BatchOp{
		{Kind: core.BatchDelete, Collection: "participants", Key: "r1/x"},
		{Kind: core.BatchCreate, Doc: ban},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}

	batch := recvBatch(t, ch)
	if len(batch) != 1 || batch[0].Kind != core.Removed {
		t.Fatalf("batch after ban = %+v", batch)
	}
	if _, err := s.Read(ctx, "bans", "r1/x"); err != nil {
		t.Fatalf("ban record missing: %v", err)
	}
}

func TestSubscribeContextCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())

	ch, _, err := s.Subscribe(ctx, core.Query{Collection: "rooms"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after ctx cancel")
	}
}

func TestUpdateNestedFieldPath(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Create(ctx, doc(t, "rooms", "r1", map[string]any{
		"id": "r1", "roles": map[string]any{"u1": "speaker"},
	})); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A dotted path touches one entry and leaves its siblings alone.
	if err := s.Update(ctx, "rooms", "r1", map[string]any{"roles.u2": "moderator"}); err != nil {
		t.Fatalf("nested update: %v", err)
	}
	got, err := s.Read(ctx, "rooms", "r1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	type roomDoc struct {
		ID    string            `json:"id"`
		Roles map[string]string `json:"roles"`
	}
	var m roomDoc
	if err := json.Unmarshal(got.Data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Roles["u1"] != "speaker" || m.Roles["u2"] != "moderator" {
		t.Fatalf("roles = %v, want u1 and u2 side by side", m.Roles)
	}

	// A nil value deletes the addressed entry only.
	if err := s.Update(ctx, "rooms", "r1", map[string]any{"roles.u1": nil}); err != nil {
		t.Fatalf("nested delete: %v", err)
	}
	got, err = s.Read(ctx, "rooms", "r1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	m = roomDoc{}
	if err := json.Unmarshal(got.Data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m.Roles["u1"]; ok {
		t.Fatalf("roles = %v, want u1 removed", m.Roles)
	}
	if m.Roles["u2"] != "moderator" {
		t.Fatalf("roles = %v, want u2 kept", m.Roles)
	}
}

func TestRunBatchRejectsUnmergeableUpdateWithoutApplyingAnything(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.Create(ctx, doc(t, "rooms", "good", map[string]any{"id": "good", "title": "before"})); err != nil {
		t.Fatalf("create good: %v", err)
	}
	if err := s.Create(ctx, core.Document{Collection: "rooms", Key: "bad", Data: []byte("not-json")}); err != nil {
		t.Fatalf("create bad: %v", err)
	}

	err := s.RunBatch(ctx, []core.BatchOp{
		{Kind: core.BatchUpdate, Collection: "rooms", Key: "good", Fields: map[string]any{"title": "after"}},
		{Kind: core.BatchUpdate, Collection: "rooms", Key: "bad", Fields: map[string]any{"title": "after"}},
	})
	if err == nil {
		t.Fatal("batch over a corrupt document: want error, got nil")
	}

	// The earlier op must not have been applied.
	got, err := s.Read(ctx, "rooms", "good")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]string
	if err := json.Unmarshal(got.Data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["title"] != "before" {
		t.Fatalf("title = %q, want untouched %q", m["title"], "before")
	}
}
