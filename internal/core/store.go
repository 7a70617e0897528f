// Package core declares the collaborator interfaces the room coordinator
// is built against. Implementations live under internal/store and
// internal/adapters; everything here is injected, never ambient.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound marks a read/update/delete against a missing document.
	// Concurrent leave/teardown makes this a benign race for most callers.
	ErrNotFound = errors.New("store: document not found")
	// ErrExists marks a create against an existing key.
	ErrExists = errors.New("store: document already exists")
)

// Document is a raw JSON document in one collection of the relay store.
type Document struct {
	Collection string
	Key        string
	Data       []byte
}

// EncodeDoc marshals v into a Document.
func EncodeDoc(collection, key string, v any) (Document, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Document{}, fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	return Document{Collection: collection, Key: key, Data: b}, nil
}

// Query selects documents of one collection whose top-level fields equal
// every filter value. An empty filter set selects the whole collection.
type Query struct {
	Collection string
	Filters    map[string]string
}

// Matches reports whether a raw document satisfies every filter.
func (q Query) Matches(data []byte) (bool, error) {
	if len(q.Filters) == 0 {
		return true, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return false, err
	}
	for field, want := range q.Filters {
		got, ok := obj[field]
		if !ok {
			return false, nil
		}
		if fmt.Sprint(got) != want {
			return false, nil
		}
	}
	return true, nil
}

// MergeFields applies a partial update to a raw JSON object document. A
// dotted key addresses an entry inside a nested object ("roles.<uid>"),
// creating intermediate objects as needed; a nil value deletes the
// addressed key. Writers touching one entry of a shared map must use the
// dotted form so concurrent writers cannot overwrite each other's
// entries.
func MergeFields(data []byte, fields map[string]any) ([]byte, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	for k, v := range fields {
		mergePath(obj, strings.Split(k, "."), v)
	}
	return json.Marshal(obj)
}

func mergePath(obj map[string]any, path []string, v any) {
	last := len(path) - 1
	for _, seg := range path[:last] {
		child, ok := obj[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			obj[seg] = child
		}
		obj = child
	}
	if v == nil {
		delete(obj, path[last])
		return
	}
	obj[path[last]] = v
}

type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Removed
)

type Change struct {
	Kind ChangeKind
	Doc  Document
}

// ChangeBatch is one delivery unit of a subscription: all changes a single
// store mutation (or atomic batch) produced for the subscribed query.
type ChangeBatch []Change

type UnsubscribeFunc func()

type BatchKind int

const (
	BatchCreate BatchKind = iota
	BatchUpdate
	BatchDelete
)

// BatchOp is one operation of an atomic batch. Create carries Doc;
// Update carries Collection/Key/Fields; Delete carries Collection/Key.
type BatchOp struct {
	Kind       BatchKind
	Doc        Document
	Collection string
	Key        string
	Fields     map[string]any
}

// RelayStore is the document store the coordinator signals and persists
// through. Update merges Fields into the document's top-level JSON object.
// Subscribe delivers the current query result as an initial Added batch,
// then a batch per matching mutation, until unsubscribe or ctx cancel.
type RelayStore interface {
	Create(ctx context.Context, doc Document) error
	Read(ctx context.Context, collection, key string) (Document, error)
	Update(ctx context.Context, collection, key string, fields map[string]any) error
	Delete(ctx context.Context, collection, key string) error
	List(ctx context.Context, q Query) ([]Document, error)
	Subscribe(ctx context.Context, q Query) (<-chan ChangeBatch, UnsubscribeFunc, error)
	RunBatch(ctx context.Context, ops []BatchOp) error
}
