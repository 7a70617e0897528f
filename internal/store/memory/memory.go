// Package memory is the in-process RelayStore backend: plain maps behind a
// RWMutex plus a change-feed fan-out. It is the default backend and the one
// the test suites run against.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atedres/infinity-rooms/internal/core"
)

type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
	watchers    map[int64]*watcher
	nextWatcher int64
	logger      zerolog.Logger
}

func New() *Store {
	return &Store{
		collections: make(map[string]map[string][]byte),
		watchers:    make(map[int64]*watcher),
		logger:      log.With().Str("module", "store.memory").Logger(),
	}
}

// event carries a document's state before and after one mutation so the
// fan-out can decide, per watcher, between Added/Modified/Removed.
type event struct {
	collection string
	key        string
	before     []byte
	after      []byte
}

func (s *Store) Create(ctx context.Context, doc core.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.collections[doc.Collection]
	if col == nil {
		col = make(map[string][]byte)
		s.collections[doc.Collection] = col
	}
	if _, ok := col[doc.Key]; ok {
		return fmt.Errorf("create %s/%s: %w", doc.Collection, doc.Key, core.ErrExists)
	}
	col[doc.Key] = append([]byte(nil), doc.Data...)
	s.notifyLocked([]event{{collection: doc.Collection, key: doc.Key, after: col[doc.Key]}})
	return nil
}

func (s *Store) Read(ctx context.Context, collection, key string) (core.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.collections[collection][key]
	if !ok {
		return core.Document{}, fmt.Errorf("read %s/%s: %w", collection, key, core.ErrNotFound)
	}
	return core.Document{Collection: collection, Key: key, Data: append([]byte(nil), data...)}, nil
}

func (s *Store) Update(ctx context.Context, collection, key string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(collection, key, fields, true)
}

func (s *Store) updateLocked(collection, key string, fields map[string]any, notify bool) error {
	col := s.collections[collection]
	before, ok := col[key]
	if !ok {
		return fmt.Errorf("update %s/%s: %w", collection, key, core.ErrNotFound)
	}
	after, err := core.MergeFields(before, fields)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, key, err)
	}
	col[key] = after
	if notify {
		s.notifyLocked([]event{{collection: collection, key: key, before: before, after: after}})
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.collections[collection]
	before, ok := col[key]
	if !ok {
		return fmt.Errorf("delete %s/%s: %w", collection, key, core.ErrNotFound)
	}
	delete(col, key)
	s.notifyLocked([]event{{collection: collection, key: key, before: before}})
	return nil
}

func (s *Store) List(ctx context.Context, q core.Query) ([]core.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(q)
}

func (s *Store) listLocked(q core.Query) ([]core.Document, error) {
	out := make([]core.Document, 0)
	for key, data := range s.collections[q.Collection] {
		ok, err := q.Matches(data)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, core.Document{Collection: q.Collection, Key: key, Data: append([]byte(nil), data...)})
		}
	}
	return out, nil
}

// RunBatch applies all ops or none: every op is validated against current
// state before any write happens, and watchers get a single merged batch.
func (s *Store) RunBatch(ctx context.Context, ops []core.BatchOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validation also pre-computes every merged update so a bad document
	// surfaces before any op is applied.
	merged := make(map[int][]byte, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case core.BatchCreate:
			if _, ok := s.collections[op.Doc.Collection][op.Doc.Key]; ok {
				return fmt.Errorf("batch create %s/%s: %w", op.Doc.Collection, op.Doc.Key, core.ErrExists)
			}
		case core.BatchUpdate:
			cur, ok := s.collections[op.Collection][op.Key]
			if !ok {
				return fmt.Errorf("batch update %s/%s: %w", op.Collection, op.Key, core.ErrNotFound)
			}
			next, err := core.MergeFields(cur, op.Fields)
			if err != nil {
				return fmt.Errorf("batch update %s/%s: %w", op.Collection, op.Key, err)
			}
			merged[i] = next
		case core.BatchDelete:
			if _, ok := s.collections[op.Collection][op.Key]; !ok {
				return fmt.Errorf("batch delete %s/%s: %w", op.Collection, op.Key, core.ErrNotFound)
			}
		}
	}

	events := make([]event, 0, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case core.BatchCreate:
			col := s.collections[op.Doc.Collection]
			if col == nil {
				col = make(map[string][]byte)
				s.collections[op.Doc.Collection] = col
			}
			col[op.Doc.Key] = append([]byte(nil), op.Doc.Data...)
			events = append(events, event{collection: op.Doc.Collection, key: op.Doc.Key, after: col[op.Doc.Key]})
		case core.BatchUpdate:
			before := s.collections[op.Collection][op.Key]
			s.collections[op.Collection][op.Key] = merged[i]
			events = append(events, event{collection: op.Collection, key: op.Key, before: before, after: merged[i]})
		case core.BatchDelete:
			before := s.collections[op.Collection][op.Key]
			delete(s.collections[op.Collection], op.Key)
			events = append(events, event{collection: op.Collection, key: op.Key, before: before})
		}
	}
	s.notifyLocked(events)
	return nil
}

func (s *Store) Subscribe(ctx context.Context, q core.Query) (<-chan core.ChangeBatch, core.UnsubscribeFunc, error) {
	s.mu.Lock()
	snapshot, err := s.listLocked(q)
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}

	w := newWatcher(q)
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = w

	// The current result set arrives as the first batch, so a subscriber
	// never misses documents written before it attached.
	if len(snapshot) > 0 {
		batch := make(core.ChangeBatch, 0, len(snapshot))
		for _, doc := range snapshot {
			batch = append(batch, core.Change{Kind: core.Added, Doc: doc})
		}
		w.push(batch)
	}
	s.mu.Unlock()
	s.logger.Debug().Str("collection", q.Collection).Int64("watcher", id).Msg("watcher attached")

	go w.pump()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
			w.close()
			s.logger.Debug().Str("collection", q.Collection).Int64("watcher", id).Msg("watcher detached")
		})
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			unsub()
		}()
	}
	return w.ch, unsub, nil
}

func (s *Store) notifyLocked(events []event) {
	for _, w := range s.watchers {
		batch := make(core.ChangeBatch, 0, len(events))
		for _, ev := range events {
			if ev.collection != w.q.Collection {
				continue
			}
			matchedBefore := ev.before != nil && mustMatch(w.q, ev.before)
			matchesAfter := ev.after != nil && mustMatch(w.q, ev.after)
			doc := core.Document{Collection: ev.collection, Key: ev.key}
			switch {
			case matchedBefore && matchesAfter:
				doc.Data = append([]byte(nil), ev.after...)
				batch = append(batch, core.Change{Kind: core.Modified, Doc: doc})
			case !matchedBefore && matchesAfter:
				doc.Data = append([]byte(nil), ev.after...)
				batch = append(batch, core.Change{Kind: core.Added, Doc: doc})
			case matchedBefore && !matchesAfter:
				doc.Data = append([]byte(nil), ev.before...)
				batch = append(batch, core.Change{Kind: core.Removed, Doc: doc})
			}
		}
		if len(batch) > 0 {
			w.push(batch)
		}
	}
}

func mustMatch(q core.Query, data []byte) bool {
	ok, err := q.Matches(data)
	if err != nil {
		return false
	}
	return ok
}

// watcher decouples fan-out from consumption: notifyLocked only appends to
// the queue, the pump goroutine feeds the subscriber channel. A subscriber
// that mutates the store from its handler therefore cannot deadlock.
type watcher struct {
	q      core.Query
	ch     chan core.ChangeBatch
	done   chan struct{}
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []core.ChangeBatch
	closed bool
}

func newWatcher(q core.Query) *watcher {
	w := &watcher{q: q, ch: make(chan core.ChangeBatch), done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *watcher) push(batch core.ChangeBatch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.queue = append(w.queue, batch)
	w.cond.Signal()
}

func (w *watcher) pump() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.closed {
			w.mu.Unlock()
			close(w.ch)
			return
		}
		batch := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()
		select {
		case w.ch <- batch:
		case <-w.done:
			close(w.ch)
			return
		}
	}
}

func (w *watcher) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.queue = nil
	close(w.done)
	w.cond.Signal()
	w.mu.Unlock()
}
