// Package redis backs the RelayStore contract with Redis: documents as
// JSON strings under namespaced keys, a SET index per collection for
// queries, and a pub/sub channel per collection for the change feed.
// Unlike the in-memory backend, each mutation of an atomic batch reaches
// subscribers as its own single-change batch.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atedres/infinity-rooms/internal/core"
)

type Store struct {
	rdb    *redis.Client
	ns     string
	logger zerolog.Logger
}

func New(rdb *redis.Client, namespace string) *Store {
	if namespace == "" {
		namespace = "rooms"
	}
	return &Store{
		rdb:    rdb,
		ns:     namespace,
		logger: log.With().Str("module", "store.redis").Logger(),
	}
}

func (s *Store) docKey(collection, key string) string {
	return s.ns + ":doc:" + collection + ":" + key
}

func (s *Store) idxKey(collection string) string {
	return s.ns + ":idx:" + collection
}

func (s *Store) chanKey(collection string) string {
	return s.ns + ":changes:" + collection
}

// changeEvent is the wire form of one mutation on the pub/sub channel.
// Data carries the post-image for create/update and the pre-image for
// delete, so subscribers can filter removed documents too.
type changeEvent struct {
	Kind       core.ChangeKind `json:"kind"`
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Data       []byte          `json:"data"`
}

func (s *Store) publish(ctx context.Context, ev changeEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal change event")
		return
	}
	if err := s.rdb.Publish(ctx, s.chanKey(ev.Collection), b).Err(); err != nil {
		s.logger.Error().Err(err).Str("collection", ev.Collection).Msg("publish change event")
	}
}

func (s *Store) Create(ctx context.Context, doc core.Document) error {
	ok, err := s.rdb.SetNX(ctx, s.docKey(doc.Collection, doc.Key), doc.Data, 0).Result()
	if err != nil {
		return fmt.Errorf("create %s/%s: %w", doc.Collection, doc.Key, err)
	}
	if !ok {
		return fmt.Errorf("create %s/%s: %w", doc.Collection, doc.Key, core.ErrExists)
	}
	if err := s.rdb.SAdd(ctx, s.idxKey(doc.Collection), doc.Key).Err(); err != nil {
		return fmt.Errorf("create index %s/%s: %w", doc.Collection, doc.Key, err)
	}
	s.publish(ctx, changeEvent{Kind: core.Added, Collection: doc.Collection, Key: doc.Key, Data: doc.Data})
	return nil
}

func (s *Store) Read(ctx context.Context, collection, key string) (core.Document, error) {
	data, err := s.rdb.Get(ctx, s.docKey(collection, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Document{}, fmt.Errorf("read %s/%s: %w", collection, key, core.ErrNotFound)
	}
	if err != nil {
		return core.Document{}, fmt.Errorf("read %s/%s: %w", collection, key, err)
	}
	return core.Document{Collection: collection, Key: key, Data: data}, nil
}

func (s *Store) Update(ctx context.Context, collection, key string, fields map[string]any) error {
	doc, err := s.Read(ctx, collection, key)
	if err != nil {
		return err
	}
	after, err := core.MergeFields(doc.Data, fields)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, key, err)
	}
	if err := s.rdb.Set(ctx, s.docKey(collection, key), after, 0).Err(); err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, key, err)
	}
	s.publish(ctx, changeEvent{Kind: core.Modified, Collection: collection, Key: key, Data: after})
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	doc, err := s.Read(ctx, collection, key)
	if err != nil {
		return err
	}
	n, err := s.rdb.Del(ctx, s.docKey(collection, key)).Result()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s/%s: %w", collection, key, core.ErrNotFound)
	}
	if err := s.rdb.SRem(ctx, s.idxKey(collection), key).Err(); err != nil {
		return fmt.Errorf("delete index %s/%s: %w", collection, key, err)
	}
	s.publish(ctx, changeEvent{Kind: core.Removed, Collection: collection, Key: key, Data: doc.Data})
	return nil
}

func (s *Store) List(ctx context.Context, q core.Query) ([]core.Document, error) {
	keys, err := s.rdb.SMembers(ctx, s.idxKey(q.Collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.Collection, err)
	}
	out := make([]core.Document, 0, len(keys))
	for _, key := range keys {
		data, err := s.rdb.Get(ctx, s.docKey(q.Collection, key)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Stale index entry from a concurrent delete.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", q.Collection, key, err)
		}
		ok, err := q.Matches(data)
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", q.Collection, key, err)
		}
		if ok {
			out = append(out, core.Document{Collection: q.Collection, Key: key, Data: data})
		}
	}
	return out, nil
}

// RunBatch validates all ops, applies the writes in one TxPipeline, then
// publishes the change events.
func (s *Store) RunBatch(ctx context.Context, ops []core.BatchOp) error {
	events := make([]changeEvent, 0, len(ops))
	pipe := s.rdb.TxPipeline()

	for _, op := range ops {
		switch op.Kind {
		case core.BatchCreate:
			n, err := s.rdb.Exists(ctx, s.docKey(op.Doc.Collection, op.Doc.Key)).Result()
			if err != nil {
				return fmt.Errorf("batch create %s/%s: %w", op.Doc.Collection, op.Doc.Key, err)
			}
			if n > 0 {
				return fmt.Errorf("batch create %s/%s: %w", op.Doc.Collection, op.Doc.Key, core.ErrExists)
			}
			pipe.Set(ctx, s.docKey(op.Doc.Collection, op.Doc.Key), op.Doc.Data, 0)
			pipe.SAdd(ctx, s.idxKey(op.Doc.Collection), op.Doc.Key)
			events = append(events, changeEvent{Kind: core.Added, Collection: op.Doc.Collection, Key: op.Doc.Key, Data: op.Doc.Data})
		case core.BatchUpdate:
			doc, err := s.Read(ctx, op.Collection, op.Key)
			if err != nil {
				return fmt.Errorf("batch update: %w", err)
			}
			after, err := core.MergeFields(doc.Data, op.Fields)
			if err != nil {
				return fmt.Errorf("batch update %s/%s: %w", op.Collection, op.Key, err)
			}
			pipe.Set(ctx, s.docKey(op.Collection, op.Key), after, 0)
			events = append(events, changeEvent{Kind: core.Modified, Collection: op.Collection, Key: op.Key, Data: after})
		case core.BatchDelete:
			doc, err := s.Read(ctx, op.Collection, op.Key)
			if err != nil {
				return fmt.Errorf("batch delete: %w", err)
			}
			pipe.Del(ctx, s.docKey(op.Collection, op.Key))
			pipe.SRem(ctx, s.idxKey(op.Collection), op.Key)
			events = append(events, changeEvent{Kind: core.Removed, Collection: op.Collection, Key: op.Key, Data: doc.Data})
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch exec: %w", err)
	}
	for _, ev := range events {
		s.publish(ctx, ev)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, q core.Query) (<-chan core.ChangeBatch, core.UnsubscribeFunc, error) {
	// Attach to the feed before reading the snapshot, so nothing written
	// in between is lost; a duplicate Added for the same key is harmless
	// for idempotent consumers.
	pubsub := s.rdb.Subscribe(ctx, s.chanKey(q.Collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", q.Collection, err)
	}

	snapshot, err := s.List(ctx, q)
	if err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan core.ChangeBatch)
	done := make(chan struct{})

	go func() {
		defer close(out)
		if len(snapshot) > 0 {
			batch := make(core.ChangeBatch, 0, len(snapshot))
			for _, doc := range snapshot {
				batch = append(batch, core.Change{Kind: core.Added, Doc: doc})
			}
			select {
			case out <- batch:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev changeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Error().Err(err).Str("collection", q.Collection).Msg("bad change event")
					continue
				}
				match, err := q.Matches(ev.Data)
				if err != nil || !match {
					continue
				}
				change := core.Change{Kind: ev.Kind, Doc: core.Document{Collection: ev.Collection, Key: ev.Key, Data: ev.Data}}
				select {
				case out <- core.ChangeBatch{change}:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return out, unsub, nil
}
