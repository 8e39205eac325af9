package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"app/internal/dynamo"
)

// fakeStore is an in-memory Store with the same key semantics as the dynamo
// adapter: rows keyed by (pk, sk), queries ordered by sk, soft deletes
// stamping deleted_at. Write counts support asserting fan-out.
type fakeStore struct {
	rows map[string]dynamo.Item

	puts        int
	updates     int
	softDeletes int

	failPut    func(item dynamo.Item) error
	failUpdate func(pk, sk string) error

	// beforeUpdate runs before each conditional update, simulating an
	// interleaved writer.
	beforeUpdate func(s *fakeStore)
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]dynamo.Item{}}
}

func rowKey(pk, sk string) string { return pk + "|" + sk }

func copyItem(item dynamo.Item) dynamo.Item {
	out := make(dynamo.Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (s *fakeStore) Put(_ context.Context, item dynamo.Item) (dynamo.Item, error) {
	if s.failPut != nil {
		if err := s.failPut(item); err != nil {
			return nil, err
		}
	}
	s.puts++
	pk, _ := item["pk"].(string)
	sk, _ := item["sk"].(string)
	s.rows[rowKey(pk, sk)] = copyItem(item)
	return copyItem(item), nil
}

func (s *fakeStore) Get(_ context.Context, pk, sk string) (dynamo.Item, error) {
	item, ok := s.rows[rowKey(pk, sk)]
	if !ok {
		return nil, nil
	}
	return copyItem(item), nil
}

func (s *fakeStore) Query(_ context.Context, pk, skPrefix string, limit int32, cursor string) ([]dynamo.Item, string, error) {
	return s.query(pk, skPrefix, limit, cursor)
}

func (s *fakeStore) QueryIndex(_ context.Context, _, pk, sk string, limit int32, cursor string) ([]dynamo.Item, string, error) {
	if sk != "" {
		item, ok := s.rows[rowKey(pk, sk)]
		if !ok {
			return nil, "", nil
		}
		return []dynamo.Item{copyItem(item)}, "", nil
	}
	return s.query(pk, "", limit, cursor)
}

func (s *fakeStore) query(pk, skPrefix string, limit int32, cursor string) ([]dynamo.Item, string, error) {
	var sks []string
	for key := range s.rows {
		p, sk, _ := strings.Cut(key, "|")
		if p != pk {
			continue
		}
		if skPrefix != "" && !strings.HasPrefix(sk, skPrefix) {
			continue
		}
		if cursor != "" && sk <= cursor {
			continue
		}
		sks = append(sks, sk)
	}
	sort.Strings(sks)

	next := ""
	if limit > 0 && int32(len(sks)) > limit {
		sks = sks[:limit]
		next = sks[len(sks)-1]
	}
	items := make([]dynamo.Item, 0, len(sks))
	for _, sk := range sks {
		items = append(items, copyItem(s.rows[rowKey(pk, sk)]))
	}
	return items, next, nil
}

func (s *fakeStore) SoftDelete(_ context.Context, pk, sk string) error {
	s.softDeletes++
	item, ok := s.rows[rowKey(pk, sk)]
	if !ok {
		item = dynamo.Item{"pk": pk, "sk": sk}
	}
	item["deleted_at"] = int64(1700000000)
	s.rows[rowKey(pk, sk)] = item
	return nil
}

func (s *fakeStore) Update(_ context.Context, pk, sk string, updates, expected dynamo.Item) error {
	if s.failUpdate != nil {
		if err := s.failUpdate(pk, sk); err != nil {
			return err
		}
	}
	if s.beforeUpdate != nil {
		hook := s.beforeUpdate
		s.beforeUpdate = nil
		hook(s)
	}
	s.updates++
	item, ok := s.rows[rowKey(pk, sk)]
	if !ok {
		item = dynamo.Item{"pk": pk, "sk": sk}
	}
	for field, want := range expected {
		if !numEqual(item[field], want) {
			return fmt.Errorf("%w: %s %s", dynamo.ErrConditionFailed, pk, sk)
		}
	}
	for field, v := range updates {
		item[field] = v
	}
	s.rows[rowKey(pk, sk)] = item
	return nil
}

// numEqual compares attribute values, treating all numeric types as one
// domain the way the store's N type does.
func numEqual(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

// liveRows returns the non-soft-deleted rows under a pk, keyed by sk.
func (s *fakeStore) liveRows(pk string) map[string]dynamo.Item {
	out := map[string]dynamo.Item{}
	for key, item := range s.rows {
		p, sk, _ := strings.Cut(key, "|")
		if p != pk || deletedAt(item) {
			continue
		}
		out[sk] = item
	}
	return out
}
