// Package repository maps domain entities onto the single-table key-value
// schema. Entities write secondary-index "shadow" rows for lookup paths the
// primary key does not support; index rows are never the system of record and
// readers re-fetch and filter the primary row instead of trusting them.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"app/internal/dynamo"
)

// ErrNotFound is returned when a get or update targets a missing entity. It
// is distinct from dynamo.ErrStore so callers can tell "no such row" apart
// from transport failures.
var ErrNotFound = errors.New("not found")

// Store is the key-value store contract the repositories depend on,
// satisfied by *dynamo.Client.
type Store interface {
	Put(ctx context.Context, item dynamo.Item) (dynamo.Item, error)
	Get(ctx context.Context, pk, sk string) (dynamo.Item, error)
	Query(ctx context.Context, pk, skPrefix string, limit int32, cursor string) ([]dynamo.Item, string, error)
	QueryIndex(ctx context.Context, index, pk, sk string, limit int32, cursor string) ([]dynamo.Item, string, error)
	SoftDelete(ctx context.Context, pk, sk string) error
	Update(ctx context.Context, pk, sk string, updates, expected dynamo.Item) error
}

// Key prefixes for the single-table layout.
const (
	pkUser      = "USER#"
	pkImage     = "IMG#"
	pkEmail     = "EMAIL#"
	pkTag       = "TAG#"
	pkJobStatus = "JOBSTATUS#"
	skProfile   = "PROFILE"
	skMeta      = "META"
	skJob       = "JOB#"
	skSub       = "SUB#"
)

// Secondary index names.
const (
	indexByEmail      = "byEmail"
	indexImagesByUser = "imagesByUser"
)

// itemFrom flattens an entity into a store item with the given primary key.
func itemFrom(v any, pk, sk string) (dynamo.Item, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal entity: %w", err)
	}
	item := dynamo.Item(m)
	item["pk"] = pk
	item["sk"] = sk
	return item, nil
}

// into decodes a store item back into an entity.
func into(item dynamo.Item, v any) error {
	b, err := json.Marshal(map[string]any(item))
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("unmarshal item: %w", err)
	}
	return nil
}

func deletedAt(item dynamo.Item) bool {
	v, ok := item["deleted_at"]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case int64:
		return t > 0
	case float64:
		return t > 0
	default:
		return true
	}
}
