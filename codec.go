package strata

import (
	"context"
	"fmt"
)

// Codec maps an application type to and from a Record. Implementations
// declare their fields explicitly and carry the id, ACL and metadata through
// the Record's reserved fields.
type Codec[T any] interface {
	Encode(v T) (Record, error)
	Decode(r Record) (T, error)
}

// CodecFuncs adapts a pair of functions to Codec.
type CodecFuncs[T any] struct {
	EncodeFunc func(T) (Record, error)
	DecodeFunc func(Record) (T, error)
}

func (c CodecFuncs[T]) Encode(v T) (Record, error) { return c.EncodeFunc(v) }
func (c CodecFuncs[T]) Decode(r Record) (T, error) { return c.DecodeFunc(r) }

// Typed wraps a DataStore with a Codec.
type Typed[T any] struct {
	ds    *DataStore
	codec Codec[T]
}

// NewTyped returns a typed view of ds.
func NewTyped[T any](ds *DataStore, codec Codec[T]) *Typed[T] {
	return &Typed[T]{ds: ds, codec: codec}
}

// Store returns the underlying DataStore.
func (t *Typed[T]) Store() *DataStore {
	return t.ds
}

func (t *Typed[T]) decodeAll(records []Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, r := range records {
		v, err := t.codec.Decode(r)
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", t.ds.collection, r.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func (t *Typed[T]) Find(ctx context.Context, q *Query) ([]T, error) {
	records, err := t.ds.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	return t.decodeAll(records)
}

func (t *Typed[T]) FindByID(ctx context.Context, id string) (T, error) {
	r, err := t.ds.FindByID(ctx, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return t.codec.Decode(r)
}

// Save encodes v, saves it and decodes the stored copy, which carries the
// assigned id and metadata.
func (t *Typed[T]) Save(ctx context.Context, v T) (T, error) {
	var zero T
	r, err := t.codec.Encode(v)
	if err != nil {
		return zero, fmt.Errorf("encode %s: %w", t.ds.collection, err)
	}
	stored, err := t.ds.Save(ctx, r)
	if err != nil {
		return zero, err
	}
	return t.codec.Decode(stored)
}

func (t *Typed[T]) RemoveByID(ctx context.Context, id string) (int, error) {
	return t.ds.RemoveByID(ctx, id)
}

func (t *Typed[T]) Pull(ctx context.Context, q *Query, opts ...PullOptions) ([]T, error) {
	records, err := t.ds.Pull(ctx, q, opts...)
	if err != nil {
		return nil, err
	}
	return t.decodeAll(records)
}

// String reads a string field, reporting an error for any other type.
func String(r Record, field string) (string, error) {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q: want string, got %T", field, v)
	}
	return s, nil
}

// Float reads a numeric field.
func Float(r Record, field string) (float64, error) {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return 0, nil
	}
	n, ok := normalizeValue(v).(float64)
	if !ok {
		return 0, fmt.Errorf("field %q: want number, got %T", field, v)
	}
	return n, nil
}

// Int reads a numeric field as an int.
func Int(r Record, field string) (int, error) {
	f, err := Float(r, field)
	return int(f), err
}

// Bool reads a boolean field.
func Bool(r Record, field string) (bool, error) {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("field %q: want bool, got %T", field, v)
	}
	return b, nil
}
