package storage

import "context"

// Initer is implemented by index types that need nil maps allocated
// after being unmarshalled from an empty or partial file.
type Initer interface {
	Init()
}

// Store is a flock-guarded document store holding a single index of type T.
//
// With runs fn against a read-only view; mutations made inside fn are
// discarded. Update runs fn read-modify-write and persists the result
// atomically. Both hold the cross-process lock for the duration of fn.
type Store[T any] interface {
	With(ctx context.Context, fn func(*T) error) error
	Update(ctx context.Context, fn func(*T) error) error
}
