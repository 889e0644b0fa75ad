package api

import (
	"context"

	"todo-registry/domain"
)

// Registry is the task registry served over HTTP.
type Registry interface {
	Create(ctx context.Context, text string) (uint64, error)
	Complete(ctx context.Context, id uint64) (string, error)
	Lookup(id uint64) (string, bool)
	IsCompleted(id uint64) bool
	Status(id uint64) domain.Status
	Total() uint64
	Delete(ctx context.Context, id uint64) (string, error)
}

// Authenticator is implemented by types able to extract caller IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Reservation is the outcome of reserving an idempotency key.
type Reservation struct {
	// Acquired is true when this request owns the key and must create the task.
	Acquired bool
	// Pending is true when another request owns the key and has not finished.
	Pending bool
	// ID is the task created by an earlier request with the same key.
	ID uint64
}

// Deduper binds idempotency keys to created task ids.
type Deduper interface {
	Reserve(ctx context.Context, caller, key string) (Reservation, error)
	Commit(ctx context.Context, caller, key string, id uint64) error
	// Release drops a reservation whose create failed so the caller may retry.
	Release(ctx context.Context, caller, key string) error
}
