package strata

import (
	"context"
	"time"
)

// RemoteStore is the backend collection endpoint.
//
// Implementations return *ConnectivityError for transport failures and
// *RemoteError for well-formed rejections; the engine's fallback policy
// depends on that distinction.
type RemoteStore interface {
	// Create stores a new record. An empty or temporary id asks the server to assign one.
	Create(ctx context.Context, collection string, r Record) (Record, error)

	// Update replaces the record with r.ID.
	Update(ctx context.Context, collection string, r Record) (Record, error)

	// Delete removes one record and returns the removed count.
	Delete(ctx context.Context, collection, id string) (int, error)

	// DeleteByQuery removes every record matching q's filter.
	DeleteByQuery(ctx context.Context, collection string, q *Query) (int, error)

	// Find returns records matching q in q's order.
	Find(ctx context.Context, collection string, q *Query) (*FindResult, error)

	// FindByID returns a *RemoteError with CodeEntityNotFound when absent.
	FindByID(ctx context.Context, collection, id string) (Record, error)

	// Count returns the number of records matching q's filter.
	Count(ctx context.Context, collection string, q *Query) (int, error)

	// DeltaSet returns records matching q changed, and ids deleted, since the cursor.
	DeltaSet(ctx context.Context, collection string, q *Query, since time.Time) (*DeltaSet, error)
}
