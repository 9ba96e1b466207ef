package strata

import "context"

// Future is the pending result of an asynchronous call. It completes exactly
// once; Done is closed at that point and Result may then be read any number
// of times.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Go runs fn on a new goroutine and returns its Future.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.value, f.err = fn()
	}()
	return f
}

// Done is closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then calls fn with the result on its own goroutine once the future completes.
func (f *Future[T]) Then(fn func(T, error)) {
	go func() {
		<-f.done
		fn(f.value, f.err)
	}()
}

// FindAsync runs Find without blocking the caller.
func (ds *DataStore) FindAsync(ctx context.Context, q *Query) *Future[[]Record] {
	return Go(func() ([]Record, error) { return ds.Find(ctx, q) })
}

// FindByIDAsync runs FindByID without blocking the caller.
func (ds *DataStore) FindByIDAsync(ctx context.Context, id string) *Future[Record] {
	return Go(func() (Record, error) { return ds.FindByID(ctx, id) })
}

// SaveAsync runs Save without blocking the caller.
func (ds *DataStore) SaveAsync(ctx context.Context, r Record) *Future[Record] {
	return Go(func() (Record, error) { return ds.Save(ctx, r) })
}

// RemoveAsync runs Remove without blocking the caller.
func (ds *DataStore) RemoveAsync(ctx context.Context, q *Query) *Future[int] {
	return Go(func() (int, error) { return ds.Remove(ctx, q) })
}

// PushAsync runs Push without blocking the caller.
func (ds *DataStore) PushAsync(ctx context.Context) *Future[*PushResult] {
	return Go(func() (*PushResult, error) { return ds.Push(ctx) })
}

// PullAsync runs Pull without blocking the caller.
func (ds *DataStore) PullAsync(ctx context.Context, q *Query, opts ...PullOptions) *Future[[]Record] {
	return Go(func() ([]Record, error) { return ds.Pull(ctx, q, opts...) })
}
