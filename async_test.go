package strata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_WaitReturnsResult(t *testing.T) {
	f := Go(func() (int, error) { return 42, nil })
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	// Completed futures can be read again.
	v, err = f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFuture_WaitHonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := Go(func() (string, error) {
		<-release
		return "late", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFuture_ThenReceivesError(t *testing.T) {
	boom := errors.New("boom")
	f := Go(func() (int, error) { return 0, boom })

	got := make(chan error, 1)
	f.Then(func(_ int, err error) { got <- err })

	select {
	case err := <-got:
		assert.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("Then callback not invoked")
	}
	<-f.Done()
}

func TestDataStore_AsyncCalls(t *testing.T) {
	clock := newTestClock()
	remote := newFakeRemote(clock.Now)
	ds := openStore(t, newTestClient(t, remote, clock), "books", StoreOptions{Mode: ModeSync})
	ctx := context.Background()

	saved, err := ds.SaveAsync(ctx, Record{Fields: map[string]any{"title": "async"}}).Wait(ctx)
	require.NoError(t, err)

	found, err := ds.FindByIDAsync(ctx, saved.ID).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "async", found.Fields["title"])

	res, err := ds.PushAsync(ctx).Wait(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK())

	records, err := ds.PullAsync(ctx, nil).Wait(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	all, err := ds.FindAsync(ctx, nil).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids(records), ids(all))

	n, err := ds.RemoveAsync(ctx, nil).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
