package remote_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/strata"
	"github.com/hyperengineering/strata/internal/server"
	"github.com/hyperengineering/strata/remote"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	backend *server.Server
	http    *httptest.Server
	client  *strata.Client
	clock   *clock
}

func newEnv(t *testing.T, opts ...server.Option) *env {
	t.Helper()
	clk := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]server.Option{server.WithAuth("app", "tok"), server.WithClock(clk.Now)}, opts...)
	backend := server.New(opts...)
	ts := httptest.NewServer(backend.Handler())
	t.Cleanup(ts.Close)

	rs, err := remote.FromConfig(strata.Config{BaseURL: ts.URL, AppKey: "app", AuthToken: "tok"})
	require.NoError(t, err)

	c, err := strata.New(strata.Config{
		LocalPath: filepath.Join(t.TempDir(), "cache.db"),
		Remote:    rs,
		Clock:     clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return &env{backend: backend, http: ts, client: c, clock: clk}
}

func (e *env) store(t *testing.T, opts strata.StoreOptions) *strata.DataStore {
	t.Helper()
	ds, err := e.client.DataStore("books", opts)
	require.NoError(t, err)
	return ds
}

func TestEndToEnd_OfflineWritesSyncOverHTTP(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ds := e.store(t, strata.StoreOptions{Mode: strata.ModeSync, DeltaSet: true})

	a, err := ds.Save(ctx, strata.NewRecord(map[string]any{"title": "a"}))
	require.NoError(t, err)
	_, err = ds.Save(ctx, strata.NewRecord(map[string]any{"title": "b"}))
	require.NoError(t, err)
	require.True(t, strata.IsTempID(a.ID))

	res, err := ds.Sync(ctx, nil)
	require.NoError(t, err)
	require.True(t, res.Push.OK())
	require.Len(t, res.Records, 2)
	assert.Len(t, e.backend.Records("books"), 2)

	for _, r := range res.Records {
		assert.False(t, strata.IsTempID(r.ID))
		assert.Equal(t, "anonymous", r.ACL.Creator)
	}

	// Delta round: one change, one deletion on the server.
	e.clock.Advance(time.Minute)
	e.backend.DeleteDirect("books", res.Records[0].ID)
	e.backend.Seed("books", strata.NewRecord(map[string]any{"title": "c"}))

	got, err := ds.Pull(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	n, err := ds.Count(ctx, strata.NewQuery().Equal("title", "c"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEndToEnd_AutoFallsBackWhenServiceUnavailable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.backend.Seed("books", strata.NewRecord(map[string]any{"title": "seeded"}))
	ds := e.store(t, strata.StoreOptions{Mode: strata.ModeAuto})

	got, err := ds.Find(ctx, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)

	e.backend.SetUnavailable(true)
	got, err = ds.Find(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	saved, err := ds.Save(ctx, strata.NewRecord(map[string]any{"title": "queued"}))
	require.NoError(t, err)
	assert.True(t, strata.IsTempID(saved.ID))

	e.backend.SetUnavailable(false)
	res, err := ds.Push(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Len(t, e.backend.Records("books"), 2)
}

func TestEndToEnd_DeltaSetUnavailableFallsBack(t *testing.T) {
	e := newEnv(t, server.WithoutDeltaSet())
	ctx := context.Background()
	seeded := e.backend.Seed("books",
		strata.NewRecord(map[string]any{"title": "one"}),
		strata.NewRecord(map[string]any{"title": "two"}),
	)
	ds := e.store(t, strata.StoreOptions{Mode: strata.ModeSync, DeltaSet: true})

	_, err := ds.Pull(ctx, nil)
	require.NoError(t, err)
	e.backend.DeleteDirect("books", seeded[0].ID)

	got, err := ds.Pull(ctx, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, seeded[1].ID, got[0].ID)
}

func TestEndToEnd_ExpiredCursorFallsBack(t *testing.T) {
	e := newEnv(t, server.WithDeltaHistory(time.Hour))
	ctx := context.Background()
	e.backend.Seed("books", strata.NewRecord(map[string]any{"title": "one"}))
	ds := e.store(t, strata.StoreOptions{Mode: strata.ModeSync, DeltaSet: true})

	_, err := ds.Pull(ctx, nil)
	require.NoError(t, err)

	e.clock.Advance(2 * time.Hour)
	e.backend.Seed("books", strata.NewRecord(map[string]any{"title": "two"}))
	got, err := ds.Pull(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestEndToEnd_BadCredentialsAreApplicationErrors(t *testing.T) {
	backend := server.New(server.WithAuth("app", "tok"))
	ts := httptest.NewServer(backend.Handler())
	defer ts.Close()

	rs := remote.NewHTTPClient(ts.URL, "app", "wrong")
	_, err := rs.Find(context.Background(), "books", strata.NewQuery())

	var re *strata.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, strata.CodeInsufficientCredentials, re.Code)
	assert.Equal(t, 401, re.StatusCode)
}

func TestEndToEnd_NetworkModeCRUD(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ds := e.store(t, strata.StoreOptions{Mode: strata.ModeNetwork})

	created, err := ds.Save(ctx, strata.NewRecord(map[string]any{"title": "net", "n": 1}))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	created.Fields["n"] = 2
	updated, err := ds.Save(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, 2.0, updated.Fields["n"])

	got, err := ds.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "net", got.Fields["title"])

	n, err := ds.Count(ctx, strata.NewQuery().Equal("n", 2))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = ds.RemoveByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = ds.FindByID(ctx, created.ID)
	var re *strata.RemoteError
	require.ErrorAs(t, err, &re)
	assert.True(t, re.NotFound())

	_, err = ds.Remove(ctx, strata.NewQuery().Equal("title", "none"))
	assert.NoError(t, err)
}
