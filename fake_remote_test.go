package strata

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errRefused = errors.New("dial tcp 127.0.0.1:1: connect: connection refused")

// fakeRemote is an in-memory RemoteStore with the same semantics as the
// reference backend, plus fault injection.
type fakeRemote struct {
	mu         sync.Mutex
	now        func() time.Time
	order      map[string][]string
	records    map[string]map[string]Record
	tombstones map[string]map[string]time.Time
	nextID     int

	offline  bool
	deltaErr error
	failOn   func(op, id string) error
	calls    []string

	// around runs before each write call without holding mu, so tests can
	// block or count concurrent callers. Set it before the remote is used.
	around func(op, id string)
}

func newFakeRemote(now func() time.Time) *fakeRemote {
	if now == nil {
		now = time.Now
	}
	return &fakeRemote{
		now:        now,
		order:      map[string][]string{},
		records:    map[string]map[string]Record{},
		tombstones: map[string]map[string]time.Time{},
	}
}

func (f *fakeRemote) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

func (f *fakeRemote) hold(op, id string) {
	if f.around != nil {
		f.around(op, id)
	}
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// enter records the call and applies injected faults. Callers hold f.mu.
func (f *fakeRemote) enter(ctx context.Context, op, id string) error {
	f.calls = append(f.calls, op+":"+id)
	if err := ctx.Err(); err != nil {
		return &ConnectivityError{Operation: op, Err: err}
	}
	if f.offline {
		return &ConnectivityError{Operation: op, Err: errRefused}
	}
	if f.failOn != nil {
		if err := f.failOn(op, id); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeRemote) coll(name string) map[string]Record {
	if f.records[name] == nil {
		f.records[name] = map[string]Record{}
		f.tombstones[name] = map[string]time.Time{}
	}
	return f.records[name]
}

func (f *fakeRemote) put(name string, r Record) Record {
	c := f.coll(name)
	now := f.now().UTC()
	r = r.Clone()
	if r.ID == "" {
		f.nextID++
		r.ID = fmt.Sprintf("srv-%03d", f.nextID)
	}
	meta := Metadata{LastModifiedTime: now, EntityCreationTime: now}
	if old, ok := c[r.ID]; ok {
		meta.EntityCreationTime = old.Meta.EntityCreationTime
	} else {
		f.order[name] = append(f.order[name], r.ID)
	}
	r.Meta = &meta
	if r.ACL == nil {
		r.ACL = &ACL{Creator: "tester"}
	}
	r, _ = normalizeRecord(r)
	c[r.ID] = r
	delete(f.tombstones[name], r.ID)
	return r.Clone()
}

func (f *fakeRemote) del(name, id string) bool {
	c := f.coll(name)
	if _, ok := c[id]; !ok {
		return false
	}
	delete(c, id)
	ids := f.order[name]
	for i, v := range ids {
		if v == id {
			f.order[name] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	f.tombstones[name][id] = f.now().UTC()
	return true
}

func (f *fakeRemote) all(name string) []Record {
	c := f.coll(name)
	out := make([]Record, 0, len(c))
	for _, id := range f.order[name] {
		out = append(out, c[id].Clone())
	}
	return out
}

// seed stores records directly, bypassing fault injection.
func (f *fakeRemote) seed(name string, records ...Record) []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = f.put(name, r)
	}
	return out
}

func (f *fakeRemote) deleteDirect(name, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.del(name, id)
}

func (f *fakeRemote) snapshot(name string) []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all(name)
}

func (f *fakeRemote) Create(ctx context.Context, collection string, r Record) (Record, error) {
	f.hold("create", r.ID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "create", r.ID); err != nil {
		return Record{}, err
	}
	if _, exists := f.coll(collection)[r.ID]; r.ID != "" && exists {
		return Record{}, &RemoteError{Operation: "create", StatusCode: 409, Code: "EntityAlreadyExists"}
	}
	return f.put(collection, r), nil
}

func (f *fakeRemote) Update(ctx context.Context, collection string, r Record) (Record, error) {
	f.hold("update", r.ID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "update", r.ID); err != nil {
		return Record{}, err
	}
	return f.put(collection, r), nil
}

func (f *fakeRemote) Delete(ctx context.Context, collection, id string) (int, error) {
	f.hold("delete", id)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "delete", id); err != nil {
		return 0, err
	}
	if !f.del(collection, id) {
		return 0, &RemoteError{Operation: "delete", StatusCode: 404, Code: CodeEntityNotFound}
	}
	return 1, nil
}

func (f *fakeRemote) DeleteByQuery(ctx context.Context, collection string, q *Query) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "delete_by_query", ""); err != nil {
		return 0, err
	}
	n := 0
	for _, r := range q.Apply(f.all(collection)) {
		if f.del(collection, r.ID) {
			n++
		}
	}
	return n, nil
}

func (f *fakeRemote) Find(ctx context.Context, collection string, q *Query) (*FindResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := f.now().UTC()
	if err := f.enter(ctx, "find", ""); err != nil {
		return nil, err
	}
	return &FindResult{Records: q.Apply(f.all(collection)), RequestStart: start}, nil
}

func (f *fakeRemote) FindByID(ctx context.Context, collection, id string) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "find_by_id", id); err != nil {
		return Record{}, err
	}
	r, ok := f.coll(collection)[id]
	if !ok {
		return Record{}, &RemoteError{Operation: "find_by_id", StatusCode: 404, Code: CodeEntityNotFound}
	}
	return r.Clone(), nil
}

func (f *fakeRemote) Count(ctx context.Context, collection string, q *Query) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, "count", ""); err != nil {
		return 0, err
	}
	filter := &Query{Filter: q.Filter}
	return len(filter.Apply(f.all(collection))), nil
}

func (f *fakeRemote) DeltaSet(ctx context.Context, collection string, q *Query, since time.Time) (*DeltaSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := f.now().UTC()
	if err := f.enter(ctx, "deltaset", ""); err != nil {
		return nil, err
	}
	if f.deltaErr != nil {
		return nil, f.deltaErr
	}
	ds := &DeltaSet{RequestStart: start}
	for _, r := range q.Apply(f.all(collection)) {
		if !r.Meta.LastModifiedTime.Before(since) {
			ds.Changed = append(ds.Changed, r)
		}
	}
	for id, at := range f.tombstones[collection] {
		if !at.Before(since) {
			ds.Deleted = append(ds.Deleted, id)
		}
	}
	return ds, nil
}

// testClock is a manually advanced clock.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// newTestClient opens a client over a temp database wired to remote.
func newTestClient(t *testing.T, remote RemoteStore, clock *testClock) *Client {
	t.Helper()
	cfg := Config{
		LocalPath: filepath.Join(t.TempDir(), "cache.db"),
		Clock:     clock.Now,
	}
	if remote != nil {
		cfg.Remote = remote
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func openStore(t *testing.T, c *Client, collection string, opts StoreOptions) *DataStore {
	t.Helper()
	ds, err := c.DataStore(collection, opts)
	require.NoError(t, err)
	return ds
}

func ids(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
