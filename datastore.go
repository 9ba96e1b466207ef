package strata

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

// StoreOptions configures a DataStore.
type StoreOptions struct {
	// Mode selects the read/write policy. Defaults to ModeAuto.
	Mode StoreMode

	// Tag partitions the local cache and pending log. Defaults to "default".
	Tag string

	// TTL hides cached records whose last-modified time is older than TTL.
	// Zero disables expiry.
	TTL time.Duration

	// DeltaSet enables incremental pulls once a full pull has stored a cursor.
	DeltaSet bool

	// PageSize enables auto-pagination of pulls when positive.
	PageSize int

	// PushTimeout bounds each push when the caller's context has no deadline.
	PushTimeout time.Duration
}

// SyncResult is the outcome of Sync: the push result and, when the push
// drained the log, the pulled records.
type SyncResult struct {
	Push    *PushResult
	Records []Record
}

// DataStore is the public read/write surface for one collection partition.
// It routes each call to the cache, the remote store, or both according to
// its mode. A DataStore is safe for concurrent use.
type DataStore struct {
	collection string
	tag        string
	mode       StoreMode
	opts       StoreOptions

	store  *Store
	cache  *Cache
	log    *PendingLog
	sync   *SyncCoordinator
	remote RemoteStore
	logger *slog.Logger
	now    func() time.Time
}

// Collection returns the collection name.
func (ds *DataStore) Collection() string { return ds.collection }

// Tag returns the partition tag.
func (ds *DataStore) Tag() string { return ds.tag }

// Mode returns the store mode.
func (ds *DataStore) Mode() StoreMode { return ds.mode }

// Find returns records matching q.
//
// Network mode queries the remote store. Cache and Sync modes read the
// cache. Auto mode pulls first (or, with pending changes, refreshes the
// entities that have none) and serves from the cache when the remote store
// is unreachable.
func (ds *DataStore) Find(ctx context.Context, q *Query) ([]Record, error) {
	if q == nil {
		q = NewQuery()
	}
	switch ds.mode {
	case ModeNetwork:
		if ds.remote == nil {
			return nil, ErrOffline
		}
		res, err := ds.remote.Find(ctx, ds.collection, q)
		if err != nil {
			return nil, err
		}
		return res.Records, nil
	case ModeAuto:
		return ds.autoFind(ctx, q)
	}
	return ds.cache.Find(q)
}

func (ds *DataStore) autoFind(ctx context.Context, q *Query) ([]Record, error) {
	if ds.remote == nil {
		return ds.cache.Find(q)
	}

	pending, err := ds.log.Count()
	if err != nil {
		return nil, err
	}
	if pending == 0 {
		records, err := ds.sync.Pull(ctx, q, PullOptions{})
		switch {
		case err == nil:
			return records, nil
		case errors.Is(err, ErrPendingChanges):
			// A write queued while we were checking; refresh around it.
		case ds.fallback("find", err):
			return ds.cache.Find(q)
		default:
			return nil, err
		}
	}

	if err := ds.sync.refresh(ctx, q); err != nil && !ds.fallback("find", err) {
		return nil, err
	}
	return ds.cache.Find(q)
}

// FindByID returns a single record. A missing record is ErrNotFound from
// the cache, or a *RemoteError with CodeEntityNotFound from the remote store.
func (ds *DataStore) FindByID(ctx context.Context, id string) (Record, error) {
	if id == "" {
		return Record{}, ErrMissingID
	}
	switch ds.mode {
	case ModeNetwork:
		if ds.remote == nil {
			return Record{}, ErrOffline
		}
		return ds.remote.FindByID(ctx, ds.collection, id)
	case ModeAuto:
		if ds.remote == nil || IsTempID(id) {
			return ds.cache.FindByID(id)
		}
		r, err := ds.remote.FindByID(ctx, ds.collection, id)
		if err != nil {
			if ds.fallback("find_by_id", err) {
				return ds.cache.FindByID(id)
			}
			return Record{}, err
		}
		var out Record
		err = ds.store.write("find_by_id", func(tx *sql.Tx) error {
			pending, err := ds.log.hasEntityTx(tx, id)
			if err != nil {
				return err
			}
			if pending {
				out, err = ds.cache.findByIDTx(tx, id)
				return err
			}
			out, err = ds.cache.upsertTx(tx, r)
			return err
		})
		return out, err
	}
	return ds.cache.FindByID(id)
}

// Count returns the number of records matching q's filter.
func (ds *DataStore) Count(ctx context.Context, q *Query) (int, error) {
	if q == nil {
		q = NewQuery()
	}
	switch ds.mode {
	case ModeNetwork:
		if ds.remote == nil {
			return 0, ErrOffline
		}
		return ds.remote.Count(ctx, ds.collection, q)
	case ModeAuto:
		if ds.remote == nil {
			return ds.cache.Count(q)
		}
		n, err := ds.remote.Count(ctx, ds.collection, q)
		if err != nil && ds.fallback("count", err) {
			return ds.cache.Count(q)
		}
		return n, err
	}
	return ds.cache.Count(q)
}

// Save creates r when it has no id (or only a temporary one) and updates it
// otherwise. In Cache and Sync modes the write is queued for push and the
// stored copy carries a temporary id until then.
func (ds *DataStore) Save(ctx context.Context, r Record) (Record, error) {
	switch ds.mode {
	case ModeNetwork:
		if ds.remote == nil {
			return Record{}, ErrOffline
		}
		return ds.saveRemote(ctx, r)
	case ModeAuto:
		if ds.remote == nil {
			return ds.saveLocal(r)
		}
		canonical, err := ds.saveRemote(ctx, r)
		if err != nil {
			if ds.fallback("save", err) {
				return ds.saveLocal(r)
			}
			return Record{}, err
		}
		var stored Record
		err = ds.store.write("save", func(tx *sql.Tx) error {
			if r.ID != "" && r.ID != canonical.ID {
				if _, err := ds.log.removeEntityTx(tx, r.ID); err != nil {
					return err
				}
				if _, err := ds.cache.removeIDsTx(tx, []string{r.ID}); err != nil {
					return err
				}
			}
			if _, err := ds.log.removeEntityTx(tx, canonical.ID); err != nil {
				return err
			}
			var err error
			stored, err = ds.cache.upsertTx(tx, canonical)
			return err
		})
		if err != nil {
			// The remote write stands; the cache now lags it.
			return canonical, err
		}
		return stored, nil
	}
	return ds.saveLocal(r)
}

func (ds *DataStore) saveRemote(ctx context.Context, r Record) (Record, error) {
	payload := r.Clone()
	payload.Meta = nil
	if payload.ID == "" || IsTempID(payload.ID) {
		payload.ID = ""
		return ds.remote.Create(ctx, ds.collection, payload)
	}
	return ds.remote.Update(ctx, ds.collection, payload)
}

func (ds *DataStore) saveLocal(r Record) (Record, error) {
	var stored Record
	err := ds.store.write("save", func(tx *sql.Tx) error {
		var err error
		stored, err = ds.saveLocalTx(tx, r)
		return err
	})
	return stored, err
}

func (ds *DataStore) saveLocalTx(tx *sql.Tx, r Record) (Record, error) {
	r = r.Clone()
	kind := OpUpdate
	switch {
	case r.ID == "":
		r.ID = NewTempID()
		kind = OpCreate
	case IsTempID(r.ID):
		pending, err := ds.log.hasEntityTx(tx, r.ID)
		if err != nil {
			return Record{}, err
		}
		if !pending {
			kind = OpCreate
		}
	}

	existing, found, err := ds.cache.rawTx(tx, r.ID)
	if err != nil {
		return Record{}, err
	}
	if found && r.ACL == nil {
		r.ACL = existing.ACL
	}
	r.Meta = &Metadata{LastModifiedTime: ds.now().UTC()}

	stored, err := ds.cache.upsertTx(tx, r)
	if err != nil {
		return Record{}, err
	}
	if err := ds.log.recordTx(tx, kind, stored); err != nil {
		return Record{}, err
	}
	return stored, nil
}

// Remove deletes every record matching q and returns how many were removed.
// In Cache and Sync modes each removed record queues its own delete.
func (ds *DataStore) Remove(ctx context.Context, q *Query) (int, error) {
	if q == nil {
		q = NewQuery()
	}
	switch ds.mode {
	case ModeNetwork:
		if ds.remote == nil {
			return 0, ErrOffline
		}
		return ds.remote.DeleteByQuery(ctx, ds.collection, q)
	case ModeAuto:
		if ds.remote == nil {
			return ds.removeLocal(q)
		}
		n, err := ds.remote.DeleteByQuery(ctx, ds.collection, q)
		if err != nil {
			if ds.fallback("remove", err) {
				return ds.removeLocal(q)
			}
			return 0, err
		}
		err = ds.store.write("remove", func(tx *sql.Tx) error {
			removed, err := ds.cache.removeMatchingTx(tx, q)
			if err != nil {
				return err
			}
			for _, r := range removed {
				if _, err := ds.log.removeEntityTx(tx, r.ID); err != nil {
					return err
				}
			}
			return nil
		})
		return n, err
	}
	return ds.removeLocal(q)
}

func (ds *DataStore) removeLocal(q *Query) (int, error) {
	var n int
	err := ds.store.write("remove", func(tx *sql.Tx) error {
		removed, err := ds.cache.removeMatchingTx(tx, q)
		if err != nil {
			return err
		}
		for _, r := range removed {
			if err := ds.log.recordTx(tx, OpDelete, r); err != nil {
				return err
			}
		}
		n = len(removed)
		return nil
	})
	return n, err
}

// RemoveByID deletes one record and returns the removed count.
func (ds *DataStore) RemoveByID(ctx context.Context, id string) (int, error) {
	if id == "" {
		return 0, ErrMissingID
	}
	switch ds.mode {
	case ModeNetwork:
		if ds.remote == nil {
			return 0, ErrOffline
		}
		return ds.remote.Delete(ctx, ds.collection, id)
	case ModeAuto:
		if ds.remote == nil || IsTempID(id) {
			return ds.removeByIDLocal(id)
		}
		n, err := ds.remote.Delete(ctx, ds.collection, id)
		if err != nil {
			if ds.fallback("remove_by_id", err) {
				return ds.removeByIDLocal(id)
			}
			return 0, err
		}
		err = ds.store.write("remove_by_id", func(tx *sql.Tx) error {
			if _, err := ds.cache.removeIDsTx(tx, []string{id}); err != nil {
				return err
			}
			_, err := ds.log.removeEntityTx(tx, id)
			return err
		})
		return n, err
	}
	return ds.removeByIDLocal(id)
}

func (ds *DataStore) removeByIDLocal(id string) (int, error) {
	var n int
	err := ds.store.write("remove_by_id", func(tx *sql.Tx) error {
		existing, found, err := ds.cache.rawTx(tx, id)
		if err != nil {
			return err
		}
		if !found {
			existing = Record{ID: id}
		}
		if n, err = ds.cache.removeIDsTx(tx, []string{id}); err != nil {
			return err
		}
		return ds.log.recordTx(tx, OpDelete, existing)
	})
	return n, err
}

// Push replays pending changes against the remote store.
func (ds *DataStore) Push(ctx context.Context) (*PushResult, error) {
	if !ds.mode.usesCache() {
		return nil, ErrModeUnsupported
	}
	if _, ok := ctx.Deadline(); !ok && ds.opts.PushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ds.opts.PushTimeout)
		defer cancel()
	}
	return ds.sync.Push(ctx)
}

// Pull refreshes the cache from the remote store and returns the cached
// records matching q. It fails with ErrPendingChanges while changes await push.
func (ds *DataStore) Pull(ctx context.Context, q *Query, opts ...PullOptions) ([]Record, error) {
	if !ds.mode.usesCache() {
		return nil, ErrModeUnsupported
	}
	var o PullOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return ds.sync.Pull(ctx, q, o)
}

// Sync pushes pending changes and then pulls q. When the push leaves
// failures the pull is skipped: the result carries the push outcome and
// nil Records.
func (ds *DataStore) Sync(ctx context.Context, q *Query) (*SyncResult, error) {
	push, err := ds.Push(ctx)
	if err != nil {
		return nil, err
	}
	result := &SyncResult{Push: push}
	if !push.OK() {
		ds.logger.Info("pull skipped after incomplete push",
			"collection", ds.collection, "tag", ds.tag, "failed", len(push.Errors))
		return result, nil
	}
	result.Records, err = ds.Pull(ctx, q)
	return result, err
}

// Purge discards pending changes whose payload matches q (every pending
// change when q is empty) without contacting the remote store. Records
// that only exist locally because of a purged create are removed from the
// cache. It returns the number of discarded changes.
func (ds *DataStore) Purge(q *Query) (int, error) {
	if !ds.mode.usesCache() {
		return 0, ErrModeUnsupported
	}
	var n int
	err := ds.store.write("purge", func(tx *sql.Tx) error {
		ops, err := ds.log.listTx(tx, "")
		if err != nil {
			return err
		}
		for _, op := range ops {
			if q.IsFiltered() && (op.Record == nil || !q.Matches(*op.Record)) {
				continue
			}
			if err := ds.log.removeSeqTx(tx, op.Seq); err != nil {
				return err
			}
			if op.Kind == OpCreate {
				if _, err := ds.cache.removeIDsTx(tx, []string{op.EntityID}); err != nil {
					return err
				}
			}
			n++
		}
		return nil
	})
	if err == nil && n > 0 {
		ds.logger.Info("purged pending changes", "collection", ds.collection, "tag", ds.tag, "count", n)
	}
	return n, err
}

// Clear removes cached records matching q together with their pending
// changes. An empty q clears the whole partition, including pull cursors.
// Nothing is sent to the remote store.
func (ds *DataStore) Clear(q *Query) (int, error) {
	if !ds.mode.usesCache() {
		return 0, ErrModeUnsupported
	}
	var n int
	err := ds.store.write("clear", func(tx *sql.Tx) error {
		if !q.IsFiltered() {
			var err error
			if n, err = ds.cache.removeAllTx(tx); err != nil {
				return err
			}
			_, err = ds.log.removeAllTx(tx)
			return err
		}
		removed, err := ds.cache.removeMatchingTx(tx, q)
		if err != nil {
			return err
		}
		for _, r := range removed {
			if _, err := ds.log.removeEntityTx(tx, r.ID); err != nil {
				return err
			}
		}
		n = len(removed)
		return nil
	})
	return n, err
}

// SyncCount returns how many local changes await push.
func (ds *DataStore) SyncCount() (int, error) {
	if ds.mode == ModeNetwork {
		return 0, nil
	}
	return ds.log.Count()
}

// PendingOperations lists the queued changes in push order.
func (ds *DataStore) PendingOperations() ([]PendingOperation, error) {
	if ds.mode == ModeNetwork {
		return nil, nil
	}
	return ds.log.Pending()
}

// Stats summarizes the local state of the partition.
func (ds *DataStore) Stats() (*Stats, error) {
	stats := &Stats{Collection: ds.collection, Tag: ds.tag}
	err := ds.store.read("stats", func(q querier) error {
		if err := q.QueryRow(`
			SELECT COUNT(*) FROM records WHERE collection = ? AND tag = ?
		`, ds.collection, ds.tag).Scan(&stats.RecordCount); err != nil {
			return err
		}
		var err error
		if stats.PendingCount, err = ds.log.countTx(q); err != nil {
			return err
		}
		stats.LastPull, err = lastPull(q, ds.collection, ds.tag)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// fallback reports whether err permits serving from the cache, logging the
// switch when it does.
func (ds *DataStore) fallback(op string, err error) bool {
	if !IsConnectivity(err) {
		return false
	}
	ds.logger.Warn("remote unreachable, using cache",
		"collection", ds.collection, "tag", ds.tag, "op", op, "error", err)
	return true
}
