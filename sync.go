package strata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultPushConcurrency bounds how many entities are pushed at once.
const DefaultPushConcurrency = 4

// SyncCoordinator reconciles one (collection, tag) partition with the remote
// store: push drains the pending log, pull refreshes the cache.
type SyncCoordinator struct {
	collection string
	tag        string

	store  *Store
	cache  *Cache
	log    *PendingLog
	remote RemoteStore
	logger *slog.Logger

	concurrency int
	deltaSet    bool
	pageSize    int
	now         func() time.Time

	// mu serializes push and pull passes over the partition. It is shared
	// by every DataStore on the same partition.
	mu *sync.Mutex
}

// Push replays pending operations against the remote store.
//
// Operations on the same entity run in recording order and stop at the
// first failure; different entities are pushed concurrently. A failed
// operation stays in the log. When ctx ends, operations not yet attempted
// are reported with ErrPushTimeout (or the cancellation cause) and stay
// pending as well.
//
// The returned error is non-nil only for local storage faults; remote
// failures are reported in the result.
func (s *SyncCoordinator) Push(ctx context.Context) (*PushResult, error) {
	if s.remote == nil {
		return nil, ErrOffline
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ops, err := s.log.Pending()
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		zero := 0
		return &PushResult{Count: &zero}, nil
	}

	var (
		resMu     sync.Mutex
		succeeded int
		failures  []PushFailure
	)
	fail := func(op PendingOperation, err error) {
		resMu.Lock()
		failures = append(failures, PushFailure{Operation: op, Err: err})
		resMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, chain := range chainByEntity(ops) {
		if gctx.Err() != nil {
			for _, op := range chain {
				fail(op, notAttempted(ctx, gctx))
			}
			continue
		}
		g.Go(func() error {
			for i, op := range chain {
				if gctx.Err() != nil {
					for _, rest := range chain[i:] {
						fail(rest, notAttempted(ctx, gctx))
					}
					return nil
				}
				done, err := s.pushOne(gctx, op)
				if err != nil {
					var ce *CacheError
					if errors.As(err, &ce) {
						fail(op, err)
						return err
					}
					s.logger.Warn("push operation failed",
						"collection", s.collection, "tag", s.tag,
						"op", op.Kind, "id", op.EntityID, "error", err)
					fail(op, err)
					for _, rest := range chain[i+1:] {
						fail(rest, fmt.Errorf("%w: %s", ErrBlocked, op.EntityID))
					}
					return nil
				}
				if done {
					resMu.Lock()
					succeeded++
					resMu.Unlock()
				}
			}
			return nil
		})
	}
	fatal := g.Wait()

	sort.Slice(failures, func(i, j int) bool {
		return failures[i].Operation.Seq < failures[j].Operation.Seq
	})
	result := &PushResult{Succeeded: succeeded, Errors: failures}
	if len(failures) == 0 {
		n := succeeded
		result.Count = &n
	}

	s.logger.Info("push complete",
		"collection", s.collection, "tag", s.tag,
		"succeeded", succeeded, "failed", len(failures))
	return result, fatal
}

// notAttempted is the error recorded for operations skipped because the push
// context ended.
func notAttempted(parent, group context.Context) error {
	if errors.Is(parent.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrPushTimeout, parent.Err())
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	return group.Err()
}

// chainByEntity groups operations per entity, keeping recording order within
// each chain and ordering chains by their first operation.
func chainByEntity(ops []PendingOperation) [][]PendingOperation {
	index := map[string]int{}
	var chains [][]PendingOperation
	for _, op := range ops {
		i, ok := index[op.EntityID]
		if !ok {
			i = len(chains)
			index[op.EntityID] = i
			chains = append(chains, nil)
		}
		chains[i] = append(chains[i], op)
	}
	return chains
}

// pushOne sends a single operation. It reports false when the operation had
// already left the log, for example after a concurrent purge.
func (s *SyncCoordinator) pushOne(ctx context.Context, queued PendingOperation) (bool, error) {
	// Earlier operations in the chain may have retargeted this one.
	var (
		op    PendingOperation
		found bool
	)
	err := s.store.read("push", func(q querier) error {
		var err error
		op, found, err = s.log.getTx(q, queued.Seq)
		return err
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	switch op.Kind {
	case OpCreate:
		return true, s.pushCreate(ctx, op)
	case OpUpdate:
		return true, s.pushUpdate(ctx, op)
	case OpDelete:
		return true, s.pushDelete(ctx, op)
	}
	return false, fmt.Errorf("unknown operation kind %q", op.Kind)
}

func (s *SyncCoordinator) pushCreate(ctx context.Context, op PendingOperation) error {
	payload := op.Record.Clone()
	if IsTempID(payload.ID) {
		payload.ID = ""
	}
	payload.Meta = nil

	canonical, err := s.remote.Create(ctx, s.collection, payload)
	if err != nil {
		return err
	}

	return s.store.write("push_create", func(tx *sql.Tx) error {
		oldID := op.EntityID
		removed, err := s.log.removeTx(tx, op)
		if err != nil {
			return err
		}
		if removed {
			if oldID != canonical.ID {
				if err := s.log.retargetTx(tx, oldID, canonical.ID); err != nil {
					return err
				}
				if _, err := s.cache.removeIDsTx(tx, []string{oldID}); err != nil {
					return err
				}
			}
			_, err := s.cache.upsertTx(tx, canonical)
			return err
		}

		// The create was rewritten while in flight. The entity now exists
		// remotely, so the newer payload goes out as an update on the server id.
		current, ok, err := s.log.getTx(tx, op.Seq)
		if err != nil {
			return err
		}
		if !ok {
			// Deleted or purged locally while in flight.
			return s.log.insertTx(tx, OpDelete, canonical)
		}
		newer := canonical
		if current.Record != nil {
			newer = current.Record.Clone()
			newer.ID = canonical.ID
			newer.Meta = canonical.Meta
		}
		if err := s.log.convertTx(tx, op.Seq, OpUpdate, newer); err != nil {
			return err
		}
		if oldID != canonical.ID {
			if err := s.log.retargetTx(tx, oldID, canonical.ID); err != nil {
				return err
			}
			if _, err := s.cache.removeIDsTx(tx, []string{oldID}); err != nil {
				return err
			}
		}
		_, err = s.cache.upsertTx(tx, newer)
		return err
	})
}

func (s *SyncCoordinator) pushUpdate(ctx context.Context, op PendingOperation) error {
	payload := op.Record.Clone()
	payload.ID = op.EntityID

	canonical, err := s.remote.Update(ctx, s.collection, payload)
	if err != nil {
		return err
	}

	return s.store.write("push_update", func(tx *sql.Tx) error {
		removed, err := s.log.removeTx(tx, op)
		if err != nil || !removed {
			// A newer local payload is queued; the cache already holds it.
			return err
		}
		pending, err := s.log.hasEntityTx(tx, op.EntityID)
		if err != nil || pending {
			return err
		}
		_, err = s.cache.upsertTx(tx, canonical)
		return err
	})
}

func (s *SyncCoordinator) pushDelete(ctx context.Context, op PendingOperation) error {
	if _, err := s.remote.Delete(ctx, s.collection, op.EntityID); err != nil && !isRemoteNotFound(err) {
		return err
	}
	return s.store.write("push_delete", func(tx *sql.Tx) error {
		_, err := s.log.removeTx(tx, op)
		return err
	})
}

// Pull refreshes the cache from the remote store and returns the cached
// records matching q.
//
// It refuses to run while local changes are pending. With a stored cursor
// and delta sets enabled it fetches only changes since the cursor, falling
// back to a full pull when the server cannot serve the delta. A full pull
// also removes cached records whose ids no longer exist remotely.
func (s *SyncCoordinator) Pull(ctx context.Context, q *Query, opts PullOptions) ([]Record, error) {
	if s.remote == nil {
		return nil, ErrOffline
	}
	if q == nil {
		q = NewQuery()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.read("pull", s.requireNoPending); err != nil {
		return nil, err
	}

	if s.deltaSet && !opts.DisableDeltaSet && !q.HasRange() {
		var (
			cursor time.Time
			ok     bool
		)
		err := s.store.read("pull", func(db querier) error {
			var err error
			cursor, ok, err = getCursor(db, s.collection, s.tag, q.Key())
			return err
		})
		if err != nil {
			return nil, err
		}
		if ok {
			err := s.pullDelta(ctx, q, cursor)
			switch {
			case err == nil:
				return s.cache.Find(q)
			case isFeatureUnavailable(err):
				s.logger.Info("delta set unavailable, running full pull",
					"collection", s.collection, "tag", s.tag, "error", err)
			default:
				return nil, err
			}
		}
	}

	if err := s.pullFull(ctx, q, s.pageSizeFor(opts)); err != nil {
		return nil, err
	}
	return s.cache.Find(q)
}

// requireNoPending fails with ErrPendingChanges when the partition has
// queued changes. Reconcile transactions call it again after the fetch,
// since local writes do not wait for the partition lock.
func (s *SyncCoordinator) requireNoPending(q querier) error {
	pending, err := s.log.countTx(q)
	if err != nil {
		return err
	}
	if pending > 0 {
		return &InvariantError{
			Operation: "pull",
			Err:       fmt.Errorf("%w (%d in %s/%s)", ErrPendingChanges, pending, s.collection, s.tag),
		}
	}
	return nil
}

func (s *SyncCoordinator) pageSizeFor(opts PullOptions) int {
	if opts.PageSize > 0 {
		return opts.PageSize
	}
	return s.pageSize
}

func (s *SyncCoordinator) pullDelta(ctx context.Context, q *Query, since time.Time) error {
	filter := q.Clone()
	filter.Sort, filter.Fields = nil, nil

	delta, err := s.remote.DeltaSet(ctx, s.collection, filter, since)
	if err != nil {
		return err
	}

	err = s.store.write("pull_delta", func(tx *sql.Tx) error {
		if err := s.requireNoPending(tx); err != nil {
			return err
		}
		for _, r := range delta.Changed {
			if _, err := s.cache.upsertTx(tx, r); err != nil {
				return err
			}
		}
		if _, err := s.cache.removeIDsTx(tx, delta.Deleted); err != nil {
			return err
		}
		if delta.RequestStart.IsZero() {
			return nil
		}
		return setCursor(tx, s.collection, s.tag, q.Key(), delta.RequestStart, s.now())
	})
	if err != nil {
		return err
	}

	s.logger.Info("delta pull complete",
		"collection", s.collection, "tag", s.tag,
		"changed", len(delta.Changed), "deleted", len(delta.Deleted))
	return nil
}

func (s *SyncCoordinator) pullFull(ctx context.Context, q *Query, pageSize int) error {
	fetch := q.Clone()
	fetch.Fields = nil

	records, requestStart, err := s.fetchAll(ctx, fetch, pageSize)
	if err != nil {
		return err
	}

	idQuery := NewQuery().WithFields(FieldID)
	serverIDs, _, err := s.fetchAll(ctx, idQuery, pageSize)
	if err != nil {
		return err
	}
	live := make(map[string]struct{}, len(serverIDs))
	for _, r := range serverIDs {
		live[r.ID] = struct{}{}
	}

	var swept int
	err = s.store.write("pull", func(tx *sql.Tx) error {
		if err := s.requireNoPending(tx); err != nil {
			return err
		}
		cached, err := s.cache.allIDsTx(tx)
		if err != nil {
			return err
		}
		var stale []string
		for _, id := range cached {
			if _, ok := live[id]; !ok {
				stale = append(stale, id)
			}
		}
		if swept, err = s.cache.removeIDsTx(tx, stale); err != nil {
			return err
		}
		for _, r := range records {
			if _, err := s.cache.upsertTx(tx, r); err != nil {
				return err
			}
		}
		if q.HasRange() || requestStart.IsZero() {
			return nil
		}
		return setCursor(tx, s.collection, s.tag, q.Key(), requestStart, s.now())
	})
	if err != nil {
		return err
	}

	s.logger.Info("pull complete",
		"collection", s.collection, "tag", s.tag,
		"fetched", len(records), "removed", swept)
	return nil
}

// fetchAll runs q against the remote store, paging with skip/limit when
// pageSize is positive. The returned time is the first page's request start.
func (s *SyncCoordinator) fetchAll(ctx context.Context, q *Query, pageSize int) ([]Record, time.Time, error) {
	if pageSize <= 0 {
		res, err := s.remote.Find(ctx, s.collection, q)
		if err != nil {
			return nil, time.Time{}, err
		}
		return res.Records, res.RequestStart, nil
	}

	var (
		all   []Record
		start time.Time
	)
	remaining := q.Limit
	for page := 0; ; page++ {
		p := q.Clone()
		p.Skip = q.Skip + page*pageSize
		p.Limit = pageSize
		if q.Limit > 0 {
			p.Limit = min(pageSize, remaining)
		}
		res, err := s.remote.Find(ctx, s.collection, p)
		if err != nil {
			return nil, time.Time{}, err
		}
		if page == 0 {
			start = res.RequestStart
		}
		all = append(all, res.Records...)
		if q.Limit > 0 {
			remaining -= len(res.Records)
			if remaining <= 0 {
				break
			}
		}
		if len(res.Records) < p.Limit {
			break
		}
	}
	return all, start, nil
}

// refresh fetches q remotely and caches every result that has no pending
// local change. It does not sweep deletions or move the cursor.
func (s *SyncCoordinator) refresh(ctx context.Context, q *Query) error {
	if s.remote == nil {
		return ErrOffline
	}
	fetch := q.Clone()
	fetch.Fields = nil

	s.mu.Lock()
	defer s.mu.Unlock()

	records, _, err := s.fetchAll(ctx, fetch, s.pageSize)
	if err != nil {
		return err
	}
	return s.store.write("refresh", func(tx *sql.Tx) error {
		for _, r := range records {
			pending, err := s.log.hasEntityTx(tx, r.ID)
			if err != nil {
				return err
			}
			if pending {
				continue
			}
			if _, err := s.cache.upsertTx(tx, r); err != nil {
				return err
			}
		}
		return nil
	})
}
