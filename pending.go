package strata

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PendingLog is the FIFO queue of local mutations for one (collection, tag)
// partition. Recording coalesces per entity:
//   - an update after a pending create or update rewrites that operation's payload;
//   - a delete drops every pending operation for the entity, and is itself
//     dropped when one of them was a create (the entity never reached the server).
type PendingLog struct {
	store      *Store
	collection string
	tag        string
	now        func() time.Time
}

func newPendingLog(store *Store, collection, tag string, now func() time.Time) *PendingLog {
	if now == nil {
		now = time.Now
	}
	return &PendingLog{store: store, collection: collection, tag: tag, now: now}
}

// Record appends an intent for the given record.
func (l *PendingLog) Record(kind OperationKind, r Record) error {
	return l.store.write("record_pending", func(tx *sql.Tx) error {
		return l.recordTx(tx, kind, r)
	})
}

func (l *PendingLog) recordTx(q querier, kind OperationKind, r Record) error {
	if r.ID == "" {
		return ErrMissingID
	}
	existing, err := l.forEntityTx(q, r.ID)
	if err != nil {
		return err
	}

	switch kind {
	case OpCreate:
		if len(existing) > 0 {
			return &InvariantError{Operation: "record_pending", Err: fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)}
		}
		return l.insertTx(q, OpCreate, r)

	case OpUpdate:
		if n := len(existing); n > 0 && existing[n-1].Kind != OpDelete {
			last := existing[n-1]
			payload, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode payload: %w", err)
			}
			_, err = q.Exec(`
				UPDATE pending_ops SET payload = ?, revision = revision + 1 WHERE seq = ?
			`, string(payload), last.Seq)
			return err
		}
		return l.insertTx(q, OpUpdate, r)

	case OpDelete:
		hadCreate := false
		for _, op := range existing {
			if op.Kind == OpCreate {
				hadCreate = true
			}
		}
		if len(existing) > 0 {
			if _, err := q.Exec(`
				DELETE FROM pending_ops WHERE collection = ? AND tag = ? AND entity_id = ?
			`, l.collection, l.tag, r.ID); err != nil {
				return err
			}
		}
		if hadCreate || IsTempID(r.ID) {
			return nil
		}
		return l.insertTx(q, OpDelete, r)
	}
	return fmt.Errorf("unknown operation kind %q", kind)
}

func (l *PendingLog) insertTx(q querier, kind OperationKind, r Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = q.Exec(`
		INSERT INTO pending_ops (collection, tag, entity_id, op, payload, queued_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.collection, l.tag, r.ID, string(kind), string(payload), l.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return nil
}

// Pending returns the queued operations in recording order.
func (l *PendingLog) Pending() ([]PendingOperation, error) {
	var ops []PendingOperation
	err := l.store.read("pending", func(q querier) error {
		var err error
		ops, err = l.listTx(q, "")
		return err
	})
	return ops, err
}

// Count returns how many local changes await push.
func (l *PendingLog) Count() (int, error) {
	var n int
	err := l.store.read("pending_count", func(q querier) error {
		var err error
		n, err = l.countTx(q)
		return err
	})
	return n, err
}

func (l *PendingLog) countTx(q querier) (int, error) {
	var n int
	err := q.QueryRow(`
		SELECT COUNT(*) FROM pending_ops WHERE collection = ? AND tag = ?
	`, l.collection, l.tag).Scan(&n)
	return n, err
}

// Remove drops op if it has not been rewritten since it was read.
// It reports whether the row was removed.
func (l *PendingLog) Remove(op PendingOperation) (bool, error) {
	var removed bool
	err := l.store.write("remove_pending", func(tx *sql.Tx) error {
		var err error
		removed, err = l.removeTx(tx, op)
		return err
	})
	return removed, err
}

func (l *PendingLog) removeTx(q querier, op PendingOperation) (bool, error) {
	res, err := q.Exec(`DELETE FROM pending_ops WHERE seq = ? AND revision = ?`, op.Seq, op.revision)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RemoveAll empties the log and returns how many operations were dropped.
func (l *PendingLog) RemoveAll() (int, error) {
	var n int
	err := l.store.write("remove_all_pending", func(tx *sql.Tx) error {
		var err error
		n, err = l.removeAllTx(tx)
		return err
	})
	return n, err
}

func (l *PendingLog) removeAllTx(q querier) (int, error) {
	res, err := q.Exec(`DELETE FROM pending_ops WHERE collection = ? AND tag = ?`, l.collection, l.tag)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// removeSeqTx drops one operation regardless of its revision.
func (l *PendingLog) removeSeqTx(q querier, seq int64) error {
	_, err := q.Exec(`
		DELETE FROM pending_ops WHERE collection = ? AND tag = ? AND seq = ?
	`, l.collection, l.tag, seq)
	return err
}

// removeEntityTx drops every pending operation for an entity.
func (l *PendingLog) removeEntityTx(q querier, entityID string) ([]PendingOperation, error) {
	ops, err := l.forEntityTx(q, entityID)
	if err != nil || len(ops) == 0 {
		return ops, err
	}
	_, err = q.Exec(`
		DELETE FROM pending_ops WHERE collection = ? AND tag = ? AND entity_id = ?
	`, l.collection, l.tag, entityID)
	return ops, err
}

// retargetTx points every pending operation for oldID at newID, rewriting
// the payload id as well.
func (l *PendingLog) retargetTx(q querier, oldID, newID string) error {
	ops, err := l.forEntityTx(q, oldID)
	if err != nil {
		return err
	}
	for _, op := range ops {
		var payload sql.NullString
		if op.Record != nil {
			rec := op.Record.Clone()
			rec.ID = newID
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode payload: %w", err)
			}
			payload = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := q.Exec(`
			UPDATE pending_ops SET entity_id = ?, payload = ?, revision = revision + 1 WHERE seq = ?
		`, newID, payload, op.Seq); err != nil {
			return err
		}
	}
	return nil
}

// convertTx rewrites a pending operation in place, keeping its queue position.
func (l *PendingLog) convertTx(q querier, seq int64, kind OperationKind, r Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = q.Exec(`
		UPDATE pending_ops SET op = ?, entity_id = ?, payload = ?, revision = revision + 1 WHERE seq = ?
	`, string(kind), r.ID, string(payload), seq)
	return err
}

func (l *PendingLog) hasEntityTx(q querier, entityID string) (bool, error) {
	var n int
	err := q.QueryRow(`
		SELECT COUNT(*) FROM pending_ops WHERE collection = ? AND tag = ? AND entity_id = ?
	`, l.collection, l.tag, entityID).Scan(&n)
	return n > 0, err
}

func (l *PendingLog) getTx(q querier, seq int64) (PendingOperation, bool, error) {
	rows, err := q.Query(`
		SELECT seq, entity_id, op, payload, revision, queued_at FROM pending_ops WHERE seq = ?
	`, seq)
	if err != nil {
		return PendingOperation{}, false, err
	}
	ops, err := l.scanOps(rows)
	if err != nil || len(ops) == 0 {
		return PendingOperation{}, false, err
	}
	return ops[0], true, nil
}

func (l *PendingLog) forEntityTx(q querier, entityID string) ([]PendingOperation, error) {
	return l.listTx(q, entityID)
}

func (l *PendingLog) listTx(q querier, entityID string) ([]PendingOperation, error) {
	query := `
		SELECT seq, entity_id, op, payload, revision, queued_at FROM pending_ops
		WHERE collection = ? AND tag = ?`
	args := []any{l.collection, l.tag}
	if entityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY seq`

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	return l.scanOps(rows)
}

func (l *PendingLog) scanOps(rows *sql.Rows) ([]PendingOperation, error) {
	defer rows.Close()

	var ops []PendingOperation
	for rows.Next() {
		var (
			op       PendingOperation
			kind     string
			payload  sql.NullString
			queuedAt string
		)
		if err := rows.Scan(&op.Seq, &op.EntityID, &kind, &payload, &op.revision, &queuedAt); err != nil {
			return nil, err
		}
		op.Collection = l.collection
		op.Tag = l.tag
		op.Kind = OperationKind(kind)
		op.QueuedAt, _ = time.Parse(time.RFC3339Nano, queuedAt)
		if payload.Valid {
			var r Record
			if err := json.Unmarshal([]byte(payload.String), &r); err != nil {
				return nil, fmt.Errorf("decode pending payload %d: %w", op.Seq, err)
			}
			op.Record = &r
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
