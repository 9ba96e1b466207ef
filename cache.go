package strata

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Cache is the local record store for one (collection, tag) partition.
//
// When TTL is positive, reads treat records whose last-modified time is older
// than TTL as absent. Expired rows stay in storage.
type Cache struct {
	store      *Store
	collection string
	tag        string
	ttl        time.Duration
	now        func() time.Time
}

func newCache(store *Store, collection, tag string, ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{store: store, collection: collection, tag: tag, ttl: ttl, now: now}
}

// Upsert inserts or replaces a record by id and returns the stored copy.
func (c *Cache) Upsert(r Record) (Record, error) {
	var stored Record
	err := c.store.write("upsert", func(tx *sql.Tx) error {
		var err error
		stored, err = c.upsertTx(tx, r)
		return err
	})
	return stored, err
}

// upsertTx writes r. The entity creation time of an existing row always wins;
// a missing last-modified time is stamped with the local clock.
func (c *Cache) upsertTx(q querier, r Record) (Record, error) {
	if r.ID == "" {
		return Record{}, ErrMissingID
	}
	r, err := normalizeRecord(r)
	if err != nil {
		return Record{}, fmt.Errorf("normalize record: %w", err)
	}

	now := c.now().UTC()
	var existingECT string
	err = q.QueryRow(`
		SELECT ect FROM records WHERE collection = ? AND tag = ? AND id = ?
	`, c.collection, c.tag, r.ID).Scan(&existingECT)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Record{}, err
	}

	meta := Metadata{}
	if r.Meta != nil {
		meta = *r.Meta
	}
	if existingECT != "" {
		if t, perr := time.Parse(time.RFC3339Nano, existingECT); perr == nil {
			meta.EntityCreationTime = t
		}
	}
	if meta.EntityCreationTime.IsZero() {
		meta.EntityCreationTime = now
	}
	if meta.LastModifiedTime.IsZero() {
		meta.LastModifiedTime = now
	}
	r.Meta = &meta

	doc, err := json.Marshal(r)
	if err != nil {
		return Record{}, fmt.Errorf("encode record: %w", err)
	}

	_, err = q.Exec(`
		INSERT INTO records (collection, tag, id, doc, lmt, ect, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, tag, id) DO UPDATE SET
			doc = excluded.doc,
			lmt = excluded.lmt,
			ect = records.ect,
			cached_at = excluded.cached_at
	`,
		c.collection, c.tag, r.ID, string(doc),
		meta.LastModifiedTime.UTC().Format(time.RFC3339Nano),
		meta.EntityCreationTime.UTC().Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Record{}, fmt.Errorf("upsert record: %w", err)
	}
	return r, nil
}

// Find evaluates the query against live (non-expired) records.
func (c *Cache) Find(q *Query) ([]Record, error) {
	var out []Record
	err := c.store.read("find", func(db querier) error {
		all, err := c.liveTx(db)
		if err != nil {
			return err
		}
		out = q.Apply(all)
		return nil
	})
	return out, err
}

// FindByID returns ErrNotFound when the record is absent or expired.
func (c *Cache) FindByID(id string) (Record, error) {
	var out Record
	err := c.store.read("find_by_id", func(db querier) error {
		var err error
		out, err = c.findByIDTx(db, id)
		return err
	})
	return out, err
}

func (c *Cache) findByIDTx(q querier, id string) (Record, error) {
	var doc, lmt string
	err := q.QueryRow(`
		SELECT doc, lmt FROM records WHERE collection = ? AND tag = ? AND id = ?
	`, c.collection, c.tag, id).Scan(&doc, &lmt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if c.expired(lmt) {
		return Record{}, ErrNotFound
	}
	var r Record
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", id, err)
	}
	return r, nil
}

// rawTx loads a record whether or not it has expired.
func (c *Cache) rawTx(q querier, id string) (Record, bool, error) {
	var doc string
	err := q.QueryRow(`
		SELECT doc FROM records WHERE collection = ? AND tag = ? AND id = ?
	`, c.collection, c.tag, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var r Record
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return Record{}, false, fmt.Errorf("decode record %s: %w", id, err)
	}
	return r, true, nil
}

// Count returns the number of live records matching the query's filter.
// Skip and limit are ignored.
func (c *Cache) Count(q *Query) (int, error) {
	filterOnly := q.Clone()
	filterOnly.Skip, filterOnly.Limit, filterOnly.Fields = 0, 0, nil
	filterOnly.Sort = nil
	records, err := c.Find(filterOnly)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Remove deletes live records matching the query and returns how many were removed.
func (c *Cache) Remove(q *Query) (int, error) {
	var n int
	err := c.store.write("remove", func(tx *sql.Tx) error {
		removed, err := c.removeMatchingTx(tx, q)
		n = len(removed)
		return err
	})
	return n, err
}

// RemoveByID deletes one record. Removing an absent id is not an error.
func (c *Cache) RemoveByID(id string) (int, error) {
	var n int
	err := c.store.write("remove_by_id", func(tx *sql.Tx) error {
		var err error
		n, err = c.removeIDsTx(tx, []string{id})
		return err
	})
	return n, err
}

// RemoveAll clears the partition and its delta-set cursors.
func (c *Cache) RemoveAll() error {
	return c.store.write("remove_all", func(tx *sql.Tx) error {
		_, err := c.removeAllTx(tx)
		return err
	})
}

func (c *Cache) removeAllTx(q querier) (int, error) {
	res, err := q.Exec(`DELETE FROM records WHERE collection = ? AND tag = ?`, c.collection, c.tag)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), clearCursors(q, c.collection, c.tag)
}

func (c *Cache) removeMatchingTx(q querier, query *Query) ([]Record, error) {
	all, err := c.liveTx(q)
	if err != nil {
		return nil, err
	}
	filterOnly := query.Clone()
	filterOnly.Fields = nil
	matched := filterOnly.Apply(all)
	ids := make([]string, len(matched))
	for i, r := range matched {
		ids[i] = r.ID
	}
	if _, err := c.removeIDsTx(q, ids); err != nil {
		return nil, err
	}
	return matched, nil
}

func (c *Cache) removeIDsTx(q querier, ids []string) (int, error) {
	total := 0
	for start := 0; start < len(ids); start += 500 {
		end := min(start+500, len(ids))
		batch := ids[start:end]
		args := make([]any, 0, len(batch)+2)
		args = append(args, c.collection, c.tag)
		for _, id := range batch {
			args = append(args, id)
		}
		res, err := q.Exec(fmt.Sprintf(`
			DELETE FROM records WHERE collection = ? AND tag = ? AND id IN (%s)
		`, placeholders(len(batch))), args...)
		if err != nil {
			return total, fmt.Errorf("remove records: %w", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

// allIDsTx returns every cached id, expired or not.
func (c *Cache) allIDsTx(q querier) ([]string, error) {
	rows, err := q.Query(`SELECT id FROM records WHERE collection = ? AND tag = ? ORDER BY rowid`, c.collection, c.tag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// liveTx loads non-expired records in insertion order.
func (c *Cache) liveTx(q querier) ([]Record, error) {
	rows, err := q.Query(`
		SELECT id, doc, lmt FROM records WHERE collection = ? AND tag = ? ORDER BY rowid
	`, c.collection, c.tag)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var id, doc, lmt string
		if err := rows.Scan(&id, &doc, &lmt); err != nil {
			return nil, err
		}
		if c.expired(lmt) {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *Cache) expired(lmt string) bool {
	if c.ttl <= 0 {
		return false
	}
	t, err := time.Parse(time.RFC3339Nano, lmt)
	if err != nil {
		return false
	}
	return c.now().Sub(t) > c.ttl
}
