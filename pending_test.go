package strata

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *PendingLog {
	t.Helper()
	return newPendingLog(newTestStore(t), "books", "default", newTestClock().Now)
}

func kinds(ops []PendingOperation) []OperationKind {
	out := make([]OperationKind, len(ops))
	for i, op := range ops {
		out[i] = op.Kind
	}
	return out
}

func TestPendingLog_RecordsInOrder(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Record(OpUpdate, Record{ID: "a", Fields: map[string]any{"v": 1}}))
	require.NoError(t, l.Record(OpDelete, Record{ID: "b"}))
	require.NoError(t, l.Record(OpCreate, Record{ID: "temp_c"}))

	ops, err := l.Pending()
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, []OperationKind{OpUpdate, OpDelete, OpCreate}, kinds(ops))
	assert.Equal(t, []string{"a", "b", "temp_c"}, []string{ops[0].EntityID, ops[1].EntityID, ops[2].EntityID})
	assert.Less(t, ops[0].Seq, ops[1].Seq)
	assert.Equal(t, "books", ops[0].Collection)
	assert.Equal(t, 1.0, ops[0].Record.Fields["v"])

	n, err := l.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestPendingLog_UpdateCoalescesIntoPendingOperation(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Record(OpCreate, Record{ID: "temp_a", Fields: map[string]any{"v": 1}}))
	require.NoError(t, l.Record(OpUpdate, Record{ID: "temp_a", Fields: map[string]any{"v": 2}}))
	require.NoError(t, l.Record(OpUpdate, Record{ID: "temp_a", Fields: map[string]any{"v": 3}}))

	ops, err := l.Pending()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, OpCreate, ops[0].Kind)
	assert.Equal(t, 3.0, ops[0].Record.Fields["v"])
	assert.Equal(t, int64(2), ops[0].revision)
}

func TestPendingLog_CreateTwiceIsAnInvariantViolation(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Record(OpCreate, Record{ID: "temp_a"}))

	err := l.Record(OpCreate, Record{ID: "temp_a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.True(t, IsInvariantViolation(err))
}

func TestPendingLog_DeleteAfterCreateCancelsBoth(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Record(OpCreate, Record{ID: "srv-1"}))
	require.NoError(t, l.Record(OpUpdate, Record{ID: "srv-1"}))
	require.NoError(t, l.Record(OpDelete, Record{ID: "srv-1"}))

	n, err := l.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPendingLog_DeleteReplacesUpdates(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Record(OpUpdate, Record{ID: "a", Fields: map[string]any{"v": 1}}))
	require.NoError(t, l.Record(OpUpdate, Record{ID: "other"}))
	require.NoError(t, l.Record(OpDelete, Record{ID: "a"}))

	ops, err := l.Pending()
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "other", ops[0].EntityID)
	assert.Equal(t, OpDelete, ops[1].Kind)
	assert.Equal(t, "a", ops[1].EntityID)
}

func TestPendingLog_DeleteOfTempIDIsDropped(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Record(OpDelete, Record{ID: NewTempID()}))

	n, err := l.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPendingLog_UpdateAfterDeleteIsQueuedSeparately(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Record(OpDelete, Record{ID: "a"}))
	require.NoError(t, l.Record(OpUpdate, Record{ID: "a"}))

	ops, err := l.Pending()
	require.NoError(t, err)
	assert.Equal(t, []OperationKind{OpDelete, OpUpdate}, kinds(ops))
}

func TestPendingLog_RecordRequiresID(t *testing.T) {
	assert.ErrorIs(t, newTestLog(t).Record(OpUpdate, Record{}), ErrMissingID)
}

func TestPendingLog_RemoveChecksRevision(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Record(OpUpdate, Record{ID: "a", Fields: map[string]any{"v": 1}}))

	ops, err := l.Pending()
	require.NoError(t, err)
	stale := ops[0]

	// A rewrite after the read bumps the revision.
	require.NoError(t, l.Record(OpUpdate, Record{ID: "a", Fields: map[string]any{"v": 2}}))

	removed, err := l.Remove(stale)
	require.NoError(t, err)
	assert.False(t, removed)

	ops, err = l.Pending()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	removed, err = l.Remove(ops[0])
	require.NoError(t, err)
	assert.True(t, removed)

	n, err := l.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPendingLog_RetargetRewritesEntityAndPayload(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Record(OpCreate, Record{ID: "temp_x", Fields: map[string]any{"v": 1}}))
	require.NoError(t, l.Record(OpUpdate, Record{ID: "keep"}))

	require.NoError(t, l.store.write("test", func(tx *sql.Tx) error {
		return l.retargetTx(tx, "temp_x", "srv-9")
	}))

	ops, err := l.Pending()
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "srv-9", ops[0].EntityID)
	assert.Equal(t, "srv-9", ops[0].Record.ID)
	assert.Equal(t, 1.0, ops[0].Record.Fields["v"])
	assert.Equal(t, "keep", ops[1].EntityID)
}

func TestPendingLog_ConvertKeepsQueuePosition(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Record(OpCreate, Record{ID: "temp_x"}))
	require.NoError(t, l.Record(OpUpdate, Record{ID: "later"}))

	ops, err := l.Pending()
	require.NoError(t, err)
	first := ops[0]

	require.NoError(t, l.store.write("test", func(tx *sql.Tx) error {
		return l.convertTx(tx, first.Seq, OpUpdate, Record{ID: "srv-1", Fields: map[string]any{"v": 5}})
	}))

	ops, err = l.Pending()
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, first.Seq, ops[0].Seq)
	assert.Equal(t, OpUpdate, ops[0].Kind)
	assert.Equal(t, "srv-1", ops[0].EntityID)
}

func TestPendingLog_RemoveAllIsPartitionScoped(t *testing.T) {
	st := newTestStore(t)
	a := newPendingLog(st, "books", "default", nil)
	b := newPendingLog(st, "books", "other", nil)
	require.NoError(t, a.Record(OpUpdate, Record{ID: "x"}))
	require.NoError(t, a.Record(OpUpdate, Record{ID: "y"}))
	require.NoError(t, b.Record(OpUpdate, Record{ID: "x"}))

	n, err := a.RemoveAll()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = b.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
