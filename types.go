package strata

import (
	"fmt"
	"strings"
	"time"
)

// StoreMode selects how a DataStore routes reads and writes.
type StoreMode string

const (
	// ModeNetwork talks to the remote store only.
	ModeNetwork StoreMode = "network"
	// ModeCache reads from and writes to the local cache, queueing writes.
	ModeCache StoreMode = "cache"
	// ModeSync behaves like ModeCache; push and pull are explicit.
	ModeSync StoreMode = "sync"
	// ModeAuto prefers the network and falls back to the cache on connectivity failure.
	ModeAuto StoreMode = "auto"
)

// ValidModes returns all store modes.
func ValidModes() []StoreMode {
	return []StoreMode{ModeNetwork, ModeCache, ModeSync, ModeAuto}
}

// IsValid checks if the mode is a known store mode.
func (m StoreMode) IsValid() bool {
	for _, valid := range ValidModes() {
		if m == valid {
			return true
		}
	}
	return false
}

// ParseMode parses a mode name case-insensitively.
func ParseMode(s string) (StoreMode, error) {
	m := StoreMode(strings.ToLower(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", fmt.Errorf("unknown store mode %q", s)
	}
	return m, nil
}

// usesCache reports whether the mode keeps a local cache at all.
func (m StoreMode) usesCache() bool {
	return m != ModeNetwork
}

// OperationKind is the intent recorded by a pending operation.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// PendingOperation is a locally queued mutation awaiting push.
type PendingOperation struct {
	Seq        int64         `json:"seq"`
	Collection string        `json:"collection"`
	Tag        string        `json:"tag"`
	EntityID   string        `json:"entity_id"`
	Kind       OperationKind `json:"kind"`
	// Record is the payload the operation sends; for deletes it is the last
	// known local copy and is only used to evaluate purge queries.
	Record   *Record   `json:"record,omitempty"`
	QueuedAt time.Time `json:"queued_at"`

	revision int64
}

// PushFailure pairs a pending operation with the error that kept it pending.
type PushFailure struct {
	Operation PendingOperation
	Err       error
}

// PushResult is the outcome of a push. Count is nil whenever any operation
// failed; Succeeded always holds the number of operations removed from the log.
type PushResult struct {
	Count     *int
	Succeeded int
	Errors    []PushFailure
}

// OK reports whether every pending operation was pushed.
func (r *PushResult) OK() bool {
	return len(r.Errors) == 0
}

// FindResult is a page of records from the remote store, stamped with the
// server time at which the request started.
type FindResult struct {
	Records      []Record
	RequestStart time.Time
}

// DeltaSet is the set of changes since a cursor.
type DeltaSet struct {
	Changed      []Record
	Deleted      []string
	RequestStart time.Time
}

// PullOptions tunes a single pull.
type PullOptions struct {
	// PageSize enables auto-pagination when positive.
	PageSize int
	// DisableDeltaSet forces a full pull for this call.
	DisableDeltaSet bool
}

// Stats summarizes the local state of one collection partition.
type Stats struct {
	Collection   string    `json:"collection"`
	Tag          string    `json:"tag"`
	RecordCount  int       `json:"record_count"`
	PendingCount int       `json:"pending_count"`
	LastPull     time.Time `json:"last_pull"`
}
