package mcp

import (
	"fmt"
	"sync"
)

// RecordRef locates a record returned to the agent earlier in the session.
type RecordRef struct {
	Collection string
	ID         string
}

// RecordSession hands out short session refs (R1, R2, ...) for records the
// agent has seen, so follow-up calls can name a record without repeating its
// collection and id. The counter is global across collections.
type RecordSession struct {
	mu      sync.Mutex
	refs    map[string]RecordRef
	reverse map[RecordRef]string
	counter int
}

// NewRecordSession creates an empty session.
func NewRecordSession() *RecordSession {
	return &RecordSession{
		refs:    make(map[string]RecordRef),
		reverse: make(map[RecordRef]string),
	}
}

// Track returns the ref for a record, assigning the next one on first sight.
func (s *RecordSession) Track(collection, id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := RecordRef{Collection: collection, ID: id}
	if ref, ok := s.reverse[key]; ok {
		return ref
	}
	s.counter++
	ref := fmt.Sprintf("R%d", s.counter)
	s.refs[ref] = key
	s.reverse[key] = ref
	return ref
}

// Resolve looks up a session ref.
func (s *RecordSession) Resolve(ref string) (RecordRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.refs[ref]
	return r, ok
}

// Forget drops a record, e.g. after it was removed. Its ref is not reused.
func (s *RecordSession) Forget(collection, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := RecordRef{Collection: collection, ID: id}
	if ref, ok := s.reverse[key]; ok {
		delete(s.refs, ref)
		delete(s.reverse, key)
	}
}

// All returns a copy of the tracked refs.
func (s *RecordSession) All() map[string]RecordRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]RecordRef, len(s.refs))
	for ref, r := range s.refs {
		out[ref] = r
	}
	return out
}

// Clear resets the session, including the counter.
func (s *RecordSession) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs = make(map[string]RecordRef)
	s.reverse = make(map[RecordRef]string)
	s.counter = 0
}
