// Package server is an in-memory collection backend speaking the REST
// contract the remote client consumes:
//
//	POST   /{collection}            create
//	GET    /{collection}            find (query, sort, skip, limit, fields)
//	DELETE /{collection}            delete by query
//	GET    /{collection}/_count     count
//	GET    /{collection}/_deltaset  changes and deletions since a timestamp
//	GET    /{collection}/{id}       find by id
//	PUT    /{collection}/{id}       update (creates when absent)
//	DELETE /{collection}/{id}       delete
//
// Every response carries X-Request-Start, the server time at which the
// request began, for use as a delta-set cursor.
package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/hyperengineering/strata"
)

// Server holds collections in memory. It is safe for concurrent use.
type Server struct {
	mu          sync.RWMutex
	collections map[string]*collection

	appKey   string
	token    string
	now      func() time.Time
	log      *slog.Logger
	newID    func() string
	deltaOff bool
	history  time.Duration
	maxDelta int

	unavailable bool
}

type collection struct {
	order      []string
	records    map[string]strata.Record
	tombstones map[string]time.Time
}

func newCollection() *collection {
	return &collection{
		records:    map[string]strata.Record{},
		tombstones: map[string]time.Time{},
	}
}

// Option configures a Server.
type Option func(*Server)

// WithAuth requires the app key header and, when token is non-empty, a
// matching bearer token on every request.
func WithAuth(appKey, token string) Option {
	return func(s *Server) {
		s.appKey = appKey
		s.token = token
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithLogger logs each request.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log.With(slog.String("component", "http_logger")) }
}

// WithoutDeltaSet makes _deltaset answer FeatureUnavailable.
func WithoutDeltaSet() Option {
	return func(s *Server) { s.deltaOff = true }
}

// WithDeltaHistory limits how far back _deltaset can reach; older cursors
// are rejected with ParameterValueOutOfRange.
func WithDeltaHistory(d time.Duration) Option {
	return func(s *Server) { s.history = d }
}

// WithMaxDeltaSize rejects delta sets larger than n entries with ResultSetSizeExceeded.
func WithMaxDeltaSize(n int) Option {
	return func(s *Server) { s.maxDelta = n }
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		collections: map[string]*collection{},
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(s.stampRequestStart)
	r.Use(s.checkAvailable)
	r.Use(s.authenticate)

	r.Route("/{collection}", func(r chi.Router) {
		r.Get("/", s.handleFind)
		r.Post("/", s.handleCreate)
		r.Delete("/", s.handleDeleteByQuery)
		r.Get("/_count", s.handleCount)
		r.Get("/_deltaset", s.handleDeltaSet)
		r.Get("/{id}", s.handleFindByID)
		r.Put("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
	})
	return r
}

// SetUnavailable makes every request fail with 503 until cleared.
func (s *Server) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

// Seed stores records directly, assigning ids and metadata as a create would.
func (s *Server) Seed(name string, records ...strata.Record) []strata.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]strata.Record, 0, len(records))
	for _, r := range records {
		stored, _ := s.put(name, r)
		out = append(out, stored)
	}
	return out
}

// Records returns a collection's records in insertion order.
func (s *Server) Records(name string) []strata.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		return nil
	}
	out := make([]strata.Record, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.records[id].Clone())
	}
	return out
}

// DeleteDirect removes a record without going through HTTP.
func (s *Server) DeleteDirect(name, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(name, id, s.now())
}

func (s *Server) coll(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = newCollection()
		s.collections[name] = c
	}
	return c
}

// put stores r, assigning an id when missing, and reports whether it was
// created. Callers hold s.mu.
func (s *Server) put(name string, r strata.Record) (strata.Record, bool) {
	c := s.coll(name)
	now := s.now().UTC()

	r = r.Clone()
	if r.ID == "" {
		r.ID = s.newID()
	}
	existing, exists := c.records[r.ID]

	meta := strata.Metadata{LastModifiedTime: now, EntityCreationTime: now}
	if exists {
		meta.EntityCreationTime = existing.Meta.EntityCreationTime
		if r.ACL == nil {
			r.ACL = existing.ACL
		}
	}
	if r.ACL == nil {
		r.ACL = &strata.ACL{Creator: "anonymous"}
	}
	r.Meta = &meta

	if !exists {
		c.order = append(c.order, r.ID)
	}
	c.records[r.ID] = r
	delete(c.tombstones, r.ID)
	return r.Clone(), !exists
}

// remove deletes one record and leaves a tombstone. Callers hold s.mu.
func (s *Server) remove(name, id string, at time.Time) bool {
	c, ok := s.collections[name]
	if !ok {
		return false
	}
	if _, ok := c.records[id]; !ok {
		return false
	}
	delete(c.records, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.tombstones[id] = at.UTC()
	return true
}

func (s *Server) all(name string) []strata.Record {
	c, ok := s.collections[name]
	if !ok {
		return nil
	}
	out := make([]strata.Record, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.records[id])
	}
	return out
}
