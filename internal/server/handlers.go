package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperengineering/strata"
)

type ctxKey struct{}

func requestStartFrom(ctx context.Context) time.Time {
	t, _ := ctx.Value(ctxKey{}).(time.Time)
	return t
}

func (s *Server) stampRequestStart(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now().UTC()
		w.Header().Set("X-Request-Start", strata.FormatTime(start))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, start)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.log == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) checkAvailable(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		down := s.unavailable
		s.mu.RUnlock()
		if down {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.appKey != "" && r.Header.Get("X-Strata-App-Key") != s.appKey {
			writeError(w, http.StatusUnauthorized, strata.CodeInsufficientCredentials, "unknown app key")
			return
		}
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, strata.CodeInsufficientCredentials, "invalid credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{"error": code, "description": description})
}

func countResponse(n int) map[string]int {
	return map[string]int{"count": n}
}

func (s *Server) parseQuery(w http.ResponseWriter, r *http.Request) (*strata.Query, bool) {
	q, err := strata.ParseQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, strata.CodeInvalidQuerySyntax, err.Error())
		return nil, false
	}
	return q, true
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	q, ok := s.parseQuery(w, r)
	if !ok {
		return
	}
	s.mu.RLock()
	out := q.Apply(s.all(chi.URLParam(r, "collection")))
	s.mu.RUnlock()
	if out == nil {
		out = []strata.Record{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFindByID(w http.ResponseWriter, r *http.Request) {
	name, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.collections[name]; ok {
		if rec, ok := c.records[id]; ok {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	writeError(w, http.StatusNotFound, strata.CodeEntityNotFound, "no entity with id "+id)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	q, ok := s.parseQuery(w, r)
	if !ok {
		return
	}
	q.Skip, q.Limit = 0, 0
	s.mu.RLock()
	n := len(q.Apply(s.all(chi.URLParam(r, "collection"))))
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, countResponse(n))
}

func decodeRecord(w http.ResponseWriter, r *http.Request) (strata.Record, bool) {
	var rec strata.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid record: "+err.Error())
		return strata.Record{}, false
	}
	return rec, true
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "collection")

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID != "" {
		if c, ok := s.collections[name]; ok {
			if _, exists := c.records[rec.ID]; exists {
				writeError(w, http.StatusConflict, "EntityAlreadyExists", "entity "+rec.ID+" already exists")
				return
			}
		}
	}
	stored, _ := s.put(name, rec)
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	rec, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	rec.ID = chi.URLParam(r, "id")

	s.mu.Lock()
	stored, created := s.put(chi.URLParam(r, "collection"), rec)
	s.mu.Unlock()

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, stored)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	s.mu.Lock()
	removed := s.remove(name, id, s.now())
	s.mu.Unlock()

	if !removed {
		writeError(w, http.StatusNotFound, strata.CodeEntityNotFound, "no entity with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, countResponse(1))
}

func (s *Server) handleDeleteByQuery(w http.ResponseWriter, r *http.Request) {
	q, ok := s.parseQuery(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "collection")

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, rec := range q.Apply(s.all(name)) {
		if s.remove(name, rec.ID, now) {
			n++
		}
	}
	writeJSON(w, http.StatusOK, countResponse(n))
}

type deletedRef struct {
	ID string `json:"_id"`
}

func (s *Server) handleDeltaSet(w http.ResponseWriter, r *http.Request) {
	if s.deltaOff {
		writeError(w, http.StatusForbidden, strata.CodeFeatureUnavailable, "delta set is not enabled for this collection")
		return
	}
	raw := r.URL.Query().Get("since")
	since, err := time.Parse(strata.TimeLayout, raw)
	if err != nil {
		since, err = time.Parse(time.RFC3339Nano, raw)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, strata.CodeParameterValueOutOfRange, "invalid since "+raw)
		return
	}
	start := requestStartFrom(r.Context())
	if s.history > 0 && start.Sub(since) > s.history {
		writeError(w, http.StatusBadRequest, strata.CodeParameterValueOutOfRange, "since is older than the retained change history")
		return
	}
	q, ok := s.parseQuery(w, r)
	if !ok {
		return
	}
	q.Sort, q.Skip, q.Limit, q.Fields = nil, 0, 0, nil

	name := chi.URLParam(r, "collection")
	s.mu.RLock()
	changed := []strata.Record{}
	for _, rec := range q.Apply(s.all(name)) {
		if !rec.Meta.LastModifiedTime.Before(since) {
			changed = append(changed, rec)
		}
	}
	deleted := []deletedRef{}
	if c, ok := s.collections[name]; ok {
		for id, at := range c.tombstones {
			if !at.Before(since) {
				deleted = append(deleted, deletedRef{ID: id})
			}
		}
	}
	s.mu.RUnlock()

	if s.maxDelta > 0 && len(changed)+len(deleted) > s.maxDelta {
		writeError(w, http.StatusBadRequest, strata.CodeResultSetSizeExceeded, "delta set too large, run a full fetch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "deleted": deleted})
}
