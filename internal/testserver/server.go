// Package testserver implements an in-memory Sync 1.5 storage server:
// the info endpoints, collection CRUD, the batch upload protocol, and
// the X- headers the client depends on. Integration tests run against
// it, and cmd/syncserver exposes it for local development.
//
// It checks that requests carry a Hawk Authorization header but does
// not verify MACs; it is a protocol fixture, not a production server.
package testserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/weavekit/sync15/internal/bso"
	"github.com/weavekit/sync15/internal/logging"
	"github.com/weavekit/sync15/internal/storage"
)

// Server holds one user's storage. Safe for concurrent use.
type Server struct {
	mu          sync.Mutex
	collections map[string]*collection
	batches     map[string]*batch
	clock       bso.ServerTimestamp
	now         func() time.Time

	// Limits are advertised on /info/configuration.
	Limits storage.InfoConfiguration

	// FailNextPosts makes the next n collection POSTs answer with the
	// given status. Tests use it to provoke 412s and 503s mid-upload.
	failStatus int
	failCount  int

	log logging.Logger
}

type collection struct {
	records  map[bso.Guid]bso.Bso
	modified bso.ServerTimestamp
}

type batch struct {
	collection string
	records    []bso.Bso
}

// New returns an empty server with default limits.
func New(log logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{
		collections: map[string]*collection{},
		batches:     map[string]*batch{},
		now:         time.Now,
		Limits:      storage.DefaultInfoConfiguration(),
		log:         log,
	}
}

// FailNextPosts arms failure injection: the next count collection POSTs
// answer status.
func (s *Server) FailNextPosts(status, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = status
	s.failCount = count
}

// Handler returns the HTTP routes under /1.5/{uid}/.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/1.5/{uid}", func(r chi.Router) {
		r.Use(s.requireHawk)
		r.Use(s.weaveTimestamp)
		r.Get("/info/collections", s.infoCollections)
		r.Get("/info/configuration", s.infoConfiguration)
		r.Delete("/storage", s.deleteAll)
		r.Route("/storage/{collection}", func(r chi.Router) {
			r.Get("/", s.getCollection)
			r.Post("/", s.postCollection)
			r.Delete("/", s.deleteCollection)
			r.Get("/{id}", s.getBso)
			r.Put("/{id}", s.putBso)
			r.Delete("/{id}", s.deleteBso)
		})
	})
	return r
}

func (s *Server) requireHawk(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Hawk ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) weaveTimestamp(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Weave-Timestamp", s.timestamp().String())
		next.ServeHTTP(w, r)
	})
}

// timestamp returns a strictly increasing centisecond-precision time.
func (s *Server) timestamp() bso.ServerTimestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := bso.ServerTimestamp(s.now().UnixMilli() / 10 * 10)
	if ts <= s.clock {
		ts = s.clock + 10
	}
	s.clock = ts
	return ts
}

func (s *Server) coll(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{records: map[bso.Guid]bso.Bso{}}
		s.collections[name] = c
	}
	return c
}

// checkXIUS enforces X-If-Unmodified-Since against the collection's
// modified time. An XIUS older than the collection means someone else
// wrote since the caller looked.
func (s *Server) checkXIUS(r *http.Request, c *collection) bool {
	v := r.Header.Get("X-If-Unmodified-Since")
	if v == "" {
		return true
	}
	ts, err := bso.ParseServerTimestamp(v)
	if err != nil {
		return false
	}
	return ts >= c.modified
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) infoCollections(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	info := map[string]bso.ServerTimestamp{}
	for name, c := range s.collections {
		if len(c.records) > 0 {
			info[name] = c.modified
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) infoConfiguration(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Limits)
}

func (s *Server) getCollection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")
	q := r.URL.Query()

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(name)

	var newer bso.ServerTimestamp
	if v := q.Get("newer"); v != "" {
		ts, err := bso.ParseServerTimestamp(v)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		newer = ts
	}

	full := q.Get("full") != ""
	var wantIds map[bso.Guid]bool
	if v := q.Get("ids"); v != "" {
		wantIds = map[bso.Guid]bool{}
		for _, id := range strings.Split(v, ",") {
			wantIds[bso.Guid(id)] = true
		}
	}

	records := []bso.Bso{}
	ids := []bso.Guid{}
	for id, record := range c.records {
		if record.Modified <= newer {
			continue
		}
		if wantIds != nil && !wantIds[id] {
			continue
		}
		records = append(records, record)
		ids = append(ids, id)
	}

	w.Header().Set("X-Last-Modified", c.modified.String())
	w.Header().Set("X-Weave-Records", fmt.Sprintf("%d", len(records)))
	if full {
		writeJSON(w, http.StatusOK, records)
	} else {
		writeJSON(w, http.StatusOK, ids)
	}
}

func (s *Server) getBso(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")
	id := bso.Guid(chi.URLParam(r, "id"))

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	record, ok := c.records[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("X-Last-Modified", c.modified.String())
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) putBso(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")
	id := bso.Guid(chi.URLParam(r, "id"))

	var record bso.Bso
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	record.Id = id

	ts := s.timestamp()
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(name)
	if !s.checkXIUS(r, c) {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	record.Modified = ts
	c.records[id] = record
	c.modified = ts

	w.Header().Set("X-Last-Modified", ts.String())
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) deleteBso(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")
	id := bso.Guid(chi.URLParam(r, "id"))

	ts := s.timestamp()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !s.checkXIUS(r, c) {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	if _, ok := c.records[id]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	delete(c.records, id)
	c.modified = ts
	w.Header().Set("X-Last-Modified", ts.String())
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) deleteCollection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if ok && !s.checkXIUS(r, c) {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	delete(s.collections, name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteAll(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.collections = map[string]*collection{}
	s.batches = map[string]*batch{}
	s.mu.Unlock()
	s.log.Info(r.Context(), "storage wiped", "uid", chi.URLParam(r, "uid"))
	w.WriteHeader(http.StatusNoContent)
}

type postResult struct {
	Batch    string              `json:"batch,omitempty"`
	Modified bso.ServerTimestamp `json:"modified"`
	Success  []bso.Guid          `json:"success"`
	Failed   map[bso.Guid]string `json:"failed"`
}

func (s *Server) postCollection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")

	s.mu.Lock()
	if s.failCount > 0 {
		s.failCount--
		status := s.failStatus
		s.mu.Unlock()
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "600")
		}
		w.WriteHeader(status)
		return
	}
	s.mu.Unlock()

	var records []bso.Bso
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ts := s.timestamp()
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.coll(name)
	if !s.checkXIUS(r, c) {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	result := postResult{Success: []bso.Guid{}, Failed: map[bso.Guid]string{}}
	accepted := records[:0:0]
	for _, record := range records {
		if !record.Id.IsValidForUpload() {
			result.Failed[record.Id] = "invalid id"
			continue
		}
		if uint64(len(record.Payload)) > s.Limits.MaxRecordPayloadBytes {
			result.Failed[record.Id] = "payload too large"
			continue
		}
		accepted = append(accepted, record)
		result.Success = append(result.Success, record.Id)
	}

	batchArg := r.URL.Query().Get("batch")
	commit := r.URL.Query().Get("commit") == "true"

	var staged []bso.Bso
	switch {
	case batchArg == "" || (batchArg == "true" && commit):
		// no batch, or a single-POST batch: commit immediately
		staged = accepted
	case batchArg == "true":
		id := uuid.NewString()
		s.batches[id] = &batch{collection: name, records: accepted}
		result.Batch = id
		writeJSON(w, http.StatusAccepted, result)
		return
	default:
		b, ok := s.batches[batchArg]
		if !ok || b.collection != name {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b.records = append(b.records, accepted...)
		if !commit {
			result.Batch = batchArg
			writeJSON(w, http.StatusAccepted, result)
			return
		}
		staged = b.records
		delete(s.batches, batchArg)
	}

	for _, record := range staged {
		record.Modified = ts
		c.records[record.Id] = record
	}
	c.modified = ts
	result.Modified = ts
	s.log.Debug(r.Context(), "committed records", "collection", name, "count", len(staged))
	w.Header().Set("X-Last-Modified", ts.String())
	writeJSON(w, http.StatusOK, result)
}
