// Package server exposes a database over HTTP.
//
// Keys in paths and query strings are hex-encoded. Record payloads travel as
// raw bodies; everything else is JSON. The database is single-writer, so the
// server serializes mutations behind a write lock and lets reads share a
// read lock.
package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aalhour/segdb"
	"github.com/aalhour/segdb/internal/compaction"
	"github.com/aalhour/segdb/internal/logging"
	"github.com/aalhour/segdb/keyformat"
)

const (
	// maxPayload bounds a record body.
	maxPayload = 64 << 20

	defaultScanLimit = 1000
)

// Server serves one database.
type Server struct {
	httpAddr string
	engine   *chi.Mux
	logger   logging.Logger

	mu sync.RWMutex
	db *segdb.DB
}

// New creates a server for db listening on addr.
func New(db *segdb.DB, addr string, logger logging.Logger) *Server {
	s := &Server{
		httpAddr: addr,
		engine:   chi.NewRouter(),
		logger:   logging.OrDefault(logger),
		db:       db,
	}
	s.engine.Use(middleware.Recoverer)
	s.engine.Use(s.logRequests)
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Infof(logging.NSServer+"listening on %s", s.httpAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Infof(logging.NSServer + "stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.engine.Get("/health", s.health)
	s.engine.Route("/v1", func(r chi.Router) {
		r.Put("/records", s.putRecord)
		r.Get("/keys", s.scan)
		r.Get("/keys/{key}", s.getKey)
		r.Delete("/keys/{key}", s.deleteKey)
		r.Get("/indexes/{index}/keys", s.scan)
		r.Get("/indexes/{index}/keys/{key}", s.getKey)
		r.Post("/checkpoint", s.checkpoint)
		r.Post("/compact", s.compact)
		r.Get("/stats", s.stats)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debugf(logging.NSServer+"%s %s %d %v", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

func (s *Server) putRecord(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayload))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	if len(payload) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("empty payload"))
		return
	}

	s.mu.Lock()
	addr, err := s.db.Put(payload)
	s.mu.Unlock()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, PutResponse{Address: addr})
}

func (s *Server) getKey(w http.ResponseWriter, r *http.Request) {
	index, ok := pathIndex(w, r)
	if !ok {
		return
	}
	key, err := hex.DecodeString(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.RLock()
	payload, found, err := s.db.GetIndex(index, key)
	s.mu.RUnlock()
	if err != nil {
		s.fail(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) deleteKey(w http.ResponseWriter, r *http.Request) {
	key, err := hex.DecodeString(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	addr, found, err := s.db.Delete(key)
	s.mu.Unlock()
	if err != nil {
		s.fail(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Address: addr})
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	index, ok := pathIndex(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var from, to []byte
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = hex.DecodeString(v); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = hex.DecodeString(v); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	limit := defaultScanLimit
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
	}

	resp := ScanResponse{Entries: []Entry{}}
	s.mu.RLock()
	err = s.db.ScanIndex(index, from, to, func(key, payload []byte) bool {
		if len(resp.Entries) == limit {
			resp.More = true
			return false
		}
		resp.Entries = append(resp.Entries, Entry{Key: bytes.Clone(key), Payload: payload})
		return true
	})
	s.mu.RUnlock()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) checkpoint(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	err := s.db.Checkpoint()
	s.mu.Unlock()
	if err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// compact reclaims the segment named by the segment query parameter, or the
// one the utility picker selects.
func (s *Server) compact(w http.ResponseWriter, r *http.Request) {
	var (
		res *segdb.CompactionResult
		err error
	)
	if v := r.URL.Query().Get("segment"); v != "" {
		ord, perr := strconv.ParseUint(v, 10, 16)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr)
			return
		}
		s.mu.Lock()
		res, err = s.db.CompactSegment(uint16(ord))
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		res, err = s.db.Compact()
		s.mu.Unlock()
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	st, err := s.db.Stats()
	s.mu.RUnlock()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// fail maps an engine error to a status code.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, segdb.ErrKeyMismatch),
		errors.Is(err, segdb.ErrNoPrimaryKey),
		errors.Is(err, keyformat.ErrShortPayload),
		errors.Is(err, keyformat.ErrMalformedKey),
		errors.Is(err, compaction.ErrActiveSegment):
		status = http.StatusBadRequest
	case errors.Is(err, segdb.ErrIndexOutOfRange),
		errors.Is(err, compaction.ErrNoSegment):
		status = http.StatusNotFound
	case errors.Is(err, segdb.ErrDBClosed),
		errors.Is(err, segdb.ErrBackgroundError):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Errorf(logging.NSServer+"%v", err)
	}
	writeError(w, status, err)
}

// pathIndex returns the index named in the path, 0 when there is none.
func pathIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := chi.URLParam(r, "index")
	if v == "" {
		return 0, true
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		writeError(w, http.StatusBadRequest, errors.New("index must be a non-negative integer"))
		return 0, false
	}
	return i, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
