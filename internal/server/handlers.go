package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"extmirror/internal/catalog"
	"extmirror/internal/layout"
	"extmirror/internal/search"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// errBadParam marks a malformed query parameter
var errBadParam = errors.New("bad query parameter")

type listResponse struct {
	Data []catalog.Metadata `json:"data"`
}

type queryFunc func(r *http.Request) ([]catalog.Metadata, error)

// query wraps a search handler with parameter errors, logging and metrics
func (s *Server) query(name string, fn queryFunc) http.Handler {
	log := s.logger.With(zap.String("handler", name))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		data, err := fn(r)

		status := "ok"
		switch {
		case errors.Is(err, errBadParam):
			status = "bad_request"
			http.Error(w, err.Error(), http.StatusBadRequest)
		case err != nil:
			status = "error"
			log.Warn("Query failed", zap.String("query", r.URL.RawQuery), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		default:
			if data == nil {
				data = []catalog.Metadata{}
			}
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(listResponse{Data: data}); err != nil {
				log.Warn("Failed to write response", zap.Error(err))
			}
		}

		if s.metrics != nil {
			s.metrics.ObserveQuery(name, status, time.Since(started))
		}
	})
}

func (s *Server) handleList(r *http.Request) ([]catalog.Metadata, error) {
	q := r.URL.Query()

	maxSchema, err := intParam(q.Get("max_schema_version"), "max_schema_version", false)
	if err != nil {
		return nil, err
	}

	return s.index.Extensions(r.Context(), search.ListParams{
		Filter:           q.Get("filter"),
		Provides:         q.Get("provides"),
		MaxSchemaVersion: maxSchema,
	})
}

func (s *Server) handleUpdates(r *http.Request) ([]catalog.Metadata, error) {
	q := r.URL.Query()

	if _, ok := q["ids"]; !ok {
		return nil, missingParam("ids")
	}
	minSchema, err := intParam(q.Get("min_schema_version"), "min_schema_version", true)
	if err != nil {
		return nil, err
	}
	maxSchema, err := intParam(q.Get("max_schema_version"), "max_schema_version", true)
	if err != nil {
		return nil, err
	}

	return s.index.Updates(r.Context(), search.UpdateParams{
		IDs:              q.Get("ids"),
		MinSchemaVersion: minSchema,
		MaxSchemaVersion: maxSchema,
	})
}

func (s *Server) handleVersions(r *http.Request) ([]catalog.Metadata, error) {
	return s.index.Versions(r.Context(), mux.Vars(r)["id"])
}

func (s *Server) handleLatestDownload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if layout.CheckSegment(id) != nil {
		http.NotFound(w, r)
		return
	}
	s.serveArchive(w, r, s.layout.Alias(id))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, version := vars["id"], vars["version"]
	if layout.CheckSegment(id) != nil || layout.CheckSegment(version) != nil {
		http.NotFound(w, r)
		return
	}
	s.serveArchive(w, r, s.layout.Archive(id, version))
}

func (s *Server) serveArchive(w http.ResponseWriter, r *http.Request, path string) {
	f, err := s.fs.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to open archive", zap.String("path", path), zap.Error(err))
		}
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+layout.ArchiveFile)
	http.ServeContent(w, r, layout.ArchiveFile, info.ModTime(), f)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}

// intParam parses a query integer. Empty optional values are zero.
func intParam(v, name string, required bool) (int, error) {
	if v == "" {
		if required {
			return 0, missingParam(name)
		}
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &paramError{name: name, reason: "must be an integer"}
	}
	return n, nil
}

func missingParam(name string) error {
	return &paramError{name: name, reason: "is required"}
}

type paramError struct {
	name   string
	reason string
}

func (e *paramError) Error() string { return e.name + " " + e.reason }

func (e *paramError) Is(target error) bool { return target == errBadParam }
