package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"resticserver/internal/repo"
	"resticserver/internal/storage"
)

// Listing media types of the restic REST API. v1 is a plain array of
// names, v2 an array of {name, size} records negotiated through the
// Accept header.
const (
	mimeTypeV1 = "application/vnd.x.restic.rest.v1"
	mimeTypeV2 = "application/vnd.x.restic.rest.v2"
)

var rangeRE = regexp.MustCompile(`^bytes=(\d+)-(\d*)$`)

func (s *Server) newHandler() http.Handler {
	var h http.Handler = http.HandlerFunc(s.route)
	if s.creds != nil {
		h = s.requireBasicAuth(h)
	}
	return s.logRequests(h)
}

// route decomposes the request path into repository, type, and name.
// A leading segment that is not one of the fixed type tokens selects
// a named repository under the root; otherwise the default repository
// at the root itself is addressed.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(r.URL.Path)

	var repoName, typeSeg, name string
	switch len(segments) {
	case 0:
	case 1:
		if repo.IsType(segments[0]) {
			typeSeg = segments[0]
		} else {
			repoName = segments[0]
		}
	case 2:
		if repo.IsType(segments[0]) {
			typeSeg, name = segments[0], segments[1]
		} else {
			repoName, typeSeg = segments[0], segments[1]
		}
	case 3:
		repoName, typeSeg, name = segments[0], segments[1], segments[2]
	default:
		s.writeError(w, http.StatusNotFound, "no such route")
		return
	}

	if err := repo.ValidateRepoName(repoName); err != nil {
		s.writeStoreError(w, err)
		return
	}

	if typeSeg == "" {
		s.handleRepository(w, r, repoName)
		return
	}

	t, err := repo.ParseType(typeSeg)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if t == repo.TypeConfig {
		if name != "" {
			s.writeError(w, http.StatusNotFound, "no such route")
			return
		}
		s.handleConfig(w, r, repoName)
		return
	}
	if name == "" {
		s.handleList(w, r, repoName, t)
		return
	}
	s.handleObject(w, r, repoName, t, name)
}

func (s *Server) handleRepository(w http.ResponseWriter, r *http.Request, repoName string) {
	switch r.Method {
	case http.MethodPost:
		if r.URL.Query().Get("create") != "true" {
			s.writeError(w, http.StatusBadRequest, "missing create parameter")
			return
		}
		if err := s.store.CreateRepository(r.Context(), repoName); err != nil {
			s.writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if !s.cfg.AllowRepoDelete {
			s.writeError(w, http.StatusForbidden, "repository deletion is disabled")
			return
		}
		if err := s.store.DeleteRepository(r.Context(), repoName); err != nil {
			s.writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request, repoName string) {
	switch r.Method {
	case http.MethodHead:
		s.handleHead(w, r, repoName, repo.TypeConfig, "")
	case http.MethodGet:
		s.handleGet(w, r, repoName, repo.TypeConfig, "")
	case http.MethodPost:
		s.handleSave(w, r, repoName, repo.TypeConfig, "")
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request, repoName string, t repo.Type, name string) {
	switch r.Method {
	case http.MethodHead:
		s.handleHead(w, r, repoName, t, name)
	case http.MethodGet:
		s.handleGet(w, r, repoName, t, name)
	case http.MethodPost:
		s.handleSave(w, r, repoName, t, name)
	case http.MethodDelete:
		if err := s.store.Delete(r.Context(), repoName, t, name); err != nil {
			s.writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request, repoName string, t repo.Type, name string) {
	size, err := s.store.Stat(r.Context(), repoName, t, name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, repoName string, t repo.Type, name string) {
	offset, length, ranged := parseRangeHeader(r.Header.Get("Range"))

	rc, size, err := s.store.Open(r.Context(), repoName, t, name, offset, length)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "application/octet-stream")
	if ranged {
		contentLen := size - offset
		if length >= 0 {
			contentLen = length
		}
		w.Header().Set("Content-Length", strconv.FormatInt(contentLen, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+contentLen-1, size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
	}
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are gone; all we can do is note the broken stream.
		s.logger.Printf("send object %s/%s: %v", t, name, err)
	}
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request, repoName string, t repo.Type, name string) {
	if err := s.store.Save(r.Context(), repoName, t, name, r.Body, r.ContentLength); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, repoName string, t repo.Type) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	objects, err := s.store.List(r.Context(), repoName, t)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), mimeTypeV2) {
		s.writeListing(w, mimeTypeV2, objects)
		return
	}
	names := make([]string, 0, len(objects))
	for _, obj := range objects {
		names = append(names, obj.Name)
	}
	s.writeListing(w, mimeTypeV1, names)
}

func (s *Server) writeListing(w http.ResponseWriter, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("send listing: %v", err)
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		s.logger.Printf("storage error: %v", err)
		s.writeError(w, status, "internal server error")
		return
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidRange):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, storage.ErrLengthMismatch),
		errors.Is(err, repo.ErrInvalidType),
		errors.Is(err, repo.ErrInvalidName),
		errors.Is(err, repo.ErrMissingName),
		errors.Is(err, repo.ErrInvalidRepo):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// parseRangeHeader understands single closed or open-ended byte
// ranges. Anything else is ignored and the whole object is served,
// which is what HTTP allows for unsatisfiable Range syntax.
func parseRangeHeader(header string) (offset, length int64, ranged bool) {
	if header == "" {
		return 0, -1, false
	}
	m := rangeRE.FindStringSubmatch(header)
	if m == nil {
		return 0, -1, false
	}
	start, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, -1, false
	}
	if m[2] == "" {
		return start, -1, true
	}
	end, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil || end < start {
		return 0, -1, false
	}
	return start, end - start + 1, true
}

func splitPath(p string) []string {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}
