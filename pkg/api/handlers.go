package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/astromechza/livecollections/pkg/change"
	"github.com/astromechza/livecollections/pkg/store"
)

const maxBodyBytes = 1 << 20

type bulkUpdateBody struct {
	Filter store.Filter  `json:"filter"`
	Set    change.Entity `json:"set"`
}

type bulkDestroyBody struct {
	Filter store.Filter `json:"filter"`
}

type bulkResult struct {
	Affected int64 `json:"affected"`
}

func resourceOf(request *http.Request) change.Resource {
	return change.Resource(mux.Vars(request)["resource"])
}

func (s *Server) writeJSON(writer http.ResponseWriter, status int, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("failed to encode response", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.writeRaw(writer, status, raw)
}

func (s *Server) writeRaw(writer http.ResponseWriter, status int, raw []byte) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if _, err := writer.Write(raw); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) writeError(writer http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrUnknownResource):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrEmptyFilter), errors.Is(err, store.ErrInvalidFilter), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	default:
		s.logger.Error("request failed", "err", err)
	}
	s.writeJSON(writer, status, map[string]string{"error": err.Error()})
}

var errBadRequest = errors.New("bad request")

func decodeBody(request *http.Request, into any) error {
	dec := json.NewDecoder(io.LimitReader(request.Body, maxBodyBytes))
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("%w: failed to decode body: %v", errBadRequest, err)
	}
	return nil
}

// parseListQuery reads page and pageSize; every other parameter filters on a field. Repeated parameters match any
// of their values.
func parseListQuery(values url.Values) (store.ListQuery, error) {
	q := store.ListQuery{Filter: store.Filter{}}
	for k, vs := range values {
		switch k {
		case "page", "pageSize":
			n, err := strconv.Atoi(vs[0])
			if err != nil || n <= 0 {
				return q, fmt.Errorf("%w: %s must be a positive integer", errBadRequest, k)
			}
			if k == "page" {
				q.Page = n
			} else {
				q.PageSize = n
			}
		default:
			if len(vs) == 1 {
				q.Filter[k] = scalar(vs[0])
				continue
			}
			options := make([]any, len(vs))
			for i, v := range vs {
				options[i] = scalar(v)
			}
			q.Filter[k] = options
		}
	}
	return q, nil
}

func scalar(v string) any {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}

func (s *Server) list(writer http.ResponseWriter, request *http.Request) {
	resource := resourceOf(request)
	if !s.store.Has(resource) {
		s.writeError(writer, fmt.Errorf("%w: %q", store.ErrUnknownResource, resource))
		return
	}
	values := request.URL.Query()
	canonical := values.Encode()
	if raw, ok := s.cache.get(resource, canonical); ok {
		writer.Header().Set("X-Cache", "hit")
		s.writeRaw(writer, http.StatusOK, raw)
		return
	}
	q, err := parseListQuery(values)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	gen := s.cache.generation(resource)
	page, err := s.store.List(request.Context(), resource, q)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	raw, err := json.Marshal(page)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.cache.put(resource, canonical, gen, raw)
	writer.Header().Set("X-Cache", "miss")
	s.writeRaw(writer, http.StatusOK, raw)
}

func (s *Server) get(writer http.ResponseWriter, request *http.Request) {
	record, err := s.store.Get(request.Context(), resourceOf(request), mux.Vars(request)["id"])
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.writeJSON(writer, http.StatusOK, record)
}

func (s *Server) create(writer http.ResponseWriter, request *http.Request) {
	resource := resourceOf(request)
	var data change.Entity
	if err := decodeBody(request, &data); err != nil {
		s.writeError(writer, err)
		return
	}
	record, err := s.store.Create(request.Context(), resource, data)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.cache.invalidate(resource)
	id, _ := record.ID()
	if resource == change.Files {
		s.enqueueChecksum(id, record)
	}
	s.enqueueAudit(resource, "create", change.Entity{"recordId": id})
	s.writeJSON(writer, http.StatusCreated, record)
}

func (s *Server) update(writer http.ResponseWriter, request *http.Request) {
	resource := resourceOf(request)
	var patch change.Entity
	if err := decodeBody(request, &patch); err != nil {
		s.writeError(writer, err)
		return
	}
	record, err := s.store.Update(request.Context(), resource, mux.Vars(request)["id"], patch)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.cache.invalidate(resource)
	id, _ := record.ID()
	if _, ok := patch[contentField]; ok && resource == change.Files {
		s.enqueueChecksum(id, record)
	}
	s.enqueueAudit(resource, "update", change.Entity{"recordId": id})
	s.writeJSON(writer, http.StatusOK, record)
}

func (s *Server) destroy(writer http.ResponseWriter, request *http.Request) {
	resource := resourceOf(request)
	record, err := s.store.Destroy(request.Context(), resource, mux.Vars(request)["id"])
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.cache.invalidate(resource)
	id, _ := record.ID()
	s.enqueueAudit(resource, "delete", change.Entity{"recordId": id})
	s.writeJSON(writer, http.StatusOK, record)
}

func (s *Server) bulkUpdate(writer http.ResponseWriter, request *http.Request) {
	resource := resourceOf(request)
	var body bulkUpdateBody
	if err := decodeBody(request, &body); err != nil {
		s.writeError(writer, err)
		return
	}
	if len(body.Set) == 0 {
		s.writeError(writer, fmt.Errorf("%w: set must not be empty", errBadRequest))
		return
	}
	n, err := s.store.BulkUpdate(request.Context(), resource, body.Filter, body.Set)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.cache.invalidate(resource)
	s.enqueueAudit(resource, "bulk_update", change.Entity{"affected": n})
	s.writeJSON(writer, http.StatusOK, bulkResult{Affected: n})
}

func (s *Server) bulkDestroy(writer http.ResponseWriter, request *http.Request) {
	resource := resourceOf(request)
	var body bulkDestroyBody
	if err := decodeBody(request, &body); err != nil {
		s.writeError(writer, err)
		return
	}
	n, err := s.store.BulkDestroy(request.Context(), resource, body.Filter)
	if err != nil {
		s.writeError(writer, err)
		return
	}
	s.cache.invalidate(resource)
	s.enqueueAudit(resource, "bulk_delete", change.Entity{"affected": n})
	s.writeJSON(writer, http.StatusOK, bulkResult{Affected: n})
}
