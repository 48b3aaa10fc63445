// Package api exposes the retrieval service over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kalambet/recall/internal/retrieval"
	"github.com/kalambet/recall/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxRecordBodySize = 10 << 20 // 10MB

// JobCounter reports embedding queue depth for /health.
type JobCounter interface {
	Counts(ctx context.Context) (storage.JobCounts, error)
}

// Deps holds what the HTTP handler needs.
type Deps struct {
	Service *retrieval.Service
	Jobs    JobCounter // optional
	Token   string     // optional bearer token for /v1 routes
}

// NewHandler returns the HTTP API. /health is served without authentication.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))

	r.Route("/v1/owners/{owner}", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/records", handleAddRecord(deps))
		r.Get("/records", handleListRecords(deps))
		r.Get("/records/{id}", handleGetRecord(deps))
		r.Patch("/records/{id}", handleUpdateRecord(deps))
		r.Delete("/records/{id}", handleDeleteRecord(deps))
		r.Post("/records/{id}/embed", handleReembed(deps))
		r.Post("/search", handleSearch(deps))
		r.Get("/search", handleSearchQuery(deps))
		r.Get("/stats", handleStats(deps))
	})

	return otelhttp.NewHandler(r, "recall.api")
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ok"}
		if deps.Jobs != nil {
			if counts, err := deps.Jobs.Counts(r.Context()); err == nil {
				resp["jobs"] = counts
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type addRecordRequest struct {
	Content  string         `json:"content"`
	Category string         `json:"category"`
	Metadata map[string]any `json:"metadata"`
}

func handleAddRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRecordBodySize)
		defer r.Body.Close()

		var req addRecordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		rec, err := deps.Service.Add(r.Context(), retrieval.AddInput{
			OwnerID:  chi.URLParam(r, "owner"),
			Content:  req.Content,
			Category: req.Category,
			Metadata: req.Metadata,
		})
		if err != nil {
			serviceError(w, err, "add record")
			return
		}
		writeJSON(w, http.StatusCreated, recordView(rec))
	}
}

func handleListRecords(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, total, err := deps.Service.List(r.Context(), retrieval.ListFilter{
			OwnerID:  chi.URLParam(r, "owner"),
			Category: r.URL.Query().Get("category"),
			Limit:    parseIntParam(r, "limit", 10, 0),
			Offset:   parseIntParam(r, "offset", 0, 0),
		})
		if err != nil {
			serviceError(w, err, "list records")
			return
		}
		writeJSON(w, http.StatusOK, recordList(records, total))
	}
}

func handleGetRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Service.Get(r.Context(), chi.URLParam(r, "owner"), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err, "get record")
			return
		}
		writeJSON(w, http.StatusOK, recordView(rec))
	}
}

type updateRecordRequest struct {
	Content  *string        `json:"content"`
	Category *string        `json:"category"`
	Metadata map[string]any `json:"metadata"`
}

func handleUpdateRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRecordBodySize)
		defer r.Body.Close()

		var req updateRecordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		rec, err := deps.Service.Update(r.Context(), retrieval.UpdateInput{
			OwnerID:  chi.URLParam(r, "owner"),
			ID:       chi.URLParam(r, "id"),
			Content:  req.Content,
			Category: req.Category,
			Metadata: req.Metadata,
		})
		if err != nil {
			serviceError(w, err, "update record")
			return
		}
		writeJSON(w, http.StatusOK, recordView(rec))
	}
}

func handleDeleteRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deleted, err := deps.Service.Delete(r.Context(), chi.URLParam(r, "owner"), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, err, "delete record")
			return
		}
		if !deleted {
			httpError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleReembed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Service.Reembed(r.Context(), chi.URLParam(r, "owner"), chi.URLParam(r, "id")); err != nil {
			serviceError(w, err, "schedule embedding")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	}
}

type searchRequest struct {
	Query        string   `json:"query"`
	Limit        int      `json:"limit"`
	VectorWeight *float64 `json:"vector_weight"`
	TextWeight   *float64 `json:"text_weight"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		search(w, r, deps, req)
	}
}

func handleSearchQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := searchRequest{
			Query: r.URL.Query().Get("q"),
			Limit: parseIntParam(r, "limit", 0, 0),
		}
		var err error
		if req.VectorWeight, err = parseFloatParam(r, "vector_weight"); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if req.TextWeight, err = parseFloatParam(r, "text_weight"); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		search(w, r, deps, req)
	}
}

func search(w http.ResponseWriter, r *http.Request, deps Deps, req searchRequest) {
	res, err := deps.Service.Search(r.Context(), retrieval.SearchQuery{
		OwnerID:      chi.URLParam(r, "owner"),
		Text:         req.Query,
		Limit:        req.Limit,
		VectorWeight: req.VectorWeight,
		TextWeight:   req.TextWeight,
	})
	var ve *retrieval.ValidationError
	if errors.As(err, &ve) && ve.Field == "query" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required and must not be blank")
		return
	}
	if err != nil {
		serviceError(w, err, "search")
		return
	}
	writeJSON(w, http.StatusOK, searchResponse(res))
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Service.Stats(r.Context(), chi.URLParam(r, "owner"))
		if err != nil {
			serviceError(w, err, "get stats")
			return
		}
		writeJSON(w, http.StatusOK, statsView(st))
	}
}

// serviceError maps a retrieval error onto an HTTP status.
func serviceError(w http.ResponseWriter, err error, action string) {
	var ve *retrieval.ValidationError
	switch {
	case errors.As(err, &ve):
		httpError(w, http.StatusUnprocessableEntity, "validation_error", "%s", ve.Error())
	case errors.Is(err, retrieval.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "record not found")
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to %s: %v", action, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func parseFloatParam(r *http.Request, key string) (*float64, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %q", key, s)
	}
	return &v, nil
}
