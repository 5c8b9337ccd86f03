package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/fetcher"
	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/store"
)

const maxRequestBytes = 64 << 20

type submitRequest struct {
	Locator       string `json:"locator"`
	ContentBase64 string `json:"content_base64"`
	Name          string `json:"name"`
	TypeHint      string `json:"type_hint"`
}

type resolveRequest struct {
	Resolution model.Resolution `json:"resolution"`
	Value      string           `json:"value"`
	Reviewer   string           `json:"reviewer"`
}

// jobView is the detail response for one job. Results are attached once
// the job has completed.
type jobView struct {
	*model.ExtractionJob
	CompletedPhases []model.Phase           `json:"completed_phases"`
	OpenReviews     int                     `json:"open_reviews"`
	Verified        bool                    `json:"verified"`
	Entities        []model.ExtractedEntity `json:"entities,omitempty"`
	Mappings        []model.MappingRecord   `json:"mappings,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	resp := map[string]any{"status": "ok"}
	if s.stats != nil {
		resp["workers"] = s.stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeErr(w, http.StatusNotFound, errors.New("metrics are not enabled"))
		return
	}
	hours := s.window
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeErr(w, http.StatusBadRequest, errors.New("hours must be a positive integer"))
			return
		}
		hours = n
	}
	snap, err := s.metrics.Collect(r.Context(), hours)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	req.Locator = strings.TrimSpace(req.Locator)

	switch {
	case req.Locator == "" && req.ContentBase64 == "":
		writeErr(w, http.StatusBadRequest, errors.New("locator or content_base64 is required"))
		return
	case req.Locator != "" && req.ContentBase64 != "":
		writeErr(w, http.StatusBadRequest, errors.New("locator and content_base64 are mutually exclusive"))
		return
	}

	if req.ContentBase64 != "" {
		if s.spool == nil {
			writeErr(w, http.StatusBadRequest, errors.New("uploads are not enabled"))
			return
		}
		content, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("content_base64: %w", err))
			return
		}
		locator, err := s.spool.Spool(req.Name, content)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		req.Locator = locator
	} else if err := fetcher.Validate(req.Locator); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	job, err := s.store.CreateJob(r.Context(), model.DocumentRef{
		Locator:  req.Locator,
		Name:     strings.TrimSpace(req.Name),
		TypeHint: strings.TrimSpace(req.TypeHint),
	})
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	zap.L().Info("api: job submitted", zap.String("job_id", job.ID), zap.String("locator", job.Document.Locator))
	writeJSON(w, http.StatusAccepted, map[string]any{"id": job.ID, "status": job.Status})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), store.JobFilter{
		Status: model.JobStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	open, err := s.store.OpenReviewCount(ctx, id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	view := jobView{
		ExtractionJob:   job,
		CompletedPhases: job.CompletedPhases(),
		OpenReviews:     open,
		Verified:        job.Status == model.JobStatusCompleted && open == 0,
	}
	if job.Status == model.JobStatusCompleted {
		if view.Entities, err = s.store.ListEntities(ctx, id); err != nil {
			writeStoreErr(w, err)
			return
		}
		if view.Mappings, err = s.store.ListMappings(ctx, id, false); err != nil {
			writeStoreErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.RequestCancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.jobExists(w, r, id) {
		return
	}
	entities, err := s.store.ListEntities(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (s *Server) handleMappings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.jobExists(w, r, id) {
		return
	}
	history, _ := strconv.ParseBool(r.URL.Query().Get("history"))
	mappings, err := s.store.ListMappings(r.Context(), id, history)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": mappings})
}

func (s *Server) handleJobReviews(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.reviews.Status(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	items, err := s.reviews.List(r.Context(), store.ReviewFilter{JobID: id, Limit: 100000})
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "reviews": items})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.jobExists(w, r, id) {
		return
	}
	events, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	limit, _, err := paging(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	q := r.URL.Query()
	open := true
	if v := q.Get("open"); v != "" {
		if open, err = strconv.ParseBool(v); err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("open: %w", err))
			return
		}
	}
	items, err := s.reviews.List(r.Context(), store.ReviewFilter{
		JobID:    q.Get("job_id"),
		OpenOnly: open,
		Limit:    limit,
	})
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": items})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	res := store.Resolution{
		ReviewID:   chi.URLParam(r, "id"),
		Reviewer:   strings.TrimSpace(req.Reviewer),
		Resolution: model.Resolution(strings.ToLower(strings.TrimSpace(string(req.Resolution)))),
		Value:      strings.TrimSpace(req.Value),
	}
	if res.Reviewer == "" {
		writeErr(w, http.StatusBadRequest, errors.New("reviewer is required"))
		return
	}
	if err := res.Validate(); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	item, err := s.reviews.Resolve(r.Context(), res.ReviewID, res.Resolution, res.Value, res.Reviewer)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) jobExists(w http.ResponseWriter, r *http.Request, id string) bool {
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		writeStoreErr(w, err)
		return false
	}
	return true
}

func paging(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit = 100
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, fmt.Errorf("limit must be a positive integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
