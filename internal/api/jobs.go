package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/longcall/internal/backend"
	"github.com/seantiz/longcall/internal/manager"
	"github.com/seantiz/longcall/internal/model"
)

const maxBodySize = 1 << 20 // 1 MB

// Job statuses reported to clients.
const (
	statusCompleted = "completed"
	statusSubmitted = "submitted"
	statusRunning   = "running"
	statusFailed    = "failed"
	statusCancelled = "cancelled"
)

// submitJobRequest is the JSON body for POST /v1/jobs.
type submitJobRequest struct {
	Function string          `json:"function"`
	Args     json.RawMessage `json:"args"`
}

// jobResponse is the JSON response for job submissions and polls.
type jobResponse struct {
	Status         string              `json:"status"`
	Key            string              `json:"key"`
	Job            string              `json:"job,omitempty"`
	PollIntervalMS int64               `json:"poll_interval_ms,omitempty"`
	Result         any                 `json:"result,omitempty"`
	Error          *model.ErrorPayload `json:"error,omitempty"`
	Cached         bool                `json:"cached,omitempty"`
	Progress       *model.Progress     `json:"progress,omitempty"`
}

type readyResponse struct {
	Key   string `json:"key"`
	Ready bool   `json:"ready"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Function == "" {
		s.writeError(w, http.StatusBadRequest, "function is required")
		return
	}

	// Each session's submissions of one function share a slot, so a newer
	// submission supersedes the older ones.
	ctx := manager.WithSlot(r.Context(), SessionID(r.Context())+"/"+req.Function)

	sub, err := s.manager.Submit(ctx, req.Function, req.Args)
	switch {
	case errors.Is(err, manager.ErrUnknownFunction):
		recordSubmit(req.Function, submitUnknown)
		s.writeError(w, http.StatusNotFound, "function not registered")
		return
	case errors.Is(err, backend.ErrPoolFull):
		recordSubmit(req.Function, submitPoolFull)
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusServiceUnavailable, "worker pool full")
		return
	case errors.Is(err, backend.ErrUnavailable):
		recordSubmit(req.Function, submitUnavailable)
		s.logger.Error("submit job", "function", req.Function, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "backend unavailable")
		return
	case err != nil:
		recordSubmit(req.Function, submitError)
		s.logger.Error("submit job", "function", req.Function, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	if sub.Hit() {
		recordSubmit(req.Function, submitCached)
		resp, err := s.completed(sub.Key, sub.Result)
		if err != nil {
			s.logger.Error("decode cached result", "key", sub.Key, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to decode result")
			return
		}
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	token, err := s.tokens.Encode(sub.Handle)
	if err != nil {
		s.logger.Error("encode job token", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to encode job token")
		return
	}
	recordSubmit(req.Function, submitAccepted)
	s.writeJSON(w, http.StatusAccepted, jobResponse{
		Status:         statusSubmitted,
		Key:            sub.Key,
		Job:            token,
		PollIntervalMS: s.pollInterval.Milliseconds(),
	})
}

// handlePollJob answers "is the result ready?" for a bare key, and runs a
// full poll when a job token is given: the result (which retires the job),
// a failure for a reclaimed unhealthy job, or the latest progress.
func (s *Server) handlePollJob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if r.URL.Query().Get("job") == "" {
		ready, err := s.manager.ResultReady(r.Context(), key)
		if err != nil {
			s.logger.Error("check result", "key", key, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to check result")
			return
		}
		s.writeJSON(w, http.StatusOK, readyResponse{Key: key, Ready: ready})
		return
	}

	h, ok := s.jobHandle(w, r, key)
	if !ok {
		return
	}

	status, resp, err := s.poll(r, key, h)
	if err != nil {
		jobPolls.WithLabelValues(pollError).Inc()
		s.logger.Error("poll job", "key", key, "job_id", h.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to poll job")
		return
	}
	s.writeJSON(w, status, resp)
}

// poll runs one poll round for h.
func (s *Server) poll(r *http.Request, key string, h backend.Handle) (int, jobResponse, error) {
	ctx := r.Context()

	res, err := s.manager.GetResult(ctx, key, h)
	if err != nil {
		return 0, jobResponse{}, err
	}
	if res != nil {
		jobPolls.WithLabelValues(pollCompleted).Inc()
		resp, err := s.completed(key, res)
		return http.StatusOK, resp, err
	}

	reclaimed, err := s.manager.TerminateUnhealthyJob(ctx, h)
	if err != nil {
		return 0, jobResponse{}, err
	}
	if reclaimed {
		jobPolls.WithLabelValues(pollReclaimed).Inc()
		return http.StatusGone, jobResponse{Status: statusFailed, Key: key}, nil
	}

	progress, err := s.manager.GetProgress(ctx, key)
	if err != nil {
		return 0, jobResponse{}, err
	}
	jobPolls.WithLabelValues(pollRunning).Inc()
	return http.StatusAccepted, jobResponse{
		Status:         statusRunning,
		Key:            key,
		PollIntervalMS: s.pollInterval.Milliseconds(),
		Progress:       progress,
	}, nil
}

func (s *Server) completed(key string, res *manager.Result) (jobResponse, error) {
	resp := jobResponse{Status: statusCompleted, Key: key, Cached: res.Cached, Error: res.Err}
	if res.Err == nil {
		var v any
		if err := res.Decode(&v); err != nil {
			return jobResponse{}, err
		}
		resp.Result = v
	}
	return resp, nil
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	p, err := s.manager.GetProgress(r.Context(), key)
	if err != nil {
		s.logger.Error("get progress", "key", key, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get progress")
		return
	}
	if p == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	h, ok := s.jobHandle(w, r, key)
	if !ok {
		return
	}
	if err := s.manager.TerminateJob(r.Context(), h); err != nil {
		s.logger.Error("cancel job", "key", key, "job_id", h.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	s.writeJSON(w, http.StatusOK, jobResponse{Status: statusCancelled, Key: key})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if err := s.manager.ClearCacheEntry(r.Context(), key); err != nil {
		s.logger.Error("clear cache entry", "key", key, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to clear cache entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// jobHandle decodes the job token query parameter and checks it belongs to
// key. It writes the error response itself.
func (s *Server) jobHandle(w http.ResponseWriter, r *http.Request, key string) (backend.Handle, bool) {
	token := r.URL.Query().Get("job")
	if token == "" {
		s.writeError(w, http.StatusBadRequest, "job token is required")
		return backend.Handle{}, false
	}
	h, err := s.tokens.Decode(token)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return backend.Handle{}, false
	}
	if h.Key != key {
		s.writeError(w, http.StatusBadRequest, "job token does not match key")
		return backend.Handle{}, false
	}
	return h, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseDurationQuery parses a millisecond query parameter, falling back to
// defaultVal when it is missing or malformed.
func parseDurationQuery(r *http.Request, key string, defaultVal time.Duration) time.Duration {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	ms, err := strconv.Atoi(s)
	if err != nil || ms <= 0 {
		return defaultVal
	}
	return time.Duration(ms) * time.Millisecond
}
