package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/pald-cli/internal/convergence"
	"github.com/sells-group/pald-cli/internal/feedback"
	"github.com/sells-group/pald-cli/internal/model"
)

// api serves the engine over HTTP. Components missing from env answer 503.
type api struct {
	env *engineEnv
}

type sessionRequest struct {
	SessionID     string         `json:"session_id"`
	Text          string         `json:"text"`
	Record        map[string]any `json:"record"`
	SchemaVersion string         `json:"schema_version"`
	DeferBias     bool           `json:"defer_bias"`
	AnalysisTypes []string       `json:"analysis_types"`
}

type sessionResponse struct {
	SessionID       string               `json:"session_id"`
	RoundsRemaining int                  `json:"rounds_remaining"`
	Outcome         *convergence.Outcome `json:"outcome,omitempty"`
}

type jobRequest struct {
	RecordA       string   `json:"record_a"`
	RecordB       string   `json:"record_b"`
	AnalysisTypes []string `json:"analysis_types"`
}

// buildRouter wires the HTTP API routes.
func buildRouter(env *engineEnv, corsOrigins []string) http.Handler {
	a := &api{env: env}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", a.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/schema", a.activeSchema)
	r.Get("/schema/{version}", a.schemaVersion)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", a.startSession)
		r.Post("/{id}/feedback", a.submitFeedback)
		r.Delete("/{id}", a.stopSession)
	})

	r.Route("/candidates", func(r chi.Router) {
		r.Get("/", a.listCandidates)
		r.Post("/{name}/promote", a.promoteCandidate)
		r.Delete("/{name}", a.rejectCandidate)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", a.enqueueJob)
		r.Get("/", a.listJobs)
		r.Get("/{id}", a.getJob)
		r.Post("/{id}/requeue", a.requeueJob)
	})

	return r
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if a.env.Registry != nil {
		if s := a.env.Registry.Active(); s != nil {
			body["schema_version"] = s.Version
		}
		body["schema_degraded"] = a.env.Registry.Degraded()
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *api) activeSchema(w http.ResponseWriter, r *http.Request) {
	s, err := a.env.Registry.Load(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *api) schemaVersion(w http.ResponseWriter, r *http.Request) {
	s, err := a.env.Registry.Version(r.Context(), chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *api) startSession(w http.ResponseWriter, r *http.Request) {
	if a.env.Sessions == nil {
		writeMessage(w, http.StatusServiceUnavailable, "consistency loop not configured")
		return
	}
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == "" && len(req.Record) == 0 {
		writeMessage(w, http.StatusBadRequest, "text or record is required")
		return
	}

	run := convergence.Request{
		SessionID:     req.SessionID,
		InputText:     req.Text,
		DeferBias:     req.DeferBias,
		AnalysisTypes: analysisTypes(req.AnalysisTypes),
	}
	if len(req.Record) > 0 {
		run.InputText = ""
		run.InputRecord = &model.Record{SchemaVersion: req.SchemaVersion, Kind: model.RecordKindInput, Content: req.Record}
	}

	s, out, err := a.env.Sessions.Start(r.Context(), run)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{
		SessionID:       s.ID(),
		RoundsRemaining: s.RoundsRemaining(),
		Outcome:         out,
	})
}

func (a *api) submitFeedback(w http.ResponseWriter, r *http.Request) {
	if a.env.Sessions == nil {
		writeMessage(w, http.StatusServiceUnavailable, "consistency loop not configured")
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, err := a.env.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := s.Submit(r.Context(), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:       s.ID(),
		RoundsRemaining: s.RoundsRemaining(),
		Outcome:         out,
	})
}

func (a *api) stopSession(w http.ResponseWriter, r *http.Request) {
	if a.env.Sessions == nil {
		writeMessage(w, http.StatusServiceUnavailable, "consistency loop not configured")
		return
	}
	id := chi.URLParam(r, "id")
	out, err := a.env.Sessions.Stop(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: id, Outcome: out})
}

func (a *api) listCandidates(w http.ResponseWriter, r *http.Request) {
	var (
		cands []model.FieldCandidate
		err   error
	)
	if v := r.URL.Query().Get("min_support"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 1 {
			writeMessage(w, http.StatusBadRequest, "min_support must be a positive integer")
			return
		}
		cands, err = a.env.Candidates.CheckThresholds(r.Context(), n)
	} else {
		cands, err = a.env.Candidates.List(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if cands == nil {
		cands = []model.FieldCandidate{}
	}
	writeJSON(w, http.StatusOK, cands)
}

func (a *api) promoteCandidate(w http.ResponseWriter, r *http.Request) {
	var spec model.FieldSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil && !errors.Is(err, io.EOF) {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s, err := a.env.Candidates.Promote(r.Context(), chi.URLParam(r, "name"), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *api) rejectCandidate(w http.ResponseWriter, r *http.Request) {
	if err := a.env.Candidates.Reject(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RecordA == "" || req.RecordB == "" {
		writeMessage(w, http.StatusBadRequest, "record_a and record_b are required")
		return
	}

	ra, err := a.env.Store.GetRecord(r.Context(), req.RecordA)
	if err != nil {
		writeError(w, err)
		return
	}
	rb, err := a.env.Store.GetRecord(r.Context(), req.RecordB)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := a.env.Queue.Enqueue(r.Context(), ra, rb, analysisTypes(req.AnalysisTypes))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}

func (a *api) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.JobFilter{Status: model.JobStatus(q.Get("status"))}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	jobs, err := a.env.Queue.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []model.BiasJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.env.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *api) requeueJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.env.Queue.Requeue(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": string(model.JobStatusPending)})
}

func analysisTypes(in []string) []model.AnalysisType {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.AnalysisType, len(in))
	for i, t := range in {
		out[i] = model.AnalysisType(t)
	}
	return out
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case model.IsValidationError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrPromotionConflict),
		errors.Is(err, feedback.ErrClosed),
		errors.Is(err, feedback.ErrNotStarted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed", zap.Error(err))
	}
	writeMessage(w, status, err.Error())
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
