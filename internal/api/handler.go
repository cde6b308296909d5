package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/spf13/cast"

	"github.com/go4it/credeval/internal/domain"
	"github.com/go4it/credeval/internal/eligibility"
	"github.com/go4it/credeval/internal/engine"
)

// RetryAfterSeconds is sent with 409 responses for transcripts that are
// already being evaluated.
const RetryAfterSeconds = 5

// Handler holds dependencies for API handlers.
type Handler struct {
	svc     *engine.Service
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler.
func NewHandler(svc *engine.Service, repo domain.Repository, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		svc:     svc,
		repo:    repo,
		cache:   cache,
		bus:     bus,
		version: version,
	}
}

// SubmitResponse is the response for POST /transcripts.
type SubmitResponse struct {
	Transcript *domain.Transcript        `json:"transcript"`
	Evaluation *domain.EvaluationSummary `json:"evaluation,omitempty"`
}

// SubmitTranscript handles POST /transcripts. With ?evaluate=true the
// transcript is evaluated before responding.
func (h *Handler) SubmitTranscript(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.TranscriptRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON request body", domain.ErrInvalidInput))
		return
	}

	// A synchronous evaluation skips the bus hand-off to the workers.
	if cast.ToBool(r.URL.Query().Get("evaluate")) {
		t, eval, err := h.svc.SubmitAndEvaluate(ctx, &req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, SubmitResponse{Transcript: t, Evaluation: eval.Summary()})
		return
	}

	t, err := h.svc.Submit(ctx, &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := SubmitResponse{Transcript: t}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}

// GetTranscript handles GET /transcripts/{id}.
func (h *Handler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	t, err := h.repo.GetTranscript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, t)
}

// ListTranscripts handles GET /transcripts?status=&limit=.
func (h *Handler) ListTranscripts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.repo.ListTranscripts(r.Context(), domain.TranscriptStatus(q.Get("status")), cast.ToInt(q.Get("limit")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{
		"transcripts": list,
		"count":       len(list),
	})
}

// EvaluateTranscript handles POST /transcripts/{id}/evaluate.
func (h *Handler) EvaluateTranscript(w http.ResponseWriter, r *http.Request) {
	eval, err := h.svc.Evaluate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("view") == "summary" {
		render.JSON(w, r, eval.Summary())
		return
	}
	render.JSON(w, r, eval)
}

// ListEvaluations handles GET /transcripts/{id}/evaluations.
func (h *Handler) ListEvaluations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, err := h.repo.GetTranscript(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}
	evals, err := h.repo.ListEvaluations(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	summaries := make([]*domain.EvaluationSummary, 0, len(evals))
	for _, e := range evals {
		summaries = append(summaries, e.Summary())
	}
	render.JSON(w, r, map[string]any{
		"transcriptId": id,
		"evaluations":  summaries,
		"count":        len(summaries),
	})
}

// LatestEvaluation handles GET /transcripts/{id}/evaluations/latest.
func (h *Handler) LatestEvaluation(w http.ResponseWriter, r *http.Request) {
	eval, err := h.svc.Latest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, eval)
}

// GetEvaluation handles GET /evaluations/{id}.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	eval, err := h.repo.GetEvaluation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, eval)
}

// QueryAudit handles GET /audit.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.AuditFilter{
		TranscriptID: q.Get("transcriptId"),
		EvaluationID: q.Get("evaluationId"),
		RecordID:     q.Get("recordId"),
		Phase:        domain.AuditPhase(q.Get("phase")),
		Action:       q.Get("action"),
		Limit:        cast.ToInt(q.Get("limit")),
	}
	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		writeError(w, r, err)
		return
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		writeError(w, r, err)
		return
	}
	if filter.TranscriptID == "" && filter.EvaluationID == "" {
		writeError(w, r, fmt.Errorf("%w: transcriptId or evaluationId is required", domain.ErrInvalidInput))
		return
	}

	entries, err := h.repo.Query(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// ListReview handles GET /review.
func (h *Handler) ListReview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.ReviewFilter{
		Status:       domain.ReviewStatus(q.Get("status")),
		TranscriptID: q.Get("transcriptId"),
		Limit:        cast.ToInt(q.Get("limit")),
	}
	if filter.Status == "" {
		filter.Status = domain.ReviewPending
	} else if q.Get("status") == "all" {
		filter.Status = ""
	}

	items, err := h.svc.Queue().List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{
		"items": items,
		"count": len(items),
	})
}

// ResolveReview handles POST /review/{id}/resolve.
func (h *Handler) ResolveReview(w http.ResponseWriter, r *http.Request) {
	var res domain.Resolution
	if err := render.DecodeJSON(r.Body, &res); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON request body", domain.ErrInvalidInput))
		return
	}

	out, err := h.svc.ResolveReview(r.Context(), chi.URLParam(r, "id"), &res)
	if err != nil && out == nil {
		writeError(w, r, err)
		return
	}
	if err != nil {
		// resolution stored, re-evaluation failed
		status, body := errorResponse(err)
		body["item"] = out.Item
		if status == http.StatusConflict {
			w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
		}
		render.Status(r, status)
		render.JSON(w, r, body)
		return
	}
	render.JSON(w, r, out)
}

// GetCatalog handles GET /catalog. With ?country= it lists that country's
// education systems.
func (h *Handler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	snap := h.svc.Catalog().Current()
	if country := r.URL.Query().Get("country"); country != "" {
		if _, ok := snap.Country(country); !ok {
			writeError(w, r, fmt.Errorf("country %s: %w", country, domain.ErrNotFound))
			return
		}
		render.JSON(w, r, map[string]any{
			"country": country,
			"systems": snap.SystemsForCountry(country),
		})
		return
	}
	render.JSON(w, r, snap.Stats())
}

// ReloadCatalog handles POST /catalog/reload.
func (h *Handler) ReloadCatalog(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.ReloadCatalog(r.Context())
	if err != nil {
		slog.Error("catalog reload failed", "error", err)
		writeError(w, r, err)
		return
	}
	slog.Info("catalog reloaded", "catalog_version", snap.Version())
	render.JSON(w, r, map[string]any{
		"message": "catalog reloaded successfully",
		"catalog": snap.Stats(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	if h.repo != nil {
		checks["repository"] = "ok"
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["repository"] = err.Error()
		}
	}
	if h.cache != nil {
		checks["cache"] = "ok"
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["cache"] = err.Error()
		}
	}
	if h.bus != nil {
		checks["bus"] = "ok"
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["bus"] = err.Error()
		}
	}

	render.JSON(w, r, map[string]any{
		"status":           status,
		"version":          h.version,
		"evaluatorVersion": eligibility.EvaluatorVersion,
		"catalogVersion":   h.svc.Catalog().Current().Version(),
		"checks":           checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, map[string]string{"ready": "false"})
			return
		}
	}
	render.JSON(w, r, map[string]string{"ready": "true"})
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not an RFC3339 time", domain.ErrInvalidInput, s)
	}
	return t.UTC(), nil
}

// errorResponse maps an error to a status code and JSON body.
func errorResponse(err error) (int, map[string]any) {
	var (
		invalidRecord *domain.InvalidCourseRecordError
		busy          *domain.ConcurrentEvaluationError
	)
	switch {
	case errors.As(err, &invalidRecord):
		return http.StatusUnprocessableEntity, map[string]any{
			"error":    err.Error(),
			"recordId": invalidRecord.RecordID,
			"fields":   invalidRecord.Fields,
		}
	case errors.As(err, &busy):
		return http.StatusConflict, map[string]any{
			"error":        err.Error(),
			"transcriptId": busy.TranscriptID,
			"retryAfter":   RetryAfterSeconds,
		}
	case errors.Is(err, domain.ErrAlreadyResolved):
		return http.StatusConflict, map[string]any{"error": err.Error()}
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, map[string]any{"error": err.Error()}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, map[string]any{"error": err.Error()}
	default:
		return http.StatusInternalServerError, map[string]any{"error": "internal server error"}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
	}
	var busy *domain.ConcurrentEvaluationError
	if errors.As(err, &busy) {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	render.Status(r, status)
	render.JSON(w, r, body)
}
