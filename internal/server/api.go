package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"github.com/desertthunder/pmx/internal/descriptor"
	"github.com/desertthunder/pmx/internal/gate"
	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/planner"
	"github.com/desertthunder/pmx/internal/shared"
	"github.com/desertthunder/pmx/internal/transform"
)

// maxDescriptorSize bounds POST /plans bodies.
const maxDescriptorSize = 4 << 20

// PlanReader is the read side of the plan store.
type PlanReader interface {
	Get(ctx context.Context, id string) (*models.MigrationPlan, error)
	List(ctx context.Context, criteria map[string]any) ([]*models.MigrationPlan, error)
	ListItems(ctx context.Context, planID string, statuses ...models.ItemStatus) ([]*models.MigrationItem, error)
	Paths(ctx context.Context, planID string) ([]*models.MigrationPath, error)
}

// PlanEditor creates and edits plans. [planner.Planner] satisfies it.
type PlanEditor interface {
	Build(ctx context.Context, req descriptor.Request) (*models.MigrationPlan, error)
	SelectPath(ctx context.Context, planID, pathID string) (*models.MigrationPlan, error)
	Delete(ctx context.Context, planID string) error
}

// PlanControl drives plan execution. [executor.Executor] satisfies it.
type PlanControl interface {
	Start(ctx context.Context, planID string) error
	Pause(ctx context.Context, planID string) error
	Finish(ctx context.Context, planID string) error
	NotifyObjectAvailable(ctx context.Context, objectID string) ([]string, error)
}

// AsyncReader exposes gate tokens and results. [gate.Gate] satisfies it.
type AsyncReader interface {
	Poll(ctx context.Context, token string) (gate.Status, error)
	OpenPayload(ctx context.Context, resultID string) (*models.AsyncResult, io.ReadCloser, error)
}

// APIHandler serves the plan, gate and object endpoints.
type APIHandler struct {
	plans   PlanReader
	editor  PlanEditor
	control PlanControl
	async   AsyncReader
	ping    func(ctx context.Context) error
	logger  *log.Logger
}

// APIConfig lists the dependencies of an [APIHandler]. Ping is optional.
type APIConfig struct {
	Plans   PlanReader
	Editor  PlanEditor
	Control PlanControl
	Async   AsyncReader
	Ping    func(ctx context.Context) error
	Logger  *log.Logger
}

// NewAPIHandler creates an APIHandler.
func NewAPIHandler(cfg APIConfig) *APIHandler {
	return &APIHandler{
		plans:   cfg.Plans,
		editor:  cfg.Editor,
		control: cfg.Control,
		async:   cfg.Async,
		ping:    cfg.Ping,
		logger:  shared.WithLogger(cfg.Logger, "component", "api"),
	}
}

// Register implements [Handler].
func (h *APIHandler) Register(r chi.Router) {
	r.Get("/healthz", h.Health)

	r.Route("/async", func(r chi.Router) {
		r.Get("/results/{id}", h.GetResult)
		r.Get("/{token}", h.GetAsync)
	})

	r.Route("/plans", func(r chi.Router) {
		r.Get("/", h.ListPlans)
		r.Post("/", h.CreatePlan)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetPlan)
			r.Delete("/", h.DeletePlan)
			r.Get("/items", h.ListItems)
			r.Get("/paths", h.ListPaths)
			r.Put("/active-path", h.SelectPath)
			r.Post("/start", h.transition(h.control.Start))
			r.Post("/pause", h.transition(h.control.Pause))
			r.Post("/finish", h.transition(h.control.Finish))
		})
	})

	r.Post("/objects/{id}/available", h.ObjectAvailable)
}

// Health reports 200 when the database answers.
func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetAsync reports whether a gate request is done, with its result once it is.
func (h *APIHandler) GetAsync(w http.ResponseWriter, r *http.Request) {
	st, err := h.async.Poll(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, st)
}

// GetResult streams the payload of a gate result. Failed results answer with their own code.
func (h *APIHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	result, rc, err := h.async.OpenPayload(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	if !result.OK() {
		h.respondJSON(w, result.Code(), map[string]string{"error": result.Message()})
		return
	}
	if rc == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	defer rc.Close()

	contentType := result.ContentType()
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if result.Filename() != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": result.Filename()}))
	}
	w.WriteHeader(result.Code())
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("failed to stream payload", "result", result.ID(), "err", err)
	}
}

// ListPlans lists plans, filtered by the status and owner query parameters.
func (h *APIHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	criteria := make(map[string]any)
	query := r.URL.Query()
	if s := query.Get("status"); s != "" {
		status, err := models.ParsePlanStatus(s)
		if err != nil {
			h.respondError(w, err)
			return
		}
		criteria["status"] = status
	}
	if owner := query.Get("owner"); owner != "" {
		criteria["owner"] = owner
	}

	plans, err := h.plans.List(r.Context(), criteria)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if plans == nil {
		plans = []*models.MigrationPlan{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"plans": plans, "count": len(plans)})
}

// CreatePlan builds a plan from a JSON or XML descriptor in the body.
func (h *APIHandler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxDescriptorSize))
	if err != nil {
		h.respondError(w, fmt.Errorf("%w: %w", shared.ErrInvalidDescriptor, err))
		return
	}
	enc := descriptor.Detect("", data)
	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/xml" || ct == "text/xml" {
		enc = descriptor.XML
	}

	req, err := descriptor.Parse(data, enc)
	if err != nil {
		h.respondError(w, err)
		return
	}
	plan, err := h.editor.Build(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.Header().Set("Location", "/plans/"+plan.ID())
	h.respondJSON(w, http.StatusCreated, plan)
}

// GetPlan returns a plan with its paths and items.
func (h *APIHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.plans.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, plan)
}

// DeletePlan removes a plan that is not executing.
func (h *APIHandler) DeletePlan(w http.ResponseWriter, r *http.Request) {
	if err := h.editor.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListItems lists a plan's items, optionally filtered by the status query parameter.
func (h *APIHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.plans.Get(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}

	var statuses []models.ItemStatus
	for _, s := range r.URL.Query()["status"] {
		statuses = append(statuses, models.ItemStatus(s))
	}
	items, err := h.plans.ListItems(r.Context(), id, statuses...)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if items == nil {
		items = []*models.MigrationItem{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// ListPaths lists a plan's candidate paths.
func (h *APIHandler) ListPaths(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.plans.Get(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	paths, err := h.plans.Paths(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if paths == nil {
		paths = []*models.MigrationPath{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"paths": paths, "count": len(paths)})
}

type selectPathRequest struct {
	PathID string `json:"path_id"`
}

// SelectPath activates a path of a NEW or READY plan.
func (h *APIHandler) SelectPath(w http.ResponseWriter, r *http.Request) {
	var body selectPathRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PathID == "" {
		h.respondError(w, fmt.Errorf("%w: body must be {\"path_id\": \"...\"}", shared.ErrInvalidInput))
		return
	}
	plan, err := h.editor.SelectPath(r.Context(), chi.URLParam(r, "id"), body.PathID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, plan)
}

// transition adapts an executor operation to an endpoint answering with the plan's new state.
func (h *APIHandler) transition(op func(ctx context.Context, planID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := op(r.Context(), id); err != nil {
			h.respondError(w, err)
			return
		}
		plan, err := h.plans.Get(r.Context(), id)
		if err != nil {
			h.respondError(w, err)
			return
		}
		h.respondJSON(w, http.StatusOK, plan)
	}
}

// ObjectAvailable restarts plans paused for an object.
func (h *APIHandler) ObjectAvailable(w http.ResponseWriter, r *http.Request) {
	started, err := h.control.NotifyObjectAvailable(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	if started == nil {
		started = []string{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"started": started, "count": len(started)})
}

// Helper methods

func (h *APIHandler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "err", err)
	}
}

type problem struct {
	Object string `json:"object"`
	Format string `json:"format,omitempty"`
	Error  string `json:"error"`
}

type errorBody struct {
	Error    string    `json:"error"`
	Problems []problem `json:"problems,omitempty"`
}

func (h *APIHandler) respondError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	if status >= 500 {
		h.logger.Error("API error", "err", err, "status", status)
	}

	body := errorBody{Error: err.Error()}
	var verr *planner.ValidationError
	if errors.As(err, &verr) {
		for _, p := range verr.Problems {
			body.Problems = append(body.Problems, problem{Object: p.ObjectID, Format: p.Format, Error: p.Err.Error()})
		}
	}
	h.respondJSON(w, status, body)
}

// StatusOf maps an error to its HTTP status code.
func StatusOf(err error) int {
	var verr *planner.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, transform.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrInvalidTransition), errors.Is(err, shared.ErrPlanBusy):
		return http.StatusConflict
	case errors.Is(err, shared.ErrInvalidDescriptor), errors.Is(err, shared.ErrInvalidInput), errors.Is(err, shared.ErrInvalidChain):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrCatalogUnavailable), errors.Is(err, shared.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
