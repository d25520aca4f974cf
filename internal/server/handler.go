// Package server exposes the orchestrator over REST and websocket.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/zjrosen/overseer/internal/event"
	"github.com/zjrosen/overseer/internal/fanout"
	"github.com/zjrosen/overseer/internal/log"
	"github.com/zjrosen/overseer/internal/orchestrator"
	"github.com/zjrosen/overseer/internal/workflow"
)

// retryAfterSeconds is returned with 429 responses so clients back off
// instead of hammering admission.
const retryAfterSeconds = "30"

// Handler provides the HTTP endpoints for workflow management.
type Handler struct {
	orch  *orchestrator.Orchestrator
	store workflow.Store
	hub   *fanout.Hub
	bus   *event.Bus
}

// NewHandler creates a Handler and wires the event bus into the fan-out
// hub: every persisted event is broadcast after the log write, and stream
// events flow through untouched.
func NewHandler(orch *orchestrator.Orchestrator, store workflow.Store, hub *fanout.Hub, bus *event.Bus) *Handler {
	h := &Handler{orch: orch, store: store, hub: hub, bus: bus}
	bus.Subscribe(hub.Broadcast)
	return h
}

// Routes returns the HTTP handler with all routes registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/workflows", h.Create)
		r.Get("/workflows", h.List)
		r.Get("/workflows/active", h.Active)
		r.Get("/workflows/{id}", h.Get)
		r.Get("/workflows/{id}/events", h.Events)
		r.Post("/workflows/{id}/approve", h.Approve)
		r.Post("/workflows/{id}/reject", h.Reject)
		r.Post("/workflows/{id}/cancel", h.Cancel)
		r.Post("/workflows/{id}/resume", h.Resume)
		r.Post("/workflows/{id}/blocker/resolve", h.ResolveBlocker)
		r.Put("/workflows/{id}/plan", h.UpdatePlan)
		r.Post("/workflows/{id}/usage", h.RecordUsage)
		r.Get("/usage", h.Usage)
	})
	r.Get("/ws", h.Websocket)
	r.Get("/health", h.Health)
	return r
}

// === Request/Response Types ===

// CreateWorkflowRequest is the request body for starting a workflow.
type CreateWorkflowRequest struct {
	IssueID      string `json:"issue_id"`
	WorktreePath string `json:"worktree_path"`
	Type         string `json:"type,omitempty"`
	ProfileID    string `json:"profile_id,omitempty"`
}

// RejectRequest carries the operator's rejection feedback, recorded as the
// workflow's failure reason.
type RejectRequest struct {
	Feedback string `json:"feedback,omitempty"`
}

// ResolveBlockerRequest carries the operator's decision for a blocker gate.
type ResolveBlockerRequest struct {
	Action   string `json:"action"`
	Feedback string `json:"feedback,omitempty"`
}

// CancelRequest carries the cancellation reason.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// WorkflowResponse is the response body for a single workflow.
type WorkflowResponse struct {
	ID                string                 `json:"id"`
	IssueID           string                 `json:"issue_id"`
	WorktreePath      string                 `json:"worktree_path"`
	Type              string                 `json:"type"`
	ProfileID         string                 `json:"profile_id,omitempty"`
	Status            string                 `json:"status"`
	CurrentStage      string                 `json:"current_stage,omitempty"`
	FailureReason     string                 `json:"failure_reason,omitempty"`
	ConsecutiveErrors int                    `json:"consecutive_errors,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	PlannedAt         *time.Time             `json:"planned_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	Plan              *workflow.PlanCache    `json:"plan,omitempty"`
	Issue             json.RawMessage        `json:"issue,omitempty"`
	TokenSummary      *workflow.TokenSummary `json:"token_summary,omitempty"`
	RecentEvents      []*workflow.Event      `json:"recent_events,omitempty"`
}

// ListWorkflowsResponse is one page of workflows.
type ListWorkflowsResponse struct {
	Workflows  []WorkflowResponse `json:"workflows"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// EventsResponse is the response body for an event log read.
type EventsResponse struct {
	Events []*workflow.Event `json:"events"`
}

// UsageResponse aggregates spend for a date range.
type UsageResponse struct {
	Summary *workflow.UsageSummary     `json:"summary"`
	Trend   []workflow.UsageTrendPoint `json:"trend"`
	Models  []workflow.ModelUsage      `json:"models"`
}

// HealthResponse reports daemon liveness.
type HealthResponse struct {
	Status  string `json:"status"`
	Running int    `json:"running"`
	Clients int    `json:"clients"`
}

// ErrorResponse is the response body for errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// === Handlers ===

// Create starts a new workflow.
// POST /api/v1/workflows
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}

	wf, err := h.orch.Start(r.Context(), &workflow.Spec{
		IssueID:      req.IssueID,
		WorktreePath: req.WorktreePath,
		Type:         workflow.Type(req.Type),
		ProfileID:    req.ProfileID,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toWorkflowResponse(wf, nil))
}

// List returns one page of workflows, newest first, with token summaries
// attached in a single batch query.
// GET /api/v1/workflows?status=&issue_id=&type=&limit=&cursor=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := workflow.ListFilter{
		IssueID: q.Get("issue_id"),
		Type:    workflow.Type(q.Get("type")),
	}
	for _, s := range q["status"] {
		for _, part := range strings.Split(s, ",") {
			if part == "" {
				continue
			}
			st := workflow.Status(part)
			if !st.IsValid() {
				h.writeError(w, http.StatusBadRequest, "validation_error",
					fmt.Sprintf("unknown status %q", part), "")
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "limit must be an integer", "")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("cursor"); v != "" {
		cursor, err := decodeCursor(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "malformed cursor", "")
			return
		}
		filter.Cursor = cursor
	}

	page, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	ids := make([]workflow.ID, len(page.Workflows))
	for i, wf := range page.Workflows {
		ids[i] = wf.ID
	}
	summaries, err := h.store.TokenSummariesBatch(r.Context(), ids)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := ListWorkflowsResponse{Workflows: make([]WorkflowResponse, len(page.Workflows))}
	for i, wf := range page.Workflows {
		resp.Workflows[i] = toWorkflowResponse(wf, summaries[wf.ID])
	}
	if page.NextCursor != nil {
		resp.NextCursor = encodeCursor(page.NextCursor)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Active returns all non-terminal workflows, unpaginated.
// GET /api/v1/workflows/active
func (h *Handler) Active(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.store.FindByStatus(r.Context(), workflow.NonTerminalStatuses()...)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	resp := ListWorkflowsResponse{Workflows: make([]WorkflowResponse, len(workflows))}
	for i, wf := range workflows {
		resp.Workflows[i] = toWorkflowResponse(wf, nil)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// recentEventsOnDetail is how many events the detail view carries.
const recentEventsOnDetail = 50

// Get returns one workflow with its plan, token summary, and recent events.
// GET /api/v1/workflows/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := workflow.ID(chi.URLParam(r, "id"))
	wf, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	summary, err := h.store.TokenSummary(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	events, err := h.store.RecentEvents(r.Context(), id, recentEventsOnDetail)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := toWorkflowResponse(wf, summary)
	resp.RecentEvents = events
	h.writeJSON(w, http.StatusOK, resp)
}

// Events reads the persisted event log of a workflow.
// GET /api/v1/workflows/{id}/events?after=&limit=
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	id := workflow.ID(chi.URLParam(r, "id"))
	if _, err := h.store.Get(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}

	q := r.URL.Query()
	var (
		events []*workflow.Event
		err    error
	)
	limit := 100
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "limit must be an integer", "")
			return
		}
	}
	if v := q.Get("after"); v != "" {
		after, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "after must be an integer", "")
			return
		}
		events, err = h.store.EventsAfter(r.Context(), id, after, limit)
	} else {
		events, err = h.store.RecentEvents(r.Context(), id, limit)
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []*workflow.Event{}
	}
	h.writeJSON(w, http.StatusOK, EventsResponse{Events: events})
}

// Approve resumes a blocked workflow past its gate.
// POST /api/v1/workflows/{id}/approve
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	id := workflow.ID(chi.URLParam(r, "id"))
	if err := h.orch.Approve(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reject fails a blocked workflow.
// POST /api/v1/workflows/{id}/reject
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	id := workflow.ID(chi.URLParam(r, "id"))
	var req RejectRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
			return
		}
	}
	if err := h.orch.Reject(r.Context(), id, req.Feedback); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Cancel stops a workflow in any non-terminal status.
// POST /api/v1/workflows/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := workflow.ID(chi.URLParam(r, "id"))
	var req CancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
			return
		}
	}
	if err := h.orch.Cancel(r.Context(), id, req.Reason); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Resume restarts a failed workflow from its saved checkpoint.
// POST /api/v1/workflows/{id}/resume
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	id := workflow.ID(chi.URLParam(r, "id"))
	if err := h.orch.Resume(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResolveBlocker answers a blocker gate and resumes the workflow.
// POST /api/v1/workflows/{id}/blocker/resolve
func (h *Handler) ResolveBlocker(w http.ResponseWriter, r *http.Request) {
	id := workflow.ID(chi.URLParam(r, "id"))
	var req ResolveBlockerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if err := h.orch.ResolveBlocker(r.Context(), id, req.Action, req.Feedback); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdatePlan edits the plan of a blocked workflow before approval.
// PUT /api/v1/workflows/{id}/plan
func (h *Handler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	id := workflow.ID(chi.URLParam(r, "id"))
	var plan workflow.PlanCache
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	if err := h.orch.UpdatePlan(r.Context(), id, &plan); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordUsage records one agent invocation's token usage. Agent adapters
// running out of process report through this endpoint.
// POST /api/v1/workflows/{id}/usage
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	id := workflow.ID(chi.URLParam(r, "id"))
	if _, err := h.store.Get(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	var usage workflow.TokenUsage
	if err := json.NewDecoder(r.Body).Decode(&usage); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_json", "Invalid JSON body", err.Error())
		return
	}
	usage.WorkflowID = id
	if err := h.store.SaveTokenUsage(r.Context(), &usage); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// Usage reports aggregated spend for an explicit date range or a preset.
// GET /api/v1/usage?preset=7d|30d|90d|all or ?start=&end= (RFC 3339)
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end, err := usageWindow(q.Get("preset"), q.Get("start"), q.Get("end"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error(), "")
		return
	}

	summary, err := h.store.UsageSummary(r.Context(), start, end)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	trend, err := h.store.UsageTrend(r.Context(), start, end)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	models, err := h.store.UsageByModel(r.Context(), start, end)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, UsageResponse{Summary: summary, Trend: trend, Models: models})
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Running: h.orch.RunningCount(),
		Clients: h.hub.ClientCount(),
	})
}

// === Helpers ===

func toWorkflowResponse(wf *workflow.Workflow, summary *workflow.TokenSummary) WorkflowResponse {
	return WorkflowResponse{
		ID:                string(wf.ID),
		IssueID:           wf.IssueID,
		WorktreePath:      wf.WorktreePath,
		Type:              string(wf.Type),
		ProfileID:         wf.ProfileID,
		Status:            string(wf.Status),
		CurrentStage:      wf.CurrentStage,
		FailureReason:     wf.FailureReason,
		ConsecutiveErrors: wf.ConsecutiveErrors,
		CreatedAt:         wf.CreatedAt,
		StartedAt:         wf.StartedAt,
		PlannedAt:         wf.PlannedAt,
		CompletedAt:       wf.CompletedAt,
		Plan:              wf.PlanCache,
		Issue:             wf.IssueCache,
		TokenSummary:      summary,
	}
}

// usageWindow resolves the reporting range. An explicit start/end pair wins
// over presets; otherwise the preset (default 30d) anchors at now.
func usageWindow(preset, startParam, endParam string) (time.Time, time.Time, error) {
	if startParam != "" || endParam != "" {
		start, err := time.Parse(time.RFC3339, startParam)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("start must be RFC 3339")
		}
		end, err := time.Parse(time.RFC3339, endParam)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("end must be RFC 3339")
		}
		if !end.After(start) {
			return time.Time{}, time.Time{}, fmt.Errorf("end must be after start")
		}
		return start.UTC(), end.UTC(), nil
	}

	end := time.Now().UTC()
	switch preset {
	case "", "30d":
		return end.AddDate(0, 0, -30), end, nil
	case "7d":
		return end.AddDate(0, 0, -7), end, nil
	case "90d":
		return end.AddDate(0, 0, -90), end, nil
	case "all":
		return time.Unix(0, 0).UTC(), end, nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("preset must be one of 7d, 30d, 90d, all")
	}
}

// encodeCursor packs a cursor as URL-safe base64 JSON.
func encodeCursor(c *workflow.Cursor) string {
	raw, _ := json.Marshal(c)
	return base64.URLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (*workflow.Cursor, error) {
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	var c workflow.Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// writeDomainError maps domain sentinels to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	code := workflow.CodeFor(err)
	var status int
	switch {
	case errors.Is(err, workflow.ErrValidation),
		errors.Is(err, workflow.ErrInvalidWorktree):
		status = http.StatusBadRequest
	case errors.Is(err, workflow.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, workflow.ErrWorktreeConflict):
		status = http.StatusConflict
	case errors.Is(err, workflow.ErrInvalidState),
		errors.Is(err, workflow.ErrInvalidTransition):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrConcurrencyLimit):
		w.Header().Set("Retry-After", retryAfterSeconds)
		status = http.StatusTooManyRequests
	case errors.Is(err, workflow.ErrPolicyDenied):
		status = http.StatusForbidden
	default:
		status = http.StatusInternalServerError
		log.ErrorErr(log.CatAPI, "request failed", err)
	}
	h.writeError(w, status, code, err.Error(), "")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatAPI, "failed to encode response", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message, details string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
