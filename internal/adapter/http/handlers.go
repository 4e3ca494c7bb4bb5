package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	domcap "github.com/Halwright/AgentFlow/internal/domain/capability"
	"github.com/Halwright/AgentFlow/internal/domain/workflow"
	"github.com/Halwright/AgentFlow/internal/port/cache"
	"github.com/Halwright/AgentFlow/internal/port/eventstore"
	"github.com/Halwright/AgentFlow/internal/service"
)

// Handlers bundles the services the HTTP surface exposes.
type Handlers struct {
	orch     *service.OrchestratorService
	engine   *service.EngineService
	collab   *service.CollabService
	events   eventstore.Store
	cache    cache.Cache
	cacheTTL time.Duration
}

// NewHandlers creates the handler set. events and statusCache may be nil.
func NewHandlers(
	orch *service.OrchestratorService,
	engine *service.EngineService,
	collab *service.CollabService,
	events eventstore.Store,
	statusCache cache.Cache,
	cacheTTL time.Duration,
) *Handlers {
	return &Handlers{
		orch:     orch,
		engine:   engine,
		collab:   collab,
		events:   events,
		cache:    statusCache,
		cacheTTL: cacheTTL,
	}
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

type submitRequestBody struct {
	Capability string          `json:"capability,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Goal       string          `json:"goal,omitempty"`
}

// SubmitRequest accepts a direct capability request or a free-form goal and
// blocks until it resolves. A deadline expiry returns 202 with whatever
// partial result was assembled.
func (h *Handlers) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[submitRequestBody](w, r)
	if !ok {
		return
	}
	if body.Capability == "" && body.Goal == "" {
		writeError(w, http.StatusBadRequest, "capability or goal is required")
		return
	}

	result, err := h.orch.Process(r.Context(), service.Request{
		Capability: body.Capability,
		Input:      body.Input,
		Goal:       body.Goal,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, domcap.ErrTimeout):
		writeJSON(w, http.StatusAccepted, result)
	case errors.Is(err, service.ErrNoPlan):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeDomainError(w, err, "request failed")
	}
}

type submitTaskBody struct {
	Capability string          `json:"capability"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// SubmitTask enqueues a capability task without waiting for its result.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[submitTaskBody](w, r)
	if !ok {
		return
	}
	if !requireField(w, body.Capability, "capability") {
		return
	}

	id, err := h.orch.SubmitTask(r.Context(), body.Capability, body.Input)
	if err != nil {
		writeDomainError(w, err, "task not accepted")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

// GetTask returns the current result of a submitted task.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	result, err := h.orch.TaskResult(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListCapabilities returns all registered capabilities.
func (h *Handlers) ListCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Capabilities())
}

// ---------------------------------------------------------------------------
// Workflows
// ---------------------------------------------------------------------------

// SaveWorkflow validates and stores a workflow definition.
func (h *Handlers) SaveWorkflow(w http.ResponseWriter, r *http.Request) {
	def, ok := readJSON[workflow.Definition](w, r)
	if !ok {
		return
	}
	if err := h.engine.SaveDefinition(r.Context(), &def); err != nil {
		writeDomainError(w, err, "workflow not saved")
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

// ListWorkflows returns all stored workflow definitions.
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs, err := h.engine.ListDefinitions(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

// GetWorkflow returns the named workflow definition.
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := h.engine.GetDefinition(r.Context(), urlParam(r, "name"))
	if err != nil {
		writeDomainError(w, err, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

type startRunBody struct {
	Workflow string `json:"workflow"`
}

// StartRun starts a run of a stored workflow definition.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[startRunBody](w, r)
	if !ok {
		return
	}
	if !requireField(w, body.Workflow, "workflow") {
		return
	}

	run, err := h.engine.StartRun(r.Context(), body.Workflow)
	if err != nil {
		writeDomainError(w, err, "workflow not found")
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

// ListRuns returns all runs, most recent first.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.engine.ListRuns(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun returns a run by ID. Responses are served from the status cache
// when fresh; terminal runs age out via the cache TTL.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	if data, ok := h.cachedRun(r.Context(), id); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	run, err := h.engine.GetRun(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	h.cacheRun(r.Context(), run)
	writeJSON(w, http.StatusOK, run)
}

// CancelRun cancels a run. Cancelling a terminal run is a no-op.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.engine.CancelRun(r.Context(), id); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	if h.cache != nil {
		_ = h.cache.Delete(r.Context(), runCacheKey(id))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ListRunEvents returns the lifecycle events recorded for a run.
func (h *Handlers) ListRunEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusNotFound, "event store not configured")
		return
	}
	evs, err := h.events.LoadByRun(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func runCacheKey(id string) string { return "run:" + id }

func (h *Handlers) cachedRun(ctx context.Context, id string) ([]byte, bool) {
	if h.cache == nil {
		return nil, false
	}
	data, ok, err := h.cache.Get(ctx, runCacheKey(id))
	if err != nil || !ok {
		return nil, false
	}
	return data, true
}

func (h *Handlers) cacheRun(ctx context.Context, run *workflow.Run) {
	if h.cache == nil {
		return
	}
	data, err := json.Marshal(run)
	if err != nil {
		return
	}
	_ = h.cache.Set(ctx, runCacheKey(run.ID), data, h.cacheTTL)
}

// ---------------------------------------------------------------------------
// Collaboration
// ---------------------------------------------------------------------------

type collaborateBody struct {
	Goal string `json:"goal"`
}

// Collaborate splits a goal into parallel sub-goals and blocks until the
// session resolves.
func (h *Handlers) Collaborate(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[collaborateBody](w, r)
	if !ok {
		return
	}
	if !requireField(w, body.Goal, "goal") {
		return
	}

	agg, err := h.collab.Collaborate(r.Context(), body.Goal)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, agg)
	case errors.Is(err, service.ErrNoSubGoals):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case agg != nil:
		// All sub-goals failed, or synthesis did: the aggregate still
		// describes what happened.
		writeJSON(w, http.StatusOK, agg)
	default:
		writeDomainError(w, err, "collaboration failed")
	}
}

// GetSession returns a collaboration session by ID.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.collab.GetSession(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// CancelSession cancels a session and its member runs.
func (h *Handlers) CancelSession(w http.ResponseWriter, r *http.Request) {
	if err := h.collab.CancelSession(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
