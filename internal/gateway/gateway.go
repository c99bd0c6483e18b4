// Package gateway implements the HTTP API surface: submission, status
// polling, audit history, and the Prometheus scrape endpoint, wired over
// stdlib net/http and http.ServeMux rather than a router library, matching
// the control plane's own API layer.
package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/inferplane/inferplane/internal/audit"
	"github.com/inferplane/inferplane/internal/auth"
	"github.com/inferplane/inferplane/internal/broker"
	"github.com/inferplane/inferplane/internal/dispatcher"
	"github.com/inferplane/inferplane/internal/idempotency"
	"github.com/inferplane/inferplane/internal/metrics"
	"github.com/inferplane/inferplane/internal/middleware"
	"github.com/inferplane/inferplane/internal/ratelimit"
	"github.com/inferplane/inferplane/internal/runner"
	"github.com/inferplane/inferplane/internal/task"
)

// API holds the gateway's collaborators. Each is injected explicitly at
// construction rather than resolved through a process-wide global, so
// tests can swap in fakes per component.
type API struct {
	environment string
	guard       *auth.Guard
	limiter     ratelimit.Limiter
	idempotency *idempotency.Store
	registry    *runner.Registry
	dispatcher  *dispatcher.Dispatcher
	b           broker.Broker
	audit       *audit.Store // optional; nil disables the history endpoint

	// Storm protection: a coarse aggregate limiter per sensitive endpoint,
	// layered above the per-key limiter so a burst spread across many keys
	// still gets absorbed.
	submitLimiter *rate.Limiter
	statusLimiter *rate.Limiter
}

// New builds an API over its collaborators. auditStore may be nil.
func New(environment string, guard *auth.Guard, limiter ratelimit.Limiter, idem *idempotency.Store, registry *runner.Registry, disp *dispatcher.Dispatcher, b broker.Broker, auditStore *audit.Store, stormRPS float64, stormBurst int) *API {
	return &API{
		environment:   environment,
		guard:         guard,
		limiter:       limiter,
		idempotency:   idem,
		registry:      registry,
		dispatcher:    disp,
		b:             b,
		audit:         auditStore,
		submitLimiter: rate.NewLimiter(rate.Limit(stormRPS), stormBurst),
		statusLimiter: rate.NewLimiter(rate.Limit(stormRPS), stormBurst),
	}
}

// NewRouter wires the handler tree onto a fresh ServeMux, wrapped in the
// CORS middleware so a browser-based client can call the gateway directly.
func (a *API) NewRouter() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", a.handleSubmit)
	mux.HandleFunc("GET /v1/tasks/{task_id}", a.handleStatus)
	mux.HandleFunc("GET /v1/tasks/{task_id}/history", a.handleHistory)
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return middleware.CORS(mux)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{
		"status":      "healthy",
		"environment": a.environment,
	})
}

// handleSubmit implements POST /v1/tasks: auth, rate limit, idempotency
// replay, model validation, enqueue.
func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !a.submitLimiter.Allow() {
		a.writeStormError(w)
		return
	}

	apiKey := r.Header.Get("X-API-Key")
	if err := a.guard.Check(apiKey); err != nil {
		metrics.AuthFailures.WithLabelValues(authFailureReason(err)).Inc()
		a.writeError(w, err, statusFor(err))
		return
	}

	allowed, retryAfter, err := a.limiter.Allow(r.Context(), apiKey, time.Now())
	if err != nil {
		log.Printf("gateway: rate limiter error: %v", err)
		a.writeError(w, errors.New("internal error"), http.StatusInternalServerError)
		return
	}
	if !allowed {
		metrics.RateLimitRejections.WithLabelValues(auth.MaskKey(apiKey)).Inc()
		w.Header().Set("Retry-After", formatSeconds(retryAfter))
		a.writeError(w, task.ErrRateLimited, http.StatusTooManyRequests)
		return
	}

	var req task.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, task.ErrMalformedRequest, http.StatusBadRequest)
		return
	}
	if req.Priority == "" {
		req.Priority = task.PriorityNormal
	}
	if !req.Priority.Valid() {
		a.writeError(w, task.ErrMalformedRequest, http.StatusBadRequest)
		return
	}

	// Idempotency: a client_request_id-scoped replay returns the original
	// task without consuming a fresh enqueue. Rate-limit quota is still
	// consumed above even on a replay hit (see the idempotency-scope
	// design note) so a client can't use idempotency keys to bypass
	// quota enforcement by polling an already-accepted submission.
	if req.ClientRequestID != "" {
		key := idempotency.ClientRequestKey(apiKey, req.ClientRequestID)
		if entry, found, err := a.idempotency.Lookup(r.Context(), key); err == nil && found {
			metrics.IdempotencyHits.Inc()
			a.writeJSON(w, http.StatusAccepted, task.SubmitResponse{TaskID: entry.TaskID, Status: task.StatePending})
			return
		}
	}

	if !a.registry.Has(req.Model) {
		a.writeError(w, &task.UnknownModelError{Model: req.Model, Available: a.registry.Models()}, http.StatusBadRequest)
		return
	}

	t := task.Task{
		ID:              uuid.NewString(),
		Model:           req.Model,
		Input:           req.Input,
		Priority:        req.Priority,
		ClientRequestID: req.ClientRequestID,
		CallbackURL:     req.CallbackURL,
		CreatedAt:       time.Now(),
	}

	if err := a.dispatcher.Submit(r.Context(), t); err != nil {
		log.Printf("gateway: submit failed for task %s: %v", t.ID, err)
		a.writeError(w, task.ErrBrokerUnavailable, http.StatusInternalServerError)
		return
	}

	if req.ClientRequestID != "" {
		key := idempotency.ClientRequestKey(apiKey, req.ClientRequestID)
		if err := a.idempotency.Record(r.Context(), key, t.ID); err != nil {
			log.Printf("gateway: failed to record idempotency entry for task %s: %v", t.ID, err)
		}
	}

	metrics.TasksSubmitted.WithLabelValues(t.Model, string(t.Priority)).Inc()
	a.writeJSON(w, http.StatusAccepted, task.SubmitResponse{TaskID: t.ID, Status: task.StatePending})
}

// handleStatus implements GET /v1/tasks/{task_id}. A task the broker has
// never heard of (expired from its result cache, or never submitted) reads
// back as PENDING rather than 404: PENDING doubles as the "unknown, not yet
// observed" state.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !a.statusLimiter.Allow() {
		a.writeStormError(w)
		return
	}

	apiKey := r.Header.Get("X-API-Key")
	if err := a.guard.Check(apiKey); err != nil {
		metrics.AuthFailures.WithLabelValues(authFailureReason(err)).Inc()
		a.writeError(w, err, statusFor(err))
		return
	}

	taskID := r.PathValue("task_id")
	env, found, err := a.b.GetResult(r.Context(), taskID)
	if err != nil {
		log.Printf("gateway: status lookup failed for task %s: %v", taskID, err)
		a.writeError(w, errors.New("internal error"), http.StatusInternalServerError)
		return
	}
	if !found {
		metrics.TaskStatusChecked.WithLabelValues(string(task.StatePending)).Inc()
		a.writeJSON(w, http.StatusOK, task.StatusResponse{TaskID: taskID, Status: task.StatePending})
		return
	}

	metrics.TaskStatusChecked.WithLabelValues(string(env.Status)).Inc()
	a.writeJSON(w, http.StatusOK, task.StatusResponse{
		TaskID: env.TaskID,
		Status: env.Status,
		Timing: env.Timing,
		Result: env.Result,
		Error:  env.Error,
	})
}

// handleHistory implements GET /v1/tasks/{task_id}/history: the durable
// fallback once a task has aged out of the broker's result cache. It
// answers from the Postgres audit store only, so it reports nothing for a
// task that is still in flight.
func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get("X-API-Key")
	if err := a.guard.Check(apiKey); err != nil {
		metrics.AuthFailures.WithLabelValues(authFailureReason(err)).Inc()
		a.writeError(w, err, statusFor(err))
		return
	}

	if a.audit == nil {
		a.writeError(w, errors.New("task not found"), http.StatusNotFound)
		return
	}

	taskID := r.PathValue("task_id")
	env, found, err := a.audit.Get(r.Context(), taskID)
	if err != nil {
		log.Printf("gateway: history lookup failed for task %s: %v", taskID, err)
		a.writeError(w, errors.New("internal error"), http.StatusInternalServerError)
		return
	}
	if !found {
		a.writeError(w, errors.New("task not found"), http.StatusNotFound)
		return
	}

	a.writeJSON(w, http.StatusOK, task.StatusResponse{
		TaskID: env.TaskID,
		Status: env.Status,
		Timing: env.Timing,
		Result: env.Result,
		Error:  env.Error,
	})
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, task.ErrMissingAPIKey):
		return "missing_key"
	case errors.Is(err, task.ErrInvalidAPIKey):
		return "invalid_key"
	default:
		return "unknown"
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrMissingAPIKey), errors.Is(err, task.ErrInvalidAPIKey):
		return http.StatusUnauthorized
	default:
		return http.StatusBadRequest
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("gateway: failed to encode response: %v", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, err error, status int) {
	a.writeJSON(w, status, map[string]string{"detail": err.Error()})
}

// writeStormError rejects a request that exceeded the aggregate per-endpoint
// rate, ahead of any per-key check, with a jittered Retry-After so a storm
// of clients doesn't retry in lockstep.
func (a *API) writeStormError(w http.ResponseWriter) {
	retryAfterSecs := 1 + rand.Intn(2)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	a.writeError(w, task.ErrRateLimited, http.StatusTooManyRequests)
}

func formatSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
