// Package api exposes the Loom admin and signal surface over HTTP.
// Routes cover transaction start and inspection, external outcome
// reporting, the intervention queue, and registered workflows.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/loomery/loom"
	"github.com/loomery/loom/engine"
)

// API wires the HTTP handlers for the Loom system.
type API struct {
	eng      *engine.Engine
	validate *validator.Validate
}

// New creates an API from a Loom engine.
func New(eng *engine.Engine) *API {
	return &API{
		eng:      eng,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all Loom API routes into the given router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/workflows", a.listWorkflows)

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", a.startTransaction)
			r.Get("/", a.listTransactions)
			r.Get("/{txnID}", a.getTransaction)
			r.Get("/{txnID}/timeline", a.getTimeline)
			r.Post("/{txnID}/resume", a.resumeTransaction)
			r.Post("/{txnID}/steps/{stepName}/outcome", a.reportOutcome)
		})

		r.Route("/interventions", func(r chi.Router) {
			r.Get("/", a.listInterventions)
			r.Get("/{entryID}", a.getIntervention)
			r.Post("/{entryID}/resolve", a.resolveIntervention)
		})

		r.Get("/health", a.health)
	})
}

// respondJSON writes v as a JSON response with the given status.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the wire shape of every error the API returns.
type errorResponse struct {
	Error string `json:"error"`
}

// respondError writes err with the status mapped from loom sentinels.
func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, loom.ErrTransactionNotFound),
		errors.Is(err, loom.ErrWorkflowNotFound),
		errors.Is(err, loom.ErrInterventionNotFound),
		errors.Is(err, loom.ErrStepExecutionNotFound),
		errors.Is(err, loom.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, loom.ErrTransactionExists),
		errors.Is(err, loom.ErrTransactionNotWaiting),
		errors.Is(err, loom.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes and validates a JSON request body.
func (a *API) decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return a.validate.Struct(v)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Loom().Store().Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) listWorkflows(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, ListWorkflowsResponse{WorkflowIDs: a.eng.Registry().IDs()})
}
