package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/loomery/loom/id"
	"github.com/loomery/loom/intervention"
)

func parseInterventionID(r *http.Request) (id.InterventionID, error) {
	raw := chi.URLParam(r, "entryID")
	entryID, err := id.ParseInterventionID(raw)
	if err != nil {
		return id.Nil, fmt.Errorf("invalid intervention id %q: %w", raw, err)
	}
	return entryID, nil
}

func (a *API) listInterventions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	unresolved, _ := strconv.ParseBool(q.Get("unresolved"))

	opts := intervention.ListOpts{
		Limit:      defaultLimit(limit),
		Offset:     offset,
		Unresolved: unresolved,
	}
	if raw := q.Get("transaction_id"); raw != "" {
		txnID, err := id.ParseTransactionID(raw)
		if err != nil {
			badRequest(w, fmt.Errorf("invalid transaction id %q: %w", raw, err))
			return
		}
		opts.TransactionID = txnID
	}

	entries, err := a.eng.Interventions().List(r.Context(), opts)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (a *API) getIntervention(w http.ResponseWriter, r *http.Request) {
	entryID, err := parseInterventionID(r)
	if err != nil {
		badRequest(w, err)
		return
	}

	entry, err := a.eng.Interventions().Get(r.Context(), entryID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (a *API) resolveIntervention(w http.ResponseWriter, r *http.Request) {
	entryID, err := parseInterventionID(r)
	if err != nil {
		badRequest(w, err)
		return
	}

	var req ResolveInterventionRequest
	if err := a.decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	if err := a.eng.Interventions().Resolve(r.Context(), entryID, req.Resolution); err != nil {
		respondError(w, err)
		return
	}

	entry, err := a.eng.Interventions().Get(r.Context(), entryID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}
