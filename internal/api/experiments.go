// CLAUDE:SUMMARY Experiment handlers — open from proposal, inspect, force-evaluate, abort, list
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hazyhaar/metagov/internal/db"
)

func (a *API) handleOpenExperiment(w http.ResponseWriter, r *http.Request) {
	if a.requireOperator(w, r) == nil {
		return
	}

	var req struct {
		ProposalID string `json:"proposal_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ProposalID == "" {
		jsonError(w, "proposal_id is required", http.StatusBadRequest)
		return
	}

	exp, err := a.coord.Open(r.Context(), req.ProposalID)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusCreated, exp)
}

func (a *API) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	if a.requireOperator(w, r) == nil {
		return
	}

	status := r.URL.Query().Get("status")
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 {
			limit = l
		}
	}

	experiments, err := a.db.ListExperiments(status, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if experiments == nil {
		experiments = []*db.Experiment{}
	}
	jsonResp(w, http.StatusOK, map[string]interface{}{
		"experiments": experiments,
		"count":       len(experiments),
	})
}

func (a *API) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	if a.requireOperator(w, r) == nil {
		return
	}

	id := r.PathValue("id")
	exp, err := a.db.GetExperiment(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	runs, err := a.db.ExperimentRuns(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if runs == nil {
		runs = []*db.ExperimentRun{}
	}
	jsonResp(w, http.StatusOK, map[string]interface{}{
		"experiment": exp,
		"runs":       runs,
	})
}

func (a *API) handleEvaluateExperiment(w http.ResponseWriter, r *http.Request) {
	if a.requireOperator(w, r) == nil {
		return
	}

	decision, err := a.coord.Evaluate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, decision)
}

func (a *API) handleAbortExperiment(w http.ResponseWriter, r *http.Request) {
	if a.requireOperator(w, r) == nil {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	id := r.PathValue("id")
	if err := a.coord.Abort(r.Context(), id, req.Reason); err != nil {
		writeErr(w, err)
		return
	}
	exp, err := a.db.GetExperiment(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, exp)
}
