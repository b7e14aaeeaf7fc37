// CLAUDE:SUMMARY Lineage and version handlers — history, active lookup, operator rollback, recommendation preview/commit, safety patterns
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hazyhaar/metagov/internal/db"
)

func (a *API) handleListLineages(w http.ResponseWriter, r *http.Request) {
	lineages, err := a.db.ListLineages()
	if err != nil {
		writeErr(w, err)
		return
	}
	if lineages == nil {
		lineages = []string{}
	}
	jsonResp(w, http.StatusOK, map[string]interface{}{
		"lineages": lineages,
		"count":    len(lineages),
	})
}

func (a *API) handleListVersions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	versions, err := a.db.ListPolicyVersions(name)
	if err != nil {
		writeErr(w, err)
		return
	}
	if versions == nil {
		versions = []*db.PolicyVersion{}
	}
	jsonResp(w, http.StatusOK, map[string]interface{}{
		"lineage":  name,
		"versions": versions,
		"count":    len(versions),
	})
}

func (a *API) handleGetActiveVersion(w http.ResponseWriter, r *http.Request) {
	version, err := a.db.GetActivePolicyVersion(r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, version)
}

// handleActivateVersion is the operator rollback: any historical version of a
// lineage can be re-activated directly.
func (a *API) handleActivateVersion(w http.ResponseWriter, r *http.Request) {
	if a.requireOperator(w, r) == nil {
		return
	}

	id := r.PathValue("id")
	if err := a.db.ActivatePolicyVersion(id); err != nil {
		writeErr(w, err)
		return
	}
	version, err := a.db.GetPolicyVersion(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, version)
}

// --- Recommendation ---

func (a *API) handleRecommendation(w http.ResponseWriter, r *http.Request) {
	if a.requireOperator(w, r) == nil {
		return
	}

	name := r.PathValue("name")
	window := 0 * time.Hour
	if s := r.URL.Query().Get("window_hours"); s != "" {
		hours, err := strconv.Atoi(s)
		if err != nil || hours <= 0 {
			jsonError(w, "window_hours must be a positive integer", http.StatusBadRequest)
			return
		}
		window = time.Duration(hours) * time.Hour
	}

	// Both views of the same question: what the meta analysis suggests for
	// the lineage, and what the selection function would decide for a live
	// experiment right now.
	rec, err := a.meta.Recommend(r.Context(), name, window)
	if err != nil {
		writeErr(w, err)
		return
	}
	decision, exp, err := a.coord.Preview(r.Context(), name)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := map[string]interface{}{
		"recommendation": rec,
		"selection":      decision,
	}
	if exp != nil {
		resp["experiment"] = exp
	}
	jsonResp(w, http.StatusOK, resp)
}

func (a *API) handleCommitRecommendation(w http.ResponseWriter, r *http.Request) {
	if a.requireOperator(w, r) == nil {
		return
	}

	name := r.PathValue("name")
	rec, err := a.meta.Recommend(r.Context(), name, 0)
	if err != nil {
		writeErr(w, err)
		return
	}
	proposal, err := a.meta.CommitRecommendation(r.Context(), rec)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusCreated, map[string]interface{}{
		"recommendation": rec,
		"proposal":       proposal,
	})
}

// --- Safety patterns ---

func (a *API) handleListSafetyPatterns(w http.ResponseWriter, r *http.Request) {
	patterns, err := a.db.ListSafetyPatterns()
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, map[string]interface{}{
		"patterns": patterns,
		"count":    len(patterns),
	})
}

func (a *API) handleCreateSafetyPattern(w http.ResponseWriter, r *http.Request) {
	claims := a.requireOperator(w, r)
	if claims == nil {
		return
	}

	var req struct {
		Pattern     string `json:"pattern"`
		PatternType string `json:"pattern_type"`
		ListType    string `json:"list_type"`
		Severity    string `json:"severity"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Pattern == "" {
		jsonError(w, "pattern is required", http.StatusBadRequest)
		return
	}
	if req.PatternType == "" {
		req.PatternType = "exact"
	}
	if req.ListType == "" {
		req.ListType = "flag"
	}
	if req.Severity == "" {
		req.Severity = "low"
	}

	id, err := a.db.CreateSafetyPattern(req.Pattern, req.PatternType, req.ListType, req.Severity, req.Description, claims.Handle)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusCreated, map[string]interface{}{
		"id":     id,
		"status": "created",
	})
}
