// CLAUDE:SUMMARY Proposal handlers — submission, safety gate invocation, manual approve/reject, listing
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/hazyhaar/metagov/internal/db"
)

func (a *API) handleSubmitProposal(w http.ResponseWriter, r *http.Request) {
	claims := a.requireOperator(w, r)
	if claims == nil {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req struct {
		Type      string `json:"proposal_type"`
		Lineage   string `json:"lineage"`
		Payload   string `json:"payload"`
		Rationale string `json:"rationale"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if strings.Contains(err.Error(), "too large") {
			jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	proposal, err := a.db.SubmitProposal(db.SubmitProposalInput{
		Type:      req.Type,
		Lineage:   req.Lineage,
		Payload:   req.Payload,
		Rationale: req.Rationale,
		CreatedBy: claims.Handle,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusCreated, proposal)
}

func (a *API) handleListProposals(w http.ResponseWriter, r *http.Request) {
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

	proposals, err := a.db.ListProposals(status, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if proposals == nil {
		proposals = []*db.Proposal{}
	}
	jsonResp(w, http.StatusOK, map[string]interface{}{
		"proposals": proposals,
		"count":     len(proposals),
	})
}

func (a *API) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	if a.requireOperator(w, r) == nil {
		return
	}

	proposal, err := a.db.GetProposal(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, proposal)
}

func (a *API) handleCheckProposalSafety(w http.ResponseWriter, r *http.Request) {
	if a.requireOperator(w, r) == nil {
		return
	}

	verdict, err := a.coord.CheckProposalSafety(r.Context(), r.PathValue("id"))
	var veto *db.SafetyVeto
	if errors.As(err, &veto) {
		// The veto is the outcome, not a transport failure: report it with
		// the stored verdict so the caller sees why.
		jsonResp(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"verdict": verdict,
			"error":   veto.Error(),
		})
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, map[string]interface{}{"verdict": verdict})
}

func (a *API) handleApproveProposal(w http.ResponseWriter, r *http.Request) {
	claims := a.requireOperator(w, r)
	if claims == nil {
		return
	}

	proposal, err := a.coord.Approve(r.Context(), r.PathValue("id"), claims.Handle)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, proposal)
}

func (a *API) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	if a.requireOperator(w, r) == nil {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	proposal, err := a.coord.Reject(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, proposal)
}
