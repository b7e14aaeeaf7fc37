// CLAUDE:SUMMARY Serving handlers — policy resolution, trace ingestion with optional experiment run, feedback, trace queries
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/metagov/internal/db"
)

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserExternalID string `json:"user_external_id"`
		SessionKey     string `json:"session_key"`
		Lineage        string `json:"lineage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Lineage == "" {
		req.Lineage = "default"
	}

	var userID string
	if req.UserExternalID != "" {
		user, err := a.db.GetOrCreateUser(req.UserExternalID)
		if err != nil {
			writeErr(w, err)
			return
		}
		userID = user.ID
	}

	// The routing key pins a session to one arm; an anonymous one-shot call
	// falls back to the user identity.
	routingKey := req.SessionKey
	if routingKey == "" {
		routingKey = req.UserExternalID
	}

	res, err := a.coord.Resolve(r.Context(), req.Lineage, routingKey, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, res)
}

func (a *API) handleRecordTrace(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req struct {
		SessionID       string  `json:"session_id"`
		TaskID          string  `json:"task_id"`
		TaskType        string  `json:"task_type"`
		Domain          string  `json:"domain"`
		InputText       string  `json:"input_text"`
		OutputText      string  `json:"output_text"`
		Metadata        string  `json:"metadata"`
		PolicyVersionID string  `json:"policy_version_id"`
		SelfPromptID    string  `json:"self_prompt_id"`
		UserExternalID  string  `json:"user_external_id"`
		ExperimentID    string  `json:"experiment_id"`
		Score           float64 `json:"score"`
		SafetyOK        *bool   `json:"safety_ok"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if strings.Contains(err.Error(), "too large") {
			jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var userID *string
	if req.UserExternalID != "" {
		user, err := a.db.GetOrCreateUser(req.UserExternalID)
		if err != nil {
			writeErr(w, err)
			return
		}
		userID = &user.ID
	}

	trace, err := a.db.RecordTrace(db.RecordTraceInput{
		SessionID:       req.SessionID,
		TaskID:          req.TaskID,
		TaskType:        req.TaskType,
		Domain:          req.Domain,
		InputText:       req.InputText,
		OutputText:      req.OutputText,
		Metadata:        req.Metadata,
		PolicyVersionID: req.PolicyVersionID,
		SelfPromptID:    req.SelfPromptID,
		UserID:          userID,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := map[string]interface{}{"trace": trace}
	if req.ExperimentID != "" {
		safetyOK := true
		if req.SafetyOK != nil {
			safetyOK = *req.SafetyOK
		}
		runID, err := a.coord.RecordRun(r.Context(), req.ExperimentID, trace.ID, req.Score, safetyOK)
		if err != nil {
			// The trace is durable either way; return it alongside the run
			// failure so the caller can retry just the run.
			status, msg := errStatus(err)
			jsonResp(w, status, map[string]interface{}{"trace": trace, "error": msg})
			return
		}
		resp["run_id"] = runID
	}
	jsonResp(w, http.StatusCreated, resp)
}

func (a *API) handleAttachFeedback(w http.ResponseWriter, r *http.Request) {
	traceID := r.PathValue("id")
	if traceID == "" {
		jsonError(w, "id is required", http.StatusBadRequest)
		return
	}

	var feedback map[string]any
	if err := json.NewDecoder(r.Body).Decode(&feedback); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(feedback) == 0 {
		jsonError(w, "feedback must be a non-empty JSON object", http.StatusBadRequest)
		return
	}

	if err := a.db.AttachFeedback(traceID, feedback); err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleQueryTraces(w http.ResponseWriter, r *http.Request) {
	if a.requireOperator(w, r) == nil {
		return
	}

	q := r.URL.Query()
	filter := db.TraceFilter{
		PolicyVersionID: q.Get("policy_version_id"),
		SessionID:       q.Get("session_id"),
		FlaggedOnly:     q.Get("flagged") == "true",
		Limit:           100,
	}
	if ext := q.Get("user_external_id"); ext != "" {
		user, err := a.db.GetUserByExternalID(ext)
		if err != nil {
			writeErr(w, err)
			return
		}
		filter.UserID = user.ID
	}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			jsonError(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		filter.Since = t
	}
	if s := q.Get("until"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			jsonError(w, "until must be RFC3339", http.StatusBadRequest)
			return
		}
		filter.Until = t
	}
	if s := q.Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= 1000 {
			filter.Limit = l
		}
	}

	rows, err := a.db.QueryTraces(filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer rows.Close()

	traces := []*db.Trace{}
	for rows.Next() {
		traces = append(traces, rows.Trace())
	}
	if err := rows.Err(); err != nil {
		writeErr(w, err)
		return
	}

	jsonResp(w, http.StatusOK, map[string]interface{}{
		"traces": traces,
		"count":  len(traces),
	})
}
