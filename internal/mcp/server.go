// Package mcp registers the governance tools on an MCP server, so agent
// clients can resolve policies, submit proposals and inspect experiments over
// the same core the HTTP surface uses.
package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/metagov/internal/coordinator"
	"github.com/hazyhaar/metagov/internal/db"
	"github.com/hazyhaar/metagov/internal/meta"
	"github.com/hazyhaar/metagov/pkg/audit"
	"github.com/hazyhaar/metagov/pkg/reports"
	"github.com/hazyhaar/pkg/kit"
)

// NewServer creates an MCPServer with all governance tools registered.
func NewServer(database *db.DB, coord *coordinator.Coordinator, cycle *meta.Cycle, reg *reports.Registry, auditLog audit.Logger) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "metagov", Version: "0.1.0"}, nil)

	registerGetActivePolicy(srv, coord)
	registerSubmitProposal(srv, database, auditLog)
	registerPreviewRecommendation(srv, cycle, coord)
	registerListExperiments(srv, database)
	registerRecordFeedback(srv, database, auditLog)

	if reg != nil {
		reports.Bridge(srv, reg)
	}

	return srv
}

// --- get_active_policy ---

func registerGetActivePolicy(srv *mcp.Server, coord *coordinator.Coordinator) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"lineage":          map[string]string{"type": "string", "description": "Policy lineage name (default: default)"},
			"session_key":      map[string]string{"type": "string", "description": "Routing key pinning a session to an experiment arm"},
			"user_external_id": map[string]string{"type": "string", "description": "Optional end-user identity for overlay merging"},
		},
	})
	tool := &mcp.Tool{
		Name:        "get_active_policy",
		Description: "Resolve the effective policy, self-prompt and experiment arm for an interaction",
		InputSchema: json.RawMessage(schema),
	}

	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, request any) (any, error) {
		r := request.(*getActivePolicyReq)
		lineage := r.Lineage
		if lineage == "" {
			lineage = "default"
		}
		key := r.SessionKey
		if key == "" {
			key = r.UserExternalID
		}
		return coord.Resolve(ctx, lineage, key, r.UserExternalID)
	}, func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		args := rawArgs(req)
		return &kit.MCPDecodeResult{Request: &getActivePolicyReq{
			Lineage:        stringArg(args, "lineage"),
			SessionKey:     stringArg(args, "session_key"),
			UserExternalID: stringArg(args, "user_external_id"),
		}}, nil
	})
}

type getActivePolicyReq struct {
	Lineage        string `json:"lineage"`
	SessionKey     string `json:"session_key"`
	UserExternalID string `json:"user_external_id"`
}

// --- submit_proposal ---

func registerSubmitProposal(srv *mcp.Server, database *db.DB, auditLog audit.Logger) {
	var endpoint kit.Endpoint = func(ctx context.Context, request any) (any, error) {
		r := request.(*submitProposalReq)
		return database.SubmitProposal(db.SubmitProposalInput{
			Type:      r.Type,
			Lineage:   r.Lineage,
			Payload:   r.Payload,
			Rationale: r.Rationale,
			CreatedBy: r.CreatedBy,
		})
	}
	if auditLog != nil {
		endpoint = audit.Middleware(auditLog, "submit_proposal")(endpoint)
	}

	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"proposal_type": map[string]string{"type": "string", "description": "One of: policy_patch, new_policy, prompt_patch"},
			"lineage":       map[string]string{"type": "string", "description": "Target policy lineage"},
			"payload":       map[string]string{"type": "string", "description": "JSON payload (patch sections or full ruleset)"},
			"rationale":     map[string]string{"type": "string", "description": "Why this change is proposed"},
			"created_by":    map[string]string{"type": "string", "description": "Proposing agent or operator"},
		},
		"required": []string{"proposal_type", "payload"},
	})
	tool := &mcp.Tool{
		Name:        "submit_proposal",
		Description: "Submit a pending self-modification proposal",
		InputSchema: json.RawMessage(schema),
	}

	kit.RegisterMCPTool(srv, tool, endpoint, func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		args := rawArgs(req)
		return &kit.MCPDecodeResult{Request: &submitProposalReq{
			Type:      stringArg(args, "proposal_type"),
			Lineage:   stringArg(args, "lineage"),
			Payload:   stringArg(args, "payload"),
			Rationale: stringArg(args, "rationale"),
			CreatedBy: stringArg(args, "created_by"),
		}}, nil
	})
}

type submitProposalReq struct {
	Type      string `json:"proposal_type"`
	Lineage   string `json:"lineage"`
	Payload   string `json:"payload"`
	Rationale string `json:"rationale"`
	CreatedBy string `json:"created_by"`
}

// --- preview_recommendation ---

func registerPreviewRecommendation(srv *mcp.Server, cycle *meta.Cycle, coord *coordinator.Coordinator) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"lineage":      map[string]string{"type": "string", "description": "Policy lineage name"},
			"window_hours": map[string]any{"type": "integer", "description": "Analysis window in hours", "default": 72},
		},
	})
	tool := &mcp.Tool{
		Name:        "preview_recommendation",
		Description: "Dry-run the meta analysis and selection function for a lineage, without changing state",
		InputSchema: json.RawMessage(schema),
	}

	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, request any) (any, error) {
		r := request.(*previewReq)
		lineage := r.Lineage
		if lineage == "" {
			lineage = "default"
		}
		rec, err := cycle.Recommend(ctx, lineage, time.Duration(r.WindowHours)*time.Hour)
		if err != nil {
			return nil, err
		}
		decision, exp, err := coord.Preview(ctx, lineage)
		if err != nil {
			return nil, err
		}
		out := map[string]any{"recommendation": rec, "selection": decision}
		if exp != nil {
			out["experiment"] = exp
		}
		return out, nil
	}, func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		args := rawArgs(req)
		return &kit.MCPDecodeResult{Request: &previewReq{
			Lineage:     stringArg(args, "lineage"),
			WindowHours: intArg(args, "window_hours", 0),
		}}, nil
	})
}

type previewReq struct {
	Lineage     string `json:"lineage"`
	WindowHours int    `json:"window_hours"`
}

// --- list_experiments ---

func registerListExperiments(srv *server.MCPServer, database *db.DB) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status": map[string]string{"type": "string", "description": "Optional status filter: running, completed, aborted"},
			"limit":  map[string]any{"type": "integer", "description": "Max results", "default": 20},
		},
	})
	tool := mcp.NewToolWithRawSchema("list_experiments", "List experiments, most recent first", schema)

	kit.RegisterMCPTool(srv, tool, func(ctx context.Context, request any) (any, error) {
		r := request.(*listExperimentsReq)
		experiments, err := database.ListExperiments(r.Status, r.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"experiments": experiments, "count": len(experiments)}, nil
	}, func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		args := req.GetArguments()
		return &kit.MCPDecodeResult{Request: &listExperimentsReq{
			Status: stringArg(args, "status"),
			Limit:  intArg(args, "limit", 20),
		}}, nil
	})
}

type listExperimentsReq struct {
	Status string `json:"status"`
	Limit  int    `json:"limit"`
}

// --- record_feedback ---

func registerRecordFeedback(srv *server.MCPServer, database *db.DB, auditLog audit.Logger) {
	var endpoint kit.Endpoint = func(ctx context.Context, request any) (any, error) {
		r := request.(*recordFeedbackReq)
		if err := database.AttachFeedback(r.TraceID, r.Feedback); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok"}, nil
	}
	if auditLog != nil {
		endpoint = audit.Middleware(auditLog, "record_feedback")(endpoint)
	}

	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"trace_id": map[string]string{"type": "string", "description": "Trace to attach feedback to"},
			"feedback": map[string]any{"type": "object", "description": "Feedback document (tag, thumbs_up, thumbs_down, ...)"},
		},
		"required": []string{"trace_id", "feedback"},
	})
	tool := mcp.NewToolWithRawSchema("record_feedback", "Attach user feedback to a recorded trace", schema)

	kit.RegisterMCPTool(srv, tool, endpoint, func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		args := req.GetArguments()
		r := &recordFeedbackReq{TraceID: stringArg(args, "trace_id")}
		if fb, ok := args["feedback"].(map[string]any); ok {
			r.Feedback = fb
		}
		return &kit.MCPDecodeResult{Request: r}, nil
	})
}

type recordFeedbackReq struct {
	TraceID  string         `json:"trace_id"`
	Feedback map[string]any `json:"feedback"`
}

// --- helpers ---

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return def
	}
}
