package reports

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Bridge registers every loaded report as its own MCP tool.
func Bridge(srv *server.MCPServer, reg *Registry) {
	for _, rep := range reg.List() {
		registerReport(srv, reg, rep)
	}
}

func registerReport(srv *server.MCPServer, reg *Registry, rep *Report) {
	schemaJSON, _ := json.Marshal(rep.InputSchema)
	tool := mcp.NewToolWithRawSchema(rep.Name, rep.Description, schemaJSON)

	name := rep.Name
	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := reg.Execute(ctx, name, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %v", name, err)), nil
		}
		return mcp.NewToolResultText(result), nil
	})
}
