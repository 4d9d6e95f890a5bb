// Package mcpserver exposes the knowledge store to other agents as MCP
// tools over stdio.
//
// Every tool follows the same shape: a struct holding the store, a
// Definition returning the mcp.Tool schema and a Handle processing the call.
// Handlers report failures as error results, never as Go errors, so the
// calling model sees what went wrong.
package mcpserver

import (
	"context"
	"log/slog"

	"github.com/m4xw311/agentforge/knowledge"
	"github.com/m4xw311/agentforge/logging"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const instructions = `This server gives access to a learned knowledge base of code patterns,
problem solutions and user preferences. Search before writing new code and
report outcomes with knowledge_record_outcome so that scores stay accurate.`

// Handler is one knowledge tool: its schema and the function serving it.
type Handler interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Tools returns every knowledge tool backed by store.
func Tools(store *knowledge.Store) []Handler {
	return []Handler{
		NewSearchPatternsTool(store),
		NewAddPatternTool(store),
		NewRecordOutcomeTool(store),
		NewSearchSolutionsTool(store),
		NewPreferencesTool(store),
		NewSetPreferenceTool(store),
		NewStatsTool(store),
	}
}

// New builds the MCP server with all knowledge tools registered.
func New(store *knowledge.Store, version string, logger *slog.Logger) *server.MCPServer {
	log := logging.Component(logger, "mcpserver")
	s := server.NewMCPServer(
		"agentforge-knowledge",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	for _, t := range Tools(store) {
		def := t.Definition()
		s.AddTool(def, t.Handle)
		log.Debug("registered tool", "tool", def.Name)
	}
	return s
}

// ServeStdio serves s on the process's stdin and stdout until EOF or a
// termination signal.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// intArg extracts an integer argument; JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func floatArg(req mcp.CallToolRequest, key string, defaultVal float64) float64 {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return v
}

func boolArg(req mcp.CallToolRequest, key string) (value, ok bool) {
	value, ok = req.GetArguments()[key].(bool)
	return value, ok
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
