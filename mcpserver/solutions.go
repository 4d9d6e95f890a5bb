package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/m4xw311/agentforge/knowledge"
	"github.com/mark3labs/mcp-go/mcp"
)

// SearchSolutionsTool handles knowledge_search_solutions.
type SearchSolutionsTool struct {
	store *knowledge.Store
}

func NewSearchSolutionsTool(store *knowledge.Store) *SearchSolutionsTool {
	return &SearchSolutionsTool{store: store}
}

func (t *SearchSolutionsTool) Definition() mcp.Tool {
	return mcp.NewTool("knowledge_search_solutions",
		mcp.WithDescription("Search stored problem solutions, most effective first."),
		mcp.WithString("problem_type",
			mcp.Description("Filter by problem type, e.g. coding_task"),
		),
		mcp.WithNumber("min_effectiveness",
			mcp.Description("Minimum effectiveness score (0.0-1.0, default 0)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 10, max: 50)"),
		),
	)
}

func (t *SearchSolutionsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := intArg(req, "limit", 10)
	if limit > 50 {
		limit = 50
	}
	solutions, err := t.store.SearchSolutions(ctx, knowledge.SolutionQuery{
		ProblemType:      req.GetString("problem_type", ""),
		MinEffectiveness: floatArg(req, "min_effectiveness", 0),
		Limit:            limit,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	if len(solutions) == 0 {
		return mcp.NewToolResultText("No solutions found."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d solutions:\n\n", len(solutions))
	for i, s := range solutions {
		fmt.Fprintf(&b, "[%d] #%d (%s) %s\n    effectiveness: %.0f%% over %d uses\n    %s\n\n",
			i+1, s.ID, s.ProblemType, s.Description,
			s.EffectivenessScore*100, s.UsageCount, truncate(s.Solution, 300))
	}
	return mcp.NewToolResultText(b.String()), nil
}
