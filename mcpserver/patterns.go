package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/m4xw311/agentforge/knowledge"
	"github.com/mark3labs/mcp-go/mcp"
)

// SearchPatternsTool handles knowledge_search_patterns.
type SearchPatternsTool struct {
	store *knowledge.Store
}

func NewSearchPatternsTool(store *knowledge.Store) *SearchPatternsTool {
	return &SearchPatternsTool{store: store}
}

func (t *SearchPatternsTool) Definition() mcp.Tool {
	return mcp.NewTool("knowledge_search_patterns",
		mcp.WithDescription(
			"Search learned code patterns, best scoring first. Use this before writing code "+
				"to reuse what worked in earlier tasks.",
		),
		mcp.WithString("pattern_type",
			mcp.Description("Filter by type: api_endpoint, data_model, test, ui_component, general_code"),
		),
		mcp.WithNumber("min_success_rate",
			mcp.Description("Only return patterns at or above this success rate (0.0-1.0, default 0)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 10, max: 50)"),
		),
	)
}

func (t *SearchPatternsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := intArg(req, "limit", 10)
	if limit > 50 {
		limit = 50
	}
	patterns, err := t.store.SearchPatterns(ctx, knowledge.PatternQuery{
		PatternType:    req.GetString("pattern_type", ""),
		MinSuccessRate: floatArg(req, "min_success_rate", 0),
		Limit:          limit,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	if len(patterns) == 0 {
		return mcp.NewToolResultText("No patterns found."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d patterns:\n\n", len(patterns))
	for i, p := range patterns {
		fmt.Fprintf(&b, "[%d] #%d (%s) %s\n    success rate: %.0f%% over %d uses\n",
			i+1, p.ID, p.PatternType, p.Description, p.SuccessRate*100, p.UsageCount)
		if p.Context != "" {
			fmt.Fprintf(&b, "    context: %s\n", p.Context)
		}
		fmt.Fprintf(&b, "    %s\n\n", truncate(p.Code, 300))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// AddPatternTool handles knowledge_add_pattern.
type AddPatternTool struct {
	store *knowledge.Store
}

func NewAddPatternTool(store *knowledge.Store) *AddPatternTool {
	return &AddPatternTool{store: store}
}

func (t *AddPatternTool) Definition() mcp.Tool {
	return mcp.NewTool("knowledge_add_pattern",
		mcp.WithDescription("Store a reusable code pattern. New patterns start with a success rate of 100%."),
		mcp.WithString("pattern_type",
			mcp.Required(),
			mcp.Description("Pattern category, e.g. api_endpoint or data_model"),
		),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("The code fragment"),
		),
		mcp.WithString("description",
			mcp.Required(),
			mcp.Description("What the pattern does and when to use it"),
		),
		mcp.WithString("context",
			mcp.Description("Where the pattern came from, e.g. a file path"),
		),
	)
}

func (t *AddPatternTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params := knowledge.AddPatternParams{
		PatternType: req.GetString("pattern_type", ""),
		Code:        req.GetString("code", ""),
		Description: req.GetString("description", ""),
		Context:     req.GetString("context", ""),
		Metadata:    map[string]any{"source": "mcp"},
	}
	switch {
	case params.PatternType == "":
		return mcp.NewToolResultError("'pattern_type' is required"), nil
	case params.Code == "":
		return mcp.NewToolResultError("'code' is required"), nil
	case params.Description == "":
		return mcp.NewToolResultError("'description' is required"), nil
	}

	p, err := t.store.AddPattern(ctx, params)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store pattern: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Stored pattern #%d (%s)", p.ID, p.PatternType)), nil
}

// RecordOutcomeTool handles knowledge_record_outcome.
type RecordOutcomeTool struct {
	store *knowledge.Store
}

func NewRecordOutcomeTool(store *knowledge.Store) *RecordOutcomeTool {
	return &RecordOutcomeTool{store: store}
}

func (t *RecordOutcomeTool) Definition() mcp.Tool {
	return mcp.NewTool("knowledge_record_outcome",
		mcp.WithDescription(
			"Report whether a pattern or solution worked. The outcome is folded into its running score.",
		),
		mcp.WithString("kind",
			mcp.Description("What the id refers to: pattern (default) or solution"),
		),
		mcp.WithNumber("id",
			mcp.Required(),
			mcp.Description("Pattern or solution id"),
		),
		mcp.WithBoolean("success",
			mcp.Required(),
			mcp.Description("Whether using it succeeded"),
		),
	)
}

func (t *RecordOutcomeTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := int64(intArg(req, "id", 0))
	if id <= 0 {
		return mcp.NewToolResultError("'id' must be a positive number"), nil
	}
	success, ok := boolArg(req, "success")
	if !ok {
		return mcp.NewToolResultError("'success' is required"), nil
	}

	var err error
	switch kind := req.GetString("kind", "pattern"); kind {
	case "pattern":
		err = t.store.UpdatePatternSuccess(ctx, id, success)
	case "solution":
		err = t.store.UpdateSolutionEffectiveness(ctx, id, success)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown kind %q: use pattern or solution", kind)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to record outcome: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Recorded %s outcome for #%d", outcome(success), id)), nil
}

func outcome(success bool) string {
	if success {
		return "successful"
	}
	return "failed"
}
