package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/m4xw311/agentforge/knowledge"
	"github.com/mark3labs/mcp-go/mcp"
)

// StatsTool handles knowledge_stats.
type StatsTool struct {
	store *knowledge.Store
}

func NewStatsTool(store *knowledge.Store) *StatsTool {
	return &StatsTool{store: store}
}

func (t *StatsTool) Definition() mcp.Tool {
	return mcp.NewTool("knowledge_stats",
		mcp.WithDescription("Show knowledge base statistics: stored patterns, solutions and preferences."),
	)
}

func (t *StatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := t.store.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get stats: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("## Knowledge Statistics\n\n")
	fmt.Fprintf(&sb, "- **Patterns**: %d\n", stats.Patterns)
	fmt.Fprintf(&sb, "- **Solutions**: %d\n", stats.Solutions)
	fmt.Fprintf(&sb, "- **Preferences**: %d\n", stats.Preferences)
	fmt.Fprintf(&sb, "- **Average pattern success rate**: %.0f%%\n", stats.AverageSuccessRate*100)
	return mcp.NewToolResultText(sb.String()), nil
}
