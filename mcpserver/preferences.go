package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/m4xw311/agentforge/knowledge"
	"github.com/mark3labs/mcp-go/mcp"
)

// PreferencesTool handles knowledge_preferences.
type PreferencesTool struct {
	store *knowledge.Store
}

func NewPreferencesTool(store *knowledge.Store) *PreferencesTool {
	return &PreferencesTool{store: store}
}

func (t *PreferencesTool) Definition() mcp.Tool {
	return mcp.NewTool("knowledge_preferences",
		mcp.WithDescription("List the recorded user preferences of a type, highest confidence first."),
		mcp.WithString("preference_type",
			mcp.Required(),
			mcp.Description("Preference type, e.g. user_feedback or code_style"),
		),
	)
}

func (t *PreferencesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	typ := req.GetString("preference_type", "")
	if typ == "" {
		return mcp.NewToolResultError("'preference_type' is required"), nil
	}
	prefs, err := t.store.GetPreferences(ctx, typ)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get preferences: %v", err)), nil
	}
	if len(prefs) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No %s preferences recorded.", typ)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d %s preferences:\n\n", len(prefs), typ)
	for _, p := range prefs {
		fmt.Fprintf(&b, "- (%.2f) %s\n", p.Confidence, p.Value)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// SetPreferenceTool handles knowledge_set_preference.
type SetPreferenceTool struct {
	store *knowledge.Store
}

func NewSetPreferenceTool(store *knowledge.Store) *SetPreferenceTool {
	return &SetPreferenceTool{store: store}
}

func (t *SetPreferenceTool) Definition() mcp.Tool {
	return mcp.NewTool("knowledge_set_preference",
		mcp.WithDescription("Record a user preference. Earlier values of the same type are kept."),
		mcp.WithString("preference_type",
			mcp.Required(),
			mcp.Description("Preference type, e.g. code_style"),
		),
		mcp.WithString("value",
			mcp.Required(),
			mcp.Description("The preference itself"),
		),
		mcp.WithNumber("confidence",
			mcp.Description("Confidence in the preference (0.0-1.0, default 0.5)"),
		),
	)
}

func (t *SetPreferenceTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	typ := req.GetString("preference_type", "")
	value := req.GetString("value", "")
	if typ == "" || value == "" {
		return mcp.NewToolResultError("'preference_type' and 'value' are required"), nil
	}
	confidence := floatArg(req, "confidence", 0.5)
	if confidence < 0 || confidence > 1 {
		return mcp.NewToolResultError("'confidence' must be between 0 and 1"), nil
	}

	p, err := t.store.SetPreference(ctx, knowledge.SetPreferenceParams{
		PreferenceType: typ,
		Value:          value,
		Confidence:     confidence,
		Metadata:       map[string]any{"source": "mcp"},
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store preference: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Stored %s preference #%d", p.PreferenceType, p.ID)), nil
}
