package mcpserver

import (
	"context"
	"testing"

	"github.com/m4xw311/agentforge/knowledge"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *knowledge.Store {
	t.Helper()
	store, err := knowledge.Open(context.Background(), knowledge.Config{
		Driver:  knowledge.DriverSQLite,
		DataDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func makeReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestTools_Definitions(t *testing.T) {
	var names []string
	for _, h := range Tools(newTestStore(t)) {
		names = append(names, h.Definition().Name)
	}
	assert.Equal(t, []string{
		"knowledge_search_patterns",
		"knowledge_add_pattern",
		"knowledge_record_outcome",
		"knowledge_search_solutions",
		"knowledge_preferences",
		"knowledge_set_preference",
		"knowledge_stats",
	}, names)
}

func TestNew_RegistersTools(t *testing.T) {
	s := New(newTestStore(t), "test", nil)
	assert.NotNil(t, s)
}

func TestAddAndSearchPatterns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	res, err := NewAddPatternTool(store).Handle(ctx, makeReq(map[string]any{
		"pattern_type": "api_endpoint",
		"code":         "func handler() {}",
		"description":  "HTTP handler",
		"context":      "File: api.go",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(res))
	assert.Contains(t, resultText(res), "Stored pattern #1")

	stored, err := store.GetPattern(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "mcp", stored.Metadata["source"])

	res, err = NewSearchPatternsTool(store).Handle(ctx, makeReq(map[string]any{
		"pattern_type": "api_endpoint",
	}))
	require.NoError(t, err)
	text := resultText(res)
	assert.Contains(t, text, "Found 1 patterns")
	assert.Contains(t, text, "HTTP handler")
	assert.Contains(t, text, "success rate: 100%")
	assert.Contains(t, text, "File: api.go")

	res, err = NewSearchPatternsTool(store).Handle(ctx, makeReq(map[string]any{
		"pattern_type": "test",
	}))
	require.NoError(t, err)
	assert.Equal(t, "No patterns found.", resultText(res))
}

func TestAddPattern_MissingArguments(t *testing.T) {
	tool := NewAddPatternTool(newTestStore(t))
	res, err := tool.Handle(context.Background(), makeReq(map[string]any{
		"pattern_type": "test",
		"description":  "no code",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "'code' is required")
}

func TestRecordOutcome(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	p, err := store.AddPattern(ctx, knowledge.AddPatternParams{
		PatternType: "test", Code: "x", Description: "d",
	})
	require.NoError(t, err)

	tool := NewRecordOutcomeTool(store)
	res, err := tool.Handle(ctx, makeReq(map[string]any{
		"id":      float64(p.ID),
		"success": false,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(res))
	assert.Contains(t, resultText(res), "failed outcome")

	got, err := store.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)
	assert.InDelta(t, 0.0, got.SuccessRate, 1e-9)
}

func TestRecordOutcome_InvalidArguments(t *testing.T) {
	tool := NewRecordOutcomeTool(newTestStore(t))
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing id", map[string]any{"success": true}, "'id'"},
		{"missing success", map[string]any{"id": float64(1)}, "'success'"},
		{"unknown kind", map[string]any{"id": float64(1), "success": true, "kind": "preference"}, "unknown kind"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := tool.Handle(context.Background(), makeReq(tc.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Contains(t, resultText(res), tc.want)
		})
	}
}

func TestSearchSolutions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.AddSolution(ctx, knowledge.AddSolutionParams{
		ProblemType: "coding_task",
		Solution:    "wrote the handler",
		Description: "Successfully completed: add endpoint",
	})
	require.NoError(t, err)

	res, err := NewSearchSolutionsTool(store).Handle(ctx, makeReq(map[string]any{
		"problem_type": "coding_task",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(res), "Successfully completed: add endpoint")
}

func TestPreferences(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	set := NewSetPreferenceTool(store)
	res, err := set.Handle(ctx, makeReq(map[string]any{
		"preference_type": "code_style",
		"value":           "tabs",
		"confidence":      0.9,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(res))

	res, err = set.Handle(ctx, makeReq(map[string]any{
		"preference_type": "code_style",
		"value":           "spaces",
		"confidence":      1.5,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = NewPreferencesTool(store).Handle(ctx, makeReq(map[string]any{
		"preference_type": "code_style",
	}))
	require.NoError(t, err)
	text := resultText(res)
	assert.Contains(t, text, "1 code_style preferences")
	assert.Contains(t, text, "(0.90) tabs")
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.AddPattern(ctx, knowledge.AddPatternParams{PatternType: "test", Code: "x", Description: "d"})
	require.NoError(t, err)

	res, err := NewStatsTool(store).Handle(ctx, makeReq(nil))
	require.NoError(t, err)
	text := resultText(res)
	assert.Contains(t, text, "**Patterns**: 1")
	assert.Contains(t, text, "**Solutions**: 0")
	assert.Contains(t, text, "100%")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab...", truncate("abc", 2))
}
