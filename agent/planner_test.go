package agent

import (
	"context"
	"testing"

	"github.com/m4xw311/agentforge/errors"
	"github.com/m4xw311/agentforge/knowledge"
	"github.com/m4xw311/agentforge/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubtasks(t *testing.T) {
	tests := []struct {
		name string
		plan string
		want []Task
	}{
		{
			name: "numbered lines",
			plan: "Main goal: api\n- Subtasks:\n  1. Create user model\n  2. Write integration tests\n  3. Update docs\nRisks: none",
			want: []Task{
				{ID: "task_1", Description: "Create user model", Complexity: ComplexityMedium},
				{ID: "task_2", Description: "Write integration tests", Complexity: ComplexityHigh},
				{ID: "task_3", Description: "Update docs", Complexity: ComplexityLow},
			},
		},
		{
			name: "explicit annotation wins",
			plan: "1. Implement login (complexity: low)\n2. Rename variable (Complexity: HIGH)",
			want: []Task{
				{ID: "task_1", Description: "Implement login", Complexity: ComplexityLow},
				{ID: "task_2", Description: "Rename variable", Complexity: ComplexityHigh},
			},
		},
		{
			name: "no numbered lines",
			plan: "Just do it.",
			want: []Task{{ID: "task_1", Description: "Execute plan as described", Complexity: ComplexityHigh}},
		},
		{
			name: "empty",
			plan: "",
			want: []Task{{ID: "task_1", Description: "Execute plan as described", Complexity: ComplexityHigh}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseSubtasks(tc.plan))
		})
	}
}

func TestCreatePlan_IncludesKnowledge(t *testing.T) {
	mock := llm.NewScriptedMock("1. Create endpoint\n2. Test it")
	f := newFixture(t, mock)
	ctx := context.Background()
	p, err := f.store.AddPattern(ctx, knowledge.AddPatternParams{PatternType: "api_endpoint", Code: "x", Description: "REST handler"})
	require.NoError(t, err)

	planner := NewPlanner(f.deps)
	plan, err := planner.CreatePlan(ctx, "build an API")
	require.NoError(t, err)

	assert.NotEmpty(t, plan.ID)
	assert.Equal(t, "build an API", plan.Request)
	assert.Len(t, plan.Subtasks, 2)
	assert.Equal(t, []int64{p.ID}, plan.PatternIDs())
	assert.False(t, plan.Refined)

	msgs := mock.Requests()[0].Messages
	prompt := msgs[len(msgs)-1].Content
	assert.Contains(t, prompt, "build an API")
	assert.Contains(t, prompt, "- api_endpoint: REST handler (success rate: 100%)")
}

func TestCreatePlan_GenerationFailure(t *testing.T) {
	mock := &llm.Mock{Respond: func(llm.Request) (string, error) { return "", errors.New("quota") }}
	f := newFixture(t, mock)

	_, err := NewPlanner(f.deps).CreatePlan(context.Background(), "anything")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrGenerationFailure))
}

func TestRefinePlan_ReturnsCopy(t *testing.T) {
	f := newFixture(t, llm.NewScriptedMock("1. First", "1. First\n2. Add logging"))
	planner := NewPlanner(f.deps)
	ctx := context.Background()

	orig, err := planner.CreatePlan(ctx, "req")
	require.NoError(t, err)
	refined, err := planner.RefinePlan(ctx, orig, "please log")
	require.NoError(t, err)

	assert.True(t, refined.Refined)
	assert.Equal(t, orig.ID, refined.ID)
	assert.Len(t, refined.Subtasks, 2)
	assert.False(t, orig.Refined)
	assert.Len(t, orig.Subtasks, 1)
}
