package agent

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/m4xw311/agentforge/config"
	"github.com/m4xw311/agentforge/errors"
	"github.com/m4xw311/agentforge/knowledge"
	"github.com/m4xw311/agentforge/llm"
	"github.com/m4xw311/agentforge/session"
	"github.com/m4xw311/agentforge/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	deps  Deps
	store *knowledge.Store
	dir   string
}

func newFixture(t *testing.T, client llm.Client) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := knowledge.Open(context.Background(), knowledge.Config{Driver: knowledge.DriverSQLite, DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.WorkDir = dir
	cfg.AllowedCommands = []string{"true", "false", "echo"}

	return &fixture{
		deps: Deps{
			Client:    client,
			Tools:     tools.NewGateway(cfg),
			Knowledge: store,
		},
		store: store,
		dir:   dir,
	}
}

func TestNew_Defaults(t *testing.T) {
	a := New("tester", "be brief", Deps{Client: llm.NewMock()})
	assert.Equal(t, "tester", a.Role())
	assert.Equal(t, "be brief", a.SystemPrompt())
	assert.Equal(t, DefaultTemperature, a.temperature)
	assert.Equal(t, DefaultMaxTokens, a.maxTokens)
	assert.Empty(t, a.Memory())
}

func TestThink_ZeroTemperatureIsKept(t *testing.T) {
	mock := llm.NewScriptedMock("a", "b")
	a := New("tester", "", Deps{Client: mock, Temperature: llm.Temp(0)})
	ctx := context.Background()

	_, err := a.Think(ctx, "deterministic")
	require.NoError(t, err)
	_, err = a.Think(ctx, "override", WithTemperature(0))
	require.NoError(t, err)

	for _, req := range mock.Requests() {
		require.NotNil(t, req.Temperature)
		assert.Equal(t, 0.0, *req.Temperature)
	}
}

func TestThink_BuildsMessagesAndRemembers(t *testing.T) {
	mock := llm.NewScriptedMock("first", "second")
	a := New("tester", "sys", Deps{Client: mock})
	ctx := context.Background()

	out, err := a.Think(ctx, "one")
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	_, err = a.Think(ctx, "two")
	require.NoError(t, err)

	reqs := mock.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, []session.Message{
		{Role: session.RoleSystem, Content: "sys"},
		{Role: session.RoleUser, Content: "one"},
		{Role: session.RoleAssistant, Content: "first"},
		{Role: session.RoleUser, Content: "two"},
	}, reqs[1].Messages)
	assert.Len(t, a.Memory(), 4)
}

func TestThink_WithoutMemory(t *testing.T) {
	mock := llm.NewScriptedMock("a", "b")
	a := New("tester", "", Deps{Client: mock})
	ctx := context.Background()

	_, err := a.Think(ctx, "remembered")
	require.NoError(t, err)
	_, err = a.Think(ctx, "isolated", WithoutMemory(), WithTemperature(0.1))
	require.NoError(t, err)

	last := mock.Requests()[1]
	assert.Equal(t, []session.Message{{Role: session.RoleUser, Content: "isolated"}}, last.Messages)
	require.NotNil(t, last.Temperature)
	assert.Equal(t, 0.1, *last.Temperature)
	assert.Len(t, a.Memory(), 2)
}

func TestThink_FailureIsGenerationFailureAndNotRemembered(t *testing.T) {
	mock := &llm.Mock{Respond: func(llm.Request) (string, error) { return "", stderrors.New("backend down") }}
	a := New("tester", "", Deps{Client: mock})

	_, err := a.Think(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrGenerationFailure))
	assert.Empty(t, a.Memory())
}

func TestThinkStream_CommitsOnCompletion(t *testing.T) {
	a := New("tester", "", Deps{Client: llm.NewScriptedMock("alpha beta gamma")})

	got, err := llm.Collect(a.ThinkStream(context.Background(), "go"))
	require.NoError(t, err)
	assert.Equal(t, "alpha beta gamma", got)
	assert.Equal(t, []session.Message{
		{Role: session.RoleUser, Content: "go"},
		{Role: session.RoleAssistant, Content: "alpha beta gamma"},
	}, a.Memory())
}

func TestThinkStream_CancelledLeavesMemoryUnchanged(t *testing.T) {
	a := New("tester", "", Deps{Client: llm.NewScriptedMock("one two three four")})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		chunks int
		last   error
	)
	for _, err := range a.ThinkStream(ctx, "go") {
		if err != nil {
			last = err
			break
		}
		chunks++
		cancel()
	}
	assert.Equal(t, 1, chunks)
	require.Error(t, last)
	assert.True(t, errors.Is(last, context.Canceled))
	assert.Empty(t, a.Memory())
}

func TestThinkStream_CallerBreakLeavesMemoryUnchanged(t *testing.T) {
	a := New("tester", "", Deps{Client: llm.NewScriptedMock("one two three")})
	for range a.ThinkStream(context.Background(), "go") {
		break
	}
	assert.Empty(t, a.Memory())
}

func TestThinkStream_TrailingErrorLeavesMemoryUnchanged(t *testing.T) {
	mock := llm.NewScriptedMock("partial answer")
	mock.StreamErr = stderrors.New("connection reset")
	a := New("tester", "", Deps{Client: mock})

	got, err := llm.Collect(a.ThinkStream(context.Background(), "go"))
	assert.Equal(t, "partial answer", got)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrGenerationFailure))
	assert.Empty(t, a.Memory())
}

func TestUseTool(t *testing.T) {
	f := newFixture(t, llm.NewMock())
	a := New("tester", "", f.deps)
	ctx := context.Background()

	ok, out := a.UseTool(ctx, "write_file", map[string]any{"path": "x.txt", "content": "hello"})
	require.True(t, ok, out)

	ok, out = a.UseTool(ctx, "read_file", map[string]any{"path": "x.txt"})
	assert.True(t, ok)
	assert.Equal(t, "hello", out)

	ok, out = a.UseTool(ctx, "teleport", nil)
	assert.False(t, ok)
	assert.Contains(t, out, "teleport")
}

func TestSearchKnowledge_TopFiveIgnoringQuery(t *testing.T) {
	f := newFixture(t, llm.NewMock())
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, err := f.store.AddPattern(ctx, knowledge.AddPatternParams{PatternType: "general_code", Code: "c", Description: "d"})
		require.NoError(t, err)
	}
	a := New("tester", "", f.deps)

	hits, err := a.SearchKnowledge(ctx, "completely unrelated")
	require.NoError(t, err)
	assert.Len(t, hits, 5)
	assert.Equal(t, 1.0, hits[0].SuccessRate)
}

func TestSearchKnowledge_StorageFailure(t *testing.T) {
	f := newFixture(t, llm.NewMock())
	require.NoError(t, f.store.Close())
	a := New("tester", "", f.deps)

	_, err := a.SearchKnowledge(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStorageUnavailable))
}

func TestClearMemory(t *testing.T) {
	a := New("tester", "", Deps{Client: llm.NewMock()})
	_, err := a.Think(context.Background(), "hi")
	require.NoError(t, err)
	a.ClearMemory()
	assert.Empty(t, a.Memory())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "héll", truncate("héllo", 4))
	assert.Equal(t, "abc", truncate("abc", 10))
}
