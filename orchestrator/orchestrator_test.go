package orchestrator

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/m4xw311/agentforge/agent"
	"github.com/m4xw311/agentforge/config"
	"github.com/m4xw311/agentforge/errors"
	"github.com/m4xw311/agentforge/events"
	"github.com/m4xw311/agentforge/knowledge"
	"github.com/m4xw311/agentforge/llm"
	"github.com/m4xw311/agentforge/logging"
	"github.com/m4xw311/agentforge/metrics"
	"github.com/m4xw311/agentforge/tools"
)

// script answers each agent role the way a well-behaved backend would.
type script struct {
	mu         sync.Mutex
	plan       string
	refined    string
	code       string
	codeErr    error
	evaluation string
	patterns   string
	planErr    error

	// When gate is set the planner reports on entered and waits for gate.
	entered chan struct{}
	gate    chan struct{}
}

func defaultScript() *script {
	return &script{
		plan:       "Main goal: users\n1. Create user model\n2. Add API endpoint",
		refined:    "1. Create user model with type hints",
		code:       "wrote the code",
		evaluation: "Quality 8/10",
		patterns:   "```json\n{\"patterns\": [{\"type\": \"data_model\", \"code\": \"class User: pass\", \"description\": \"user model\", \"complexity\": \"low\"}]}\n```",
	}
}

func (s *script) respond(req llm.Request) (string, error) {
	if s.gate != nil && strings.HasPrefix(req.Messages[0].Content, "You are a Planning Agent") {
		s.entered <- struct{}{}
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	system := req.Messages[0].Content
	last := req.Messages[len(req.Messages)-1].Content
	switch {
	case strings.HasPrefix(system, "You are a Planning Agent"):
		if strings.HasPrefix(last, "Refine this plan") {
			return s.refined, nil
		}
		return s.plan, s.planErr
	case strings.HasPrefix(system, "You are a Coding Agent"):
		return s.code, s.codeErr
	case strings.HasPrefix(last, "Extract reusable"):
		return s.patterns, nil
	case strings.HasPrefix(last, "Evaluate this"):
		return s.evaluation, nil
	default:
		return "noted", nil
	}
}

type harness struct {
	orch    *Orchestrator
	script  *script
	store   *knowledge.Store
	bus     *events.Bus
	metrics *metrics.Metrics
	spans   *tracetest.SpanRecorder
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store, err := knowledge.Open(context.Background(), knowledge.Config{Driver: knowledge.DriverSQLite, DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.WorkDir = t.TempDir()
	cfg.AllowedCommands = []string{"true", "false"}

	s := defaultScript()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	h := &harness{
		script:  s,
		store:   store,
		bus:     events.NewBus(logging.Discard()),
		metrics: metrics.New(nil),
		spans:   spans,
	}
	opts.Bus = h.bus
	opts.Metrics = h.metrics
	opts.Tracer = tp.Tracer("test")
	opts.Logger = logging.Discard()

	h.orch = New(agent.Deps{
		Client:    &llm.Mock{Respond: s.respond},
		Tools:     tools.NewGateway(cfg),
		Knowledge: store,
	}, opts)
	return h
}

func TestRun_HappyPath(t *testing.T) {
	h := newHarness(t, Options{LearningEnabled: true})
	ctx := context.Background()
	ch, cancel := h.bus.Subscribe(1024, nil)
	defer cancel()

	var streamed strings.Builder
	res, err := h.orch.Run(ctx, "build a user service", WithChunkHandler(func(c string) { streamed.WriteString(c) }))
	require.NoError(t, err)

	require.Len(t, res.Records, 2)
	assert.True(t, res.Succeeded())
	assert.Equal(t, "Create user model", res.Records[0].Task.Description)
	assert.Len(t, res.Evaluations, 2)
	assert.Equal(t, 2, res.PatternsStored)
	assert.Equal(t, agent.Metrics{TotalTasks: 2, SuccessfulTasks: 2, PatternsLearned: 2}, res.Metrics)
	assert.Equal(t, "wrote the codewrote the code", streamed.String())

	assert.Equal(t, StateIdle, h.orch.State())
	assert.Equal(t, res.Plan, h.orch.CurrentPlan())

	ps, err := h.store.SearchPatterns(ctx, knowledge.PatternQuery{PatternType: "data_model"})
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "extraction", ps[0].Metadata["source"])
	assert.Equal(t, res.RunID, ps[0].Metadata["run_id"])

	sols, err := h.store.SearchSolutions(ctx, knowledge.SolutionQuery{ProblemType: agent.SolutionProblemType})
	require.NoError(t, err)
	assert.Len(t, sols, 2)

	var transitions []string
	var first, last events.Type
	for len(ch) > 0 {
		e := <-ch
		if first == "" {
			first = e.Type
		}
		last = e.Type
		if e.Type == events.TypeStateChanged {
			transitions = append(transitions, e.Data["to"].(string))
		}
	}
	assert.Equal(t, events.TypeRunStarted, first)
	assert.Equal(t, events.TypeRunCompleted, last)
	assert.Equal(t, []string{
		"planning",
		"executing", "evaluating", "learning",
		"executing", "evaluating", "learning",
		"idle",
	}, transitions)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PipelineRuns.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.TasksTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PipelineState.WithLabelValues("idle")))

	var names []string
	for _, s := range h.spans.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"pipeline.plan", "pipeline.subtask", "pipeline.subtask", "pipeline.run"}, names)
}

func TestRun_GenerationFailureIsARecord(t *testing.T) {
	h := newHarness(t, Options{LearningEnabled: true})
	h.script.codeErr = stderrors.New("model overloaded")
	ctx := context.Background()

	seed, err := h.store.AddPattern(ctx, knowledge.AddPatternParams{PatternType: "data_model", Code: "x", Description: "seed"})
	require.NoError(t, err)

	res, err := h.orch.Run(ctx, "anything")
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	for _, rec := range res.Records {
		assert.False(t, rec.Success)
		assert.Contains(t, rec.Err, "model overloaded")
	}
	assert.Len(t, res.Evaluations, 2)
	assert.Zero(t, res.PatternsStored)
	assert.Equal(t, 2, res.Metrics.TotalTasks)
	assert.Zero(t, res.Metrics.SuccessfulTasks)

	sols, err := h.store.SearchSolutions(ctx, knowledge.SolutionQuery{})
	require.NoError(t, err)
	assert.Empty(t, sols)

	// The plan relied on the seed, but the outage is not its fault.
	require.Len(t, res.Plan.RelevantPatterns, 1)
	got, err := h.store.GetPattern(ctx, seed.ID)
	require.NoError(t, err)
	assert.Zero(t, got.UsageCount)
	assert.Equal(t, 1.0, got.SuccessRate)
}

func TestRun_PlanningFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.script.planErr = stderrors.New("quota exceeded")
	ctx := context.Background()
	h.orch.SubmitFeedback(ctx, "keep it short")

	_, err := h.orch.Run(ctx, "anything")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrGenerationFailure))
	assert.Equal(t, StateIdle, h.orch.State())
	assert.Equal(t, 1, h.orch.Status().QueuedFeedback)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PipelineRuns.WithLabelValues("failure")))
}

func TestRun_StorageFailureAborts(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.store.Close())

	res, err := h.orch.Run(context.Background(), "anything")
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, errors.ErrStorageUnavailable))
	assert.Equal(t, StateIdle, h.orch.State())
}

func TestRun_FeedbackAppliedOnNextRun(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	first, err := h.orch.Run(ctx, "users")
	require.NoError(t, err)
	assert.False(t, first.Plan.Refined)

	h.orch.SubmitFeedback(ctx, "use type hints")
	assert.Equal(t, 1, h.orch.Status().QueuedFeedback)

	second, err := h.orch.Run(ctx, "users again")
	require.NoError(t, err)
	assert.True(t, second.Plan.Refined)
	require.Len(t, second.Plan.Subtasks, 1)
	assert.Equal(t, "Create user model with type hints", second.Plan.Subtasks[0].Description)
	require.Len(t, second.Feedback, 1)
	assert.Equal(t, "use type hints", second.Feedback[0].Feedback)
	assert.Zero(t, h.orch.Status().QueuedFeedback)

	prefs, err := h.store.GetPreferences(ctx, "user_feedback")
	require.NoError(t, err)
	assert.Len(t, prefs, 1)
}

func TestRun_ScoresRelevantPatterns(t *testing.T) {
	h := newHarness(t, Options{
		RunTests:     true,
		CoderOptions: []agent.CoderOption{agent.WithTestCommand("false")},
	})
	ctx := context.Background()

	p, err := h.store.AddPattern(ctx, knowledge.AddPatternParams{PatternType: "data_model", Code: "x", Description: "seed"})
	require.NoError(t, err)

	res, err := h.orch.Run(ctx, "users")
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	for _, rec := range res.Records {
		assert.False(t, rec.Success)
		require.Len(t, rec.TestResults, 1)
		assert.False(t, rec.TestResults[0].Success)
	}

	got, err := h.store.GetPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UsageCount)
	assert.Equal(t, 0.0, got.SuccessRate)
}

func TestRun_Serialized(t *testing.T) {
	h := newHarness(t, Options{})
	ch, cancel := h.bus.Subscribe(4096, func(e events.Event) bool { return e.RunID != "" })
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Run(context.Background(), "req")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var order []string
	for len(ch) > 0 {
		e := <-ch
		if len(order) == 0 || order[len(order)-1] != e.RunID {
			assert.NotContains(t, order, e.RunID, "runs interleaved")
			order = append(order, e.RunID)
		}
	}
	assert.Len(t, order, 3)
}

func TestRun_WaitingRunHonorsCancel(t *testing.T) {
	h := newHarness(t, Options{})
	h.script.entered = make(chan struct{}, 1)
	h.script.gate = make(chan struct{})

	first := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(context.Background(), "first")
		first <- err
	}()
	<-h.script.entered

	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(ctx, "second")
		second <- err
	}()
	cancel()

	select {
	case err := <-second:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("queued run did not observe cancellation")
	}

	close(h.script.gate)
	require.NoError(t, <-first)
}

func TestKnowledgeAndClearMemory(t *testing.T) {
	h := newHarness(t, Options{LearningEnabled: true})
	ctx := context.Background()

	_, err := h.orch.Run(ctx, "users")
	require.NoError(t, err)
	assert.NotEmpty(t, h.orch.Planner().Memory())

	ps, err := h.orch.Knowledge(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, ps, 1)

	st, ok, err := h.orch.KnowledgeStats(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, st.Patterns, 1)

	h.orch.ClearMemory()
	assert.Empty(t, h.orch.Planner().Memory())
	assert.Empty(t, h.orch.Coder().Memory())
	assert.Empty(t, h.orch.Learner().Memory())

	report, err := h.orch.Report(ctx)
	require.NoError(t, err)
	assert.Contains(t, report, "Total Tasks: 2")
}
