// Package orchestrator drives a request through planning, execution,
// evaluation and learning.
//
// One request runs at a time; Run waits while another is in flight and gives
// up when its context ends first.
// Subtasks execute strictly in plan order and each record is evaluated
// before the next subtask starts. Generation and tool failures are part of
// a subtask's record. A knowledge store failure aborts the run.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/m4xw311/agentforge/agent"
	"github.com/m4xw311/agentforge/errors"
	"github.com/m4xw311/agentforge/events"
	"github.com/m4xw311/agentforge/knowledge"
	"github.com/m4xw311/agentforge/logging"
	"github.com/m4xw311/agentforge/metrics"
	"github.com/m4xw311/agentforge/telemetry"
)

type State string

const (
	StateIdle       State = "idle"
	StatePlanning   State = "planning"
	StateExecuting  State = "executing"
	StateEvaluating State = "evaluating"
	StateLearning   State = "learning"
)

var states = []string{
	string(StateIdle), string(StatePlanning), string(StateExecuting),
	string(StateEvaluating), string(StateLearning),
}

// Options tune a pipeline. The zero value runs without tests and without
// pattern extraction.
type Options struct {
	RunTests        bool
	LearningEnabled bool
	CoderOptions    []agent.CoderOption

	Bus     *events.Bus
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// RunResult is everything one request produced.
type RunResult struct {
	RunID          string                  `json:"run_id"`
	Plan           *agent.Plan             `json:"plan"`
	Records        []*agent.TaskRecord     `json:"records"`
	Evaluations    []*agent.Evaluation     `json:"evaluations"`
	PatternsStored int                     `json:"patterns_stored"`
	Metrics        agent.Metrics           `json:"metrics"`
	Feedback       []*agent.FeedbackResult `json:"feedback,omitempty"`
}

// Succeeded reports whether every subtask succeeded.
func (r *RunResult) Succeeded() bool {
	for _, rec := range r.Records {
		if !rec.Success {
			return false
		}
	}
	return true
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	State          State         `json:"state"`
	Step           int           `json:"step"`
	Total          int           `json:"total"`
	PlanID         string        `json:"plan_id,omitempty"`
	QueuedFeedback int           `json:"queued_feedback"`
	Metrics        agent.Metrics `json:"metrics"`
}

type Orchestrator struct {
	planner *agent.Planner
	coder   *agent.Coder
	learner *agent.Learner
	kb      agent.KnowledgeStore

	opts    Options
	bus     *events.Bus
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	// running admits one Run at a time.
	running *semaphore.Weighted

	mu       sync.Mutex
	state    State
	step     int
	plan     *agent.Plan
	feedback []string

	// observer is set for the duration of a run; guarded by running.
	observer func(events.Event)
}

// New builds the three agents from d.
func New(d agent.Deps, opts Options) *Orchestrator {
	if d.Metrics == nil {
		d.Metrics = opts.Metrics
	}
	if d.Logger == nil {
		d.Logger = opts.Logger
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer(nil, "github.com/m4xw311/agentforge/orchestrator")
	}
	o := &Orchestrator{
		planner: agent.NewPlanner(d),
		coder:   agent.NewCoder(d, opts.CoderOptions...),
		learner: agent.NewLearner(d),
		kb:      d.Knowledge,
		opts:    opts,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		tracer:  tracer,
		logger:  logging.Component(opts.Logger, "orchestrator"),
		running: semaphore.NewWeighted(1),
		state:   StateIdle,
	}
	o.metrics.SetState(string(StateIdle), states)
	return o
}

func (o *Orchestrator) Planner() *agent.Planner { return o.planner }
func (o *Orchestrator) Coder() *agent.Coder { return o.coder }
func (o *Orchestrator) Learner() *agent.Learner { return o.learner }

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	s := Status{
		State:          o.state,
		Step:           o.step,
		QueuedFeedback: len(o.feedback),
	}
	if o.plan != nil {
		s.PlanID = o.plan.ID
		s.Total = len(o.plan.Subtasks)
	}
	o.mu.Unlock()
	s.Metrics = o.learner.Metrics()
	return s
}

// CurrentPlan returns the plan of the latest run, or nil.
func (o *Orchestrator) CurrentPlan() *agent.Plan {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.plan
}

// SubmitFeedback queues text for the next run. It never touches a run in
// flight.
func (o *Orchestrator) SubmitFeedback(ctx context.Context, text string) {
	o.mu.Lock()
	o.feedback = append(o.feedback, text)
	n := len(o.feedback)
	o.mu.Unlock()
	o.bus.Publish(ctx, events.New(events.TypeFeedbackQueued, "", map[string]any{"queued": n}))
}

// Knowledge returns the best patterns learned so far.
func (o *Orchestrator) Knowledge(ctx context.Context, limit int) ([]knowledge.Pattern, error) {
	return o.kb.SearchPatterns(ctx, knowledge.PatternQuery{Limit: limit})
}

// KnowledgeStats reports the store's aggregate counts. ok is false when the
// store does not keep statistics.
func (o *Orchestrator) KnowledgeStats(ctx context.Context) (st knowledge.Stats, ok bool, err error) {
	sk, ok := o.kb.(interface {
		Stats(ctx context.Context) (knowledge.Stats, error)
	})
	if !ok {
		return knowledge.Stats{}, false, nil
	}
	st, err = sk.Stats(ctx)
	return st, true, err
}

// ClearMemory forgets the conversation of every agent.
func (o *Orchestrator) ClearMemory() {
	o.planner.ClearMemory()
	o.coder.ClearMemory()
	o.learner.ClearMemory()
}

// Report is the Learner's performance report.
func (o *Orchestrator) Report(ctx context.Context) (string, error) {
	return o.learner.GenerateReport(ctx)
}

func (o *Orchestrator) Metrics() agent.Metrics { return o.learner.Metrics() }

func (o *Orchestrator) setState(ctx context.Context, runID string, s State, step int) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.step = step
	o.mu.Unlock()

	o.metrics.SetState(string(s), states)
	data := map[string]any{"from": string(prev), "to": string(s)}
	if s == StateExecuting || s == StateEvaluating || s == StateLearning {
		data["step"] = step
	}
	o.publish(ctx, events.New(events.TypeStateChanged, runID, data))
}

func (o *Orchestrator) takeFeedback() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	fb := o.feedback
	o.feedback = nil
	return fb
}

// requeue puts unapplied feedback back in front of anything queued since.
func (o *Orchestrator) requeue(fb []string) {
	if len(fb) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.feedback = append(append([]string(nil), fb...), o.feedback...)
}

type runOptions struct {
	onChunk  agent.ChunkHandler
	observer func(events.Event)
}

type RunOption func(*runOptions)

// WithChunkHandler receives the coder's output as it streams.
func WithChunkHandler(fn agent.ChunkHandler) RunOption {
	return func(r *runOptions) { r.onChunk = fn }
}

// WithObserver receives every event of the run, in order, on the calling
// goroutine. Unlike a bus subscription it never drops events.
func WithObserver(fn func(events.Event)) RunOption {
	return func(r *runOptions) { r.observer = fn }
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	o.bus.Publish(ctx, e)
	if o.observer != nil {
		o.observer(e)
	}
}

// Run processes request end to end.
func (o *Orchestrator) Run(ctx context.Context, request string, opts ...RunOption) (res *RunResult, err error) {
	if err := o.running.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer o.running.Release(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var ro runOptions
	for _, fn := range opts {
		fn(&ro)
	}
	o.observer = ro.observer
	defer func() { o.observer = nil }()

	runID := uuid.NewString()
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", runID),
	))
	defer span.End()

	logger := o.logger.With("run_id", runID)
	start := time.Now()
	o.publish(ctx, events.New(events.TypeRunStarted, runID, map[string]any{"request": request}))

	defer func() {
		o.setState(ctx, runID, StateIdle, 0)
		o.metrics.RecordRun(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.publish(ctx, events.New(events.TypeRunFailed, runID, map[string]any{"error": err.Error()}))
			logger.Error("run failed", "error", err)
			return
		}
		o.publish(ctx, events.New(events.TypeRunCompleted, runID, map[string]any{
			"subtasks":        len(res.Records),
			"succeeded":       res.Succeeded(),
			"patterns_stored": res.PatternsStored,
			"duration_ms":     time.Since(start).Milliseconds(),
		}))
		logger.Info("run completed", "subtasks", len(res.Records), "duration", time.Since(start))
	}()

	res = &RunResult{RunID: runID}
	plan, err := o.planStage(ctx, runID, request, res)
	if err != nil {
		return nil, err
	}
	res.Plan = plan

	for i, task := range plan.Subtasks {
		if err := o.subtask(ctx, runID, i+1, task, plan, ro, res); err != nil {
			return nil, err
		}
	}
	res.Metrics = o.learner.Metrics()
	return res, nil
}

func (o *Orchestrator) planStage(ctx context.Context, runID, request string, res *RunResult) (*agent.Plan, error) {
	o.setState(ctx, runID, StatePlanning, 0)
	feedback := o.takeFeedback()

	ctx, span := o.tracer.Start(ctx, "pipeline.plan")
	defer span.End()

	plan, err := o.planner.CreatePlan(ctx, request)
	if err != nil {
		o.requeue(feedback)
		span.RecordError(err)
		return nil, errors.Wrapf(err, "planning")
	}

	for i, fb := range feedback {
		refined, err := o.planner.RefinePlan(ctx, plan, fb)
		switch {
		case err == nil:
			plan = refined
		case ctx.Err() != nil:
			o.requeue(feedback[i:])
			return nil, ctx.Err()
		default:
			o.logger.Warn("plan refinement failed", "run_id", runID, "error", err)
		}

		applied, err := o.learner.ImproveFromFeedback(ctx, fb)
		if err != nil {
			if errors.Is(err, errors.ErrStorageUnavailable) || ctx.Err() != nil {
				o.requeue(feedback[i+1:])
				return nil, err
			}
			o.logger.Warn("feedback analysis failed", "run_id", runID, "error", err)
			continue
		}
		res.Feedback = append(res.Feedback, applied)
		o.publish(ctx, events.New(events.TypeFeedbackApplied, runID, map[string]any{"feedback": fb}))
	}

	span.SetAttributes(
		attribute.String("plan.id", plan.ID),
		attribute.Int("plan.subtasks", len(plan.Subtasks)),
		attribute.Bool("plan.refined", plan.Refined),
	)

	o.mu.Lock()
	o.plan = plan
	o.mu.Unlock()

	typ := events.TypePlanCreated
	if plan.Refined {
		typ = events.TypePlanRefined
	}
	o.publish(ctx, events.New(typ, runID, map[string]any{
		"plan_id":  plan.ID,
		"subtasks": len(plan.Subtasks),
		"patterns": len(plan.RelevantPatterns),
	}))
	return plan, nil
}

func (o *Orchestrator) subtask(ctx context.Context, runID string, step int, task agent.Task, plan *agent.Plan, ro runOptions, res *RunResult) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.subtask", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.complexity", string(task.Complexity)),
		attribute.Int("task.step", step),
	))
	defer span.End()

	start := time.Now()
	o.setState(ctx, runID, StateExecuting, step)
	o.publish(ctx, events.New(events.TypeTaskStarted, runID, map[string]any{
		"task_id":     task.ID,
		"description": task.Description,
		"complexity":  string(task.Complexity),
		"step":        step,
		"total":       len(plan.Subtasks),
	}))

	rec, err := o.coder.ExecuteTask(ctx, task, plan.Plan, func(chunk string) {
		o.publish(ctx, events.New(events.TypeTaskChunk, runID, map[string]any{"task_id": task.ID, "chunk": chunk}))
		if ro.onChunk != nil {
			ro.onChunk(chunk)
		}
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	if o.opts.RunTests {
		rec.TestResults = o.coder.RunTests(ctx)
		passed := true
		for _, tr := range rec.TestResults {
			passed = passed && tr.Success
		}
		rec.Success = rec.Success && passed
		o.publish(ctx, events.New(events.TypeTestsCompleted, runID, map[string]any{"task_id": task.ID, "passed": passed}))
	}

	if err := o.coder.LearnFromExecution(ctx, rec); err != nil {
		span.RecordError(err)
		return err
	}
	res.Records = append(res.Records, rec)
	o.metrics.RecordTask(rec.Success, time.Since(start))
	o.publish(ctx, events.New(events.TypeTaskCompleted, runID, map[string]any{
		"task_id": task.ID,
		"success": rec.Success,
		"error":   rec.Err,
	}))
	span.SetAttributes(attribute.Bool("task.success", rec.Success))

	o.setState(ctx, runID, StateEvaluating, step)
	ev, err := o.learner.EvaluateTask(ctx, rec)
	if err != nil {
		return err
	}
	res.Evaluations = append(res.Evaluations, ev)
	o.publish(ctx, events.New(events.TypeTaskEvaluated, runID, map[string]any{"task_id": task.ID, "success": ev.Success}))

	o.setState(ctx, runID, StateLearning, step)
	if o.opts.LearningEnabled {
		n, err := o.storePatterns(ctx, runID, rec)
		if err != nil {
			span.RecordError(err)
			return err
		}
		res.PatternsStored += n
	}
	// A backend failure says nothing about the patterns the plan used.
	if rec.Err != "" {
		return nil
	}
	if err := o.learner.RecordOutcome(ctx, plan.PatternIDs(), rec.Success); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (o *Orchestrator) storePatterns(ctx context.Context, runID string, rec *agent.TaskRecord) (int, error) {
	set, ok := o.learner.ExtractPattern(ctx, rec)
	if !ok {
		return 0, nil
	}
	for _, p := range set.Patterns {
		typ := p.Type
		if typ == "" {
			typ = "general_code"
		}
		_, err := o.kb.AddPattern(ctx, knowledge.AddPatternParams{
			PatternType: typ,
			Code:        p.Code,
			Description: p.Description,
			Context:     "Task: " + rec.Task.Description,
			Metadata: map[string]any{
				"source":     "extraction",
				"complexity": p.Complexity,
				"task_id":    rec.Task.ID,
				"run_id":     runID,
			},
		})
		if err != nil {
			return 0, err
		}
	}
	if n := len(set.Patterns); n > 0 {
		o.publish(ctx, events.New(events.TypePatternsStored, runID, map[string]any{"task_id": rec.Task.ID, "count": n}))
	}
	return len(set.Patterns), nil
}
