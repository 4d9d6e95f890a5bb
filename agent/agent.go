package agent

import (
	"context"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/m4xw311/agentforge/errors"
	"github.com/m4xw311/agentforge/knowledge"
	"github.com/m4xw311/agentforge/llm"
	"github.com/m4xw311/agentforge/logging"
	"github.com/m4xw311/agentforge/metrics"
	"github.com/m4xw311/agentforge/session"
	"github.com/m4xw311/agentforge/tools"
)

const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096

	knowledgeHits = 5
)

// KnowledgeStore is the part of the knowledge store the agents use.
type KnowledgeStore interface {
	AddPattern(ctx context.Context, p knowledge.AddPatternParams) (*knowledge.Pattern, error)
	SearchPatterns(ctx context.Context, q knowledge.PatternQuery) ([]knowledge.Pattern, error)
	UpdatePatternSuccess(ctx context.Context, id int64, success bool) error
	AddSolution(ctx context.Context, p knowledge.AddSolutionParams) (*knowledge.Solution, error)
	SetPreference(ctx context.Context, p knowledge.SetPreferenceParams) (*knowledge.Preference, error)
}

// Deps are the collaborators shared by every agent of a pipeline.
type Deps struct {
	Client    llm.Client
	Tools     *tools.Gateway
	Knowledge KnowledgeStore
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	Model       string
	Temperature *float64 // nil means DefaultTemperature; 0 is kept
	MaxTokens   int
}

// Agent is the behavior shared by all roles.
type Agent struct {
	role         string
	systemPrompt string

	client  llm.Client
	tools   *tools.Gateway
	kb      KnowledgeStore
	memory  *session.Memory
	logger  *slog.Logger
	metrics *metrics.Metrics

	model       string
	temperature float64
	maxTokens   int
}

// New creates an agent with an empty memory.
func New(role, systemPrompt string, d Deps) *Agent {
	a := &Agent{
		role:         role,
		systemPrompt: systemPrompt,
		client:       d.Client,
		tools:        d.Tools,
		kb:           d.Knowledge,
		memory:       session.NewMemory(),
		logger:       logging.Component(d.Logger, role),
		metrics:      d.Metrics,
		model:        d.Model,
		temperature:  DefaultTemperature,
		maxTokens:    d.MaxTokens,
	}
	if d.Temperature != nil {
		a.temperature = *d.Temperature
	}
	if a.maxTokens <= 0 {
		a.maxTokens = DefaultMaxTokens
	}
	return a
}

func (a *Agent) Role() string { return a.role }

func (a *Agent) SystemPrompt() string { return a.systemPrompt }

// Memory returns a snapshot of the conversation so far.
func (a *Agent) Memory() []session.Message { return a.memory.Messages() }

func (a *Agent) ClearMemory() { a.memory.Clear() }

type thinkOptions struct {
	useMemory   bool
	temperature float64
}

type ThinkOption func(*thinkOptions)

// WithoutMemory neither sends prior turns nor records the new one.
func WithoutMemory() ThinkOption {
	return func(o *thinkOptions) { o.useMemory = false }
}

func WithTemperature(t float64) ThinkOption {
	return func(o *thinkOptions) { o.temperature = t }
}

func (a *Agent) options(opts []ThinkOption) thinkOptions {
	o := thinkOptions{useMemory: true, temperature: a.temperature}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (a *Agent) request(input string, o thinkOptions) llm.Request {
	var msgs []session.Message
	if a.systemPrompt != "" {
		msgs = append(msgs, session.Message{Role: session.RoleSystem, Content: a.systemPrompt})
	}
	if o.useMemory {
		msgs = append(msgs, a.memory.Messages()...)
	}
	msgs = append(msgs, session.Message{Role: session.RoleUser, Content: input})
	return llm.Request{
		Model:       a.model,
		Messages:    msgs,
		Temperature: llm.Temp(o.temperature),
		MaxTokens:   a.maxTokens,
	}
}

func (a *Agent) remember(input, response string) {
	a.memory.Append(
		session.Message{Role: session.RoleUser, Content: input},
		session.Message{Role: session.RoleAssistant, Content: response},
	)
}

// Think sends input and returns the whole response.
func (a *Agent) Think(ctx context.Context, input string, opts ...ThinkOption) (string, error) {
	o := a.options(opts)
	start := time.Now()
	out, err := a.client.Generate(ctx, a.request(input, o))
	a.metrics.RecordGeneration(a.role, "generate", err, time.Since(start))
	if err != nil {
		return "", generationError(err, a.role)
	}
	if o.useMemory {
		a.remember(input, out)
	}
	return out, nil
}

// ThinkStream is Think delivered fragment by fragment. The response is
// committed to memory only when the stream ran to completion.
func (a *Agent) ThinkStream(ctx context.Context, input string, opts ...ThinkOption) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		o := a.options(opts)
		req := a.request(input, o)
		start := time.Now()

		var full strings.Builder
		for chunk, err := range a.client.Stream(ctx, req) {
			if err != nil {
				a.metrics.RecordGeneration(a.role, "stream", err, time.Since(start))
				yield("", generationError(err, a.role))
				return
			}
			full.WriteString(chunk)
			if !yield(chunk, nil) {
				a.logger.Debug("stream abandoned by caller", "received", full.Len())
				return
			}
		}
		if err := ctx.Err(); err != nil {
			a.metrics.RecordGeneration(a.role, "stream", err, time.Since(start))
			yield("", generationError(err, a.role))
			return
		}

		a.metrics.RecordGeneration(a.role, "stream", nil, time.Since(start))
		if o.useMemory {
			a.remember(input, full.String())
		}
	}
}

// UseTool runs a capability through the gateway. On failure the returned
// text is the error message.
func (a *Agent) UseTool(ctx context.Context, name string, args map[string]any) (bool, string) {
	res := a.tools.Execute(ctx, name, args)
	if res.Success {
		return true, res.Output
	}
	if res.Error == "" {
		return false, "Unknown error"
	}
	return false, res.Error
}

// KnowledgeHit is a pattern as presented to the generation backend.
type KnowledgeHit struct {
	ID          int64   `json:"id"`
	Type        string  `json:"type"`
	Code        string  `json:"code"`
	Description string  `json:"description"`
	SuccessRate float64 `json:"success_rate"`
}

// SearchKnowledge returns the five best scored patterns of any type. The
// query does not filter the result.
func (a *Agent) SearchKnowledge(ctx context.Context, query string) ([]KnowledgeHit, error) {
	patterns, err := a.kb.SearchPatterns(ctx, knowledge.PatternQuery{Limit: knowledgeHits})
	if err != nil {
		return nil, err
	}
	hits := make([]KnowledgeHit, len(patterns))
	for i, p := range patterns {
		hits[i] = KnowledgeHit{
			ID:          p.ID,
			Type:        p.PatternType,
			Code:        p.Code,
			Description: p.Description,
			SuccessRate: p.SuccessRate,
		}
	}
	return hits, nil
}

func generationError(err error, role string) error {
	if errors.Is(err, errors.ErrGenerationFailure) {
		return errors.Wrapf(err, "%s", role)
	}
	return errors.Mark(err, errors.ErrGenerationFailure, "%s", role)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
