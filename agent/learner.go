package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/m4xw311/agentforge/errors"
	"github.com/m4xw311/agentforge/knowledge"
)

const learnerPrompt = `You are a Learning Agent that improves the system over time.

Your responsibilities:
1. Analyze completed tasks and their outcomes
2. Extract successful patterns and anti-patterns
3. Identify what worked well and what didn't
4. Update the knowledge base with new learnings
5. Suggest improvements to agent behavior
6. Track performance metrics

Focus on:
- Code patterns that work well
- Common mistakes to avoid
- User preferences
- Performance optimization opportunities

Be analytical and data-driven.`

const (
	evaluationOutputLimit = 500
	extractionOutputLimit = 1000
	performanceLimit      = 1000

	// healthyRate is the success rate above which a report calls the
	// system healthy.
	healthyRate = 0.7
)

// Metrics are the Learner's running counters.
type Metrics struct {
	TotalTasks      int `json:"total_tasks"`
	SuccessfulTasks int `json:"successful_tasks"`
	PatternsLearned int `json:"patterns_learned"`
}

func (m Metrics) SuccessRate() float64 {
	if m.TotalTasks == 0 {
		return 0
	}
	return float64(m.SuccessfulTasks) / float64(m.TotalTasks)
}

type Evaluation struct {
	TaskID  string  `json:"task_id"`
	Text    string  `json:"evaluation"`
	Success bool    `json:"success"`
	Metrics Metrics `json:"metrics"`
}

type ExtractedPattern struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Complexity  string `json:"complexity"`
}

type PatternSet struct {
	Patterns []ExtractedPattern `json:"patterns"`
}

type FeedbackResult struct {
	Feedback string `json:"feedback"`
	Analysis string `json:"analysis"`
	Action   string `json:"action"`
}

type Learner struct {
	*Agent

	mu      sync.Mutex
	counter Metrics
}

func NewLearner(d Deps) *Learner {
	return &Learner{Agent: New("learner", learnerPrompt, d)}
}

// Metrics returns a snapshot of the counters.
func (l *Learner) Metrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counter
}

// EvaluateTask counts rec before asking for an assessment, so the counters
// move even when the generation fails.
func (l *Learner) EvaluateTask(ctx context.Context, rec *TaskRecord) (*Evaluation, error) {
	l.mu.Lock()
	l.counter.TotalTasks++
	if rec.Success {
		l.counter.SuccessfulTasks++
	}
	snapshot := l.counter
	l.mu.Unlock()

	prompt := fmt.Sprintf(`Evaluate this completed task:

Task: %s
Success: %t
Output: %s

Analyze:
1. What went well?
2. What could be improved?
3. Any patterns worth remembering?
4. Quality assessment (1-10)`, rec.Task.Description, rec.Success, truncate(rec.Output, evaluationOutputLimit))

	text, err := l.Think(ctx, prompt, WithoutMemory())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		text = "Evaluation failed: " + err.Error()
	}
	return &Evaluation{
		TaskID:  rec.Task.ID,
		Text:    text,
		Success: rec.Success,
		Metrics: snapshot,
	}, nil
}

// ExtractPattern asks for reusable patterns in a successful record. Failed
// records, generation failures and unparsable answers all report false.
func (l *Learner) ExtractPattern(ctx context.Context, rec *TaskRecord) (*PatternSet, bool) {
	if rec == nil || !rec.Success {
		return nil, false
	}
	prompt := fmt.Sprintf(`Extract reusable code patterns from this successful task:

Task: %s
Output: %s

Identify:
- Reusable code snippets
- Design patterns used
- Best practices followed

Return as JSON: {"patterns": [{"type": "...", "code": "...", "description": "...", "complexity": "..."}]}`,
		rec.Task.Description, truncate(rec.Output, extractionOutputLimit))

	text, err := l.Think(ctx, prompt, WithoutMemory())
	if err != nil {
		l.logger.Warn("pattern extraction failed", "task", rec.Task.ID, "error", err)
		return nil, false
	}
	set, err := parsePatternSet(text)
	if err != nil {
		l.logger.Debug("no pattern set in response", "task", rec.Task.ID, "error", err)
		return nil, false
	}

	l.mu.Lock()
	l.counter.PatternsLearned += len(set.Patterns)
	l.mu.Unlock()
	l.metrics.RecordPatternsLearned(len(set.Patterns))
	return set, true
}

// parsePatternSet decodes the first JSON object in text. Surrounding prose
// and code fences are ignored.
func parsePatternSet(text string) (*PatternSet, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, errors.Mark(errors.New("no JSON object"), errors.ErrParseFailure, "pattern set")
	}
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(bytes.NewReader([]byte(text[start:]))).Decode(&raw); err != nil {
		return nil, errors.Mark(err, errors.ErrParseFailure, "pattern set")
	}
	patterns, ok := raw["patterns"]
	if !ok {
		return nil, errors.Mark(errors.New(`missing "patterns"`), errors.ErrParseFailure, "pattern set")
	}
	set := &PatternSet{}
	if err := json.Unmarshal(patterns, &set.Patterns); err != nil {
		return nil, errors.Mark(err, errors.ErrParseFailure, "pattern set")
	}
	return set, nil
}

// SuggestImprovements asks for improvements given the Learner's own
// counters plus the caller's performance data, and keeps only the numbered
// lines of the answer.
func (l *Learner) SuggestImprovements(ctx context.Context, performance map[string]any) ([]string, error) {
	data, err := json.MarshalIndent(performance, "", "  ")
	if err != nil {
		return nil, err
	}
	m := l.Metrics()
	prompt := fmt.Sprintf(`Analyze system performance and suggest improvements:

Total Tasks: %d
Success Rate: %.1f%%
Patterns Learned: %d

Recent Performance:
%s

Suggest 3-5 concrete improvements to:
1. Increase success rate
2. Better utilize knowledge base
3. Improve code quality
4. Speed up execution

Provide actionable suggestions.`, m.TotalTasks, m.SuccessRate()*100, m.PatternsLearned,
		truncate(string(data), performanceLimit))

	text, err := l.Think(ctx, prompt, WithoutMemory())
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line)[0]; unicode.IsDigit(r) {
			out = append(out, line)
		}
	}
	return out, nil
}

// GenerateReport renders the counters and the current suggestions.
func (l *Learner) GenerateReport(ctx context.Context) (string, error) {
	m := l.Metrics()
	suggestions, err := l.SuggestImprovements(ctx, map[string]any{
		"successful_tasks": m.SuccessfulTasks,
	})
	if err != nil {
		return "", err
	}

	status := "Needs Improvement"
	if m.SuccessRate() > healthyRate {
		status = "Healthy"
	}

	var b strings.Builder
	b.WriteString("# Learning Agent Report\n\n## Metrics\n")
	fmt.Fprintf(&b, "- Total Tasks: %d\n", m.TotalTasks)
	fmt.Fprintf(&b, "- Successful: %d\n", m.SuccessfulTasks)
	fmt.Fprintf(&b, "- Success Rate: %.1f%%\n", m.SuccessRate()*100)
	fmt.Fprintf(&b, "- Patterns Learned: %d\n", m.PatternsLearned)
	b.WriteString("\n## Suggestions for Improvement\n")
	for _, s := range suggestions {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\n## Status\n%s\n", status)
	return b.String(), nil
}

// ImproveFromFeedback analyses user feedback and keeps it as a preference.
func (l *Learner) ImproveFromFeedback(ctx context.Context, feedback string) (*FeedbackResult, error) {
	prompt := fmt.Sprintf(`User provided this feedback:

%s

How should we adjust our behavior?
- What to change in planning?
- What to change in coding?
- What to remember for future tasks?`, feedback)

	text, err := l.Think(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if _, err := l.kb.SetPreference(ctx, knowledge.SetPreferenceParams{
		PreferenceType: "user_feedback",
		Value:          feedback,
		Confidence:     1.0,
	}); err != nil {
		return nil, err
	}
	return &FeedbackResult{
		Feedback: feedback,
		Analysis: text,
		Action:   "Feedback incorporated into learning",
	}, nil
}

// RecordOutcome feeds a task outcome back into every pattern the plan
// relied on.
func (l *Learner) RecordOutcome(ctx context.Context, patternIDs []int64, success bool) error {
	for _, id := range patternIDs {
		if err := l.kb.UpdatePatternSuccess(ctx, id, success); err != nil {
			return err
		}
		l.metrics.RecordPatternUpdate(success)
	}
	return nil
}
