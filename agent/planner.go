package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const plannerPrompt = `You are a Planning Agent for software development tasks.

Your responsibilities:
1. Understand user requirements deeply
2. Search knowledge base for similar past tasks
3. Break down complex tasks into clear, actionable subtasks
4. Identify dependencies between subtasks
5. Estimate complexity for each subtask
6. Identify potential risks and edge cases

Format your plans as:
- Main goal: [clear description]
- Subtasks:
  1. [task description] (complexity: low/medium/high)
  2. [task description] (complexity: low/medium/high)
  ...
- Dependencies: [what must be done first]
- Risks: [potential issues]

Always consider past solutions from the knowledge base.`

type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Task is one subtask of a plan.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Complexity  Complexity `json:"complexity"`
}

// Plan is the Planner's answer to a request.
type Plan struct {
	ID               string         `json:"id"`
	Request          string         `json:"request"`
	Plan             string         `json:"plan"`
	RelevantPatterns []KnowledgeHit `json:"relevant_patterns,omitempty"`
	Subtasks         []Task         `json:"subtasks"`
	Refined          bool           `json:"refined"`
}

// PatternIDs lists the ids of the patterns the plan was built on.
func (p *Plan) PatternIDs() []int64 {
	ids := make([]int64, len(p.RelevantPatterns))
	for i, h := range p.RelevantPatterns {
		ids[i] = h.ID
	}
	return ids
}

type Planner struct {
	*Agent
}

func NewPlanner(d Deps) *Planner {
	return &Planner{Agent: New("planner", plannerPrompt, d)}
}

// CreatePlan asks for a plan with the best known patterns as context. A
// knowledge store failure aborts before anything is generated.
func (p *Planner) CreatePlan(ctx context.Context, request string) (*Plan, error) {
	hits, err := p.SearchKnowledge(ctx, request)
	if err != nil {
		return nil, err
	}

	var extra string
	if len(hits) > 0 {
		var b strings.Builder
		b.WriteString("\n\nRelevant past patterns:\n")
		for _, h := range hits {
			fmt.Fprintf(&b, "- %s: %s (success rate: %.0f%%)\n", h.Type, h.Description, h.SuccessRate*100)
		}
		extra = b.String()
	}

	prompt := fmt.Sprintf(`Create a detailed development plan for: %s
%s
Consider best practices and potential issues. Be thorough but practical.`, request, extra)

	text, err := p.Think(ctx, prompt)
	if err != nil {
		return nil, err
	}
	p.logger.Info("plan created", "request", truncate(request, 80))

	return &Plan{
		ID:               uuid.NewString(),
		Request:          request,
		Plan:             text,
		RelevantPatterns: hits,
		Subtasks:         ParseSubtasks(text),
	}, nil
}

// RefinePlan returns a copy of plan rewritten to address feedback.
func (p *Planner) RefinePlan(ctx context.Context, plan *Plan, feedback string) (*Plan, error) {
	prompt := fmt.Sprintf(`Refine this plan based on feedback:

Current Plan:
%s

Feedback:
%s

Update the plan to address the feedback.`, plan.Plan, feedback)

	text, err := p.Think(ctx, prompt)
	if err != nil {
		return nil, err
	}

	refined := *plan
	refined.Plan = text
	refined.Refined = true
	refined.Subtasks = ParseSubtasks(text)
	return &refined, nil
}

var (
	numberedLine   = regexp.MustCompile(`^\d+\.\s*`)
	complexityNote = regexp.MustCompile(`(?i)\s*\(complexity:\s*(low|medium|high)\)`)
)

// ParseSubtasks turns every line starting with "<n>." into a task. A plan
// without numbered lines becomes a single high-complexity task.
func ParseSubtasks(plan string) []Task {
	var tasks []Task
	for _, line := range strings.Split(plan, "\n") {
		line = strings.TrimSpace(line)
		if !numberedLine.MatchString(line) {
			continue
		}
		text := numberedLine.ReplaceAllString(line, "")

		complexity := InferComplexity(text)
		if m := complexityNote.FindStringSubmatch(text); m != nil {
			complexity = Complexity(strings.ToLower(m[1]))
			text = strings.TrimSpace(complexityNote.ReplaceAllString(text, ""))
		}
		tasks = append(tasks, Task{
			ID:          fmt.Sprintf("task_%d", len(tasks)+1),
			Description: text,
			Complexity:  complexity,
		})
	}
	if len(tasks) == 0 {
		tasks = append(tasks, Task{
			ID:          "task_1",
			Description: "Execute plan as described",
			Complexity:  ComplexityHigh,
		})
	}
	return tasks
}

// InferComplexity guesses a task's complexity from keywords.
func InferComplexity(text string) Complexity {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "complex"), strings.Contains(lower, "system"), strings.Contains(lower, "integration"):
		return ComplexityHigh
	case strings.Contains(lower, "implement"), strings.Contains(lower, "create"):
		return ComplexityMedium
	default:
		return ComplexityLow
	}
}
