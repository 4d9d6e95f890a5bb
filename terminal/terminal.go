package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/m4xw311/agentforge/agent"
	"github.com/m4xw311/agentforge/events"
	"github.com/m4xw311/agentforge/orchestrator"
)

const (
	prompt       = "agentforge> "
	patternLimit = 10
	previewLen   = 200
)

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
)

// Terminal is a REPL over one orchestrator.
type Terminal struct {
	orch  *orchestrator.Orchestrator
	in    io.Reader
	out   io.Writer
	color bool
}

// New reads from in and writes to out. Colors are enabled when out is a
// TTY.
func New(o *orchestrator.Orchestrator, in io.Reader, out io.Writer) *Terminal {
	t := &Terminal{orch: o, in: in, out: out}
	if f, ok := out.(*os.File); ok {
		t.color = term.IsTerminal(int(f.Fd()))
	}
	return t
}

// Run processes initialPrompt, if any, then reads lines until EOF or /quit.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	t.welcome()
	if initialPrompt != "" {
		t.request(ctx, initialPrompt)
	}

	scanner := bufio.NewScanner(t.in)
	for {
		fmt.Fprint(t.out, t.paint(ansiCyan, prompt))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := t.command(ctx, line); quit {
				break
			}
			continue
		}
		t.request(ctx, line)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return scanner.Err()
}

func (t *Terminal) welcome() {
	fmt.Fprintln(t.out, t.paint(ansiBold+ansiCyan, "AgentForge"))
	fmt.Fprintln(t.out, "Autonomous coding with self-learning capabilities. Type a task or /help.")
}

// command runs a slash command and reports whether the session should end.
func (t *Terminal) command(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "/quit", "/exit":
		fmt.Fprintln(t.out, "Goodbye!")
		return true
	case "/help":
		t.help()
	case "/plan":
		plan := t.orch.CurrentPlan()
		if plan == nil {
			fmt.Fprintln(t.out, t.paint(ansiYellow, "No active plan."))
			return false
		}
		t.showPlan(plan)
	case "/status":
		t.status(ctx)
	case "/learn":
		t.learn(ctx)
	case "/feedback":
		if arg == "" {
			t.error("usage: /feedback <text>")
			return false
		}
		t.orch.SubmitFeedback(ctx, arg)
		t.success("Feedback queued for the next request.")
	case "/clear":
		t.orch.ClearMemory()
		t.success("Conversation history cleared.")
	case "/report":
		report, err := t.orch.Report(ctx)
		if err != nil {
			t.error(err.Error())
			return false
		}
		fmt.Fprintln(t.out, report)
	default:
		t.error(fmt.Sprintf("unknown command %s (try /help)", name))
	}
	return false
}

func (t *Terminal) request(ctx context.Context, text string) {
	streaming := false
	res, err := t.orch.Run(ctx, text,
		orchestrator.WithChunkHandler(func(chunk string) {
			streaming = true
			fmt.Fprint(t.out, chunk)
		}),
		orchestrator.WithObserver(func(e events.Event) {
			if streaming && e.Type != events.TypeTaskChunk {
				fmt.Fprintln(t.out)
				streaming = false
			}
			t.observe(e)
		}),
	)
	if err != nil {
		t.error(err.Error())
		return
	}
	done := 0
	for _, rec := range res.Records {
		if rec.Success {
			done++
		}
	}
	t.success(fmt.Sprintf("%d/%d subtasks succeeded", done, len(res.Records)))
}

func (t *Terminal) observe(e events.Event) {
	switch e.Type {
	case events.TypePlanCreated, events.TypePlanRefined:
		if plan := t.orch.CurrentPlan(); plan != nil {
			t.showPlan(plan)
		}
	case events.TypeTaskStarted:
		fmt.Fprintf(t.out, "\n%s %s (%s)\n",
			t.paint(ansiBold+ansiYellow, fmt.Sprintf("Task %v/%v:", e.Data["step"], e.Data["total"])),
			e.Data["description"], t.paint(ansiCyan, fmt.Sprint(e.Data["complexity"])))
		fmt.Fprint(t.out, t.paint(ansiBold, "[coder] "))
	case events.TypeTaskCompleted:
		if ok, _ := e.Data["success"].(bool); ok {
			fmt.Fprintln(t.out, t.paint(ansiGreen, "✓ done"))
		} else {
			msg := fmt.Sprint(e.Data["error"])
			if msg == "" {
				msg = "task failed"
			}
			fmt.Fprintln(t.out, t.paint(ansiRed, "✗ "+msg))
		}
	case events.TypeTestsCompleted:
		if ok, _ := e.Data["passed"].(bool); !ok {
			fmt.Fprintln(t.out, t.paint(ansiRed, "tests failed"))
		}
	case events.TypePatternsStored:
		fmt.Fprintf(t.out, "%s Recorded %v new patterns in knowledge base\n", t.paint(ansiCyan, "[learning]"), e.Data["count"])
	}
}

func (t *Terminal) showPlan(plan *agent.Plan) {
	fmt.Fprintln(t.out, t.paint(ansiBold+ansiGreen, "Development Plan"))
	fmt.Fprintln(t.out, plan.Plan)
	if len(plan.RelevantPatterns) > 0 {
		fmt.Fprintln(t.out, t.paint(ansiBold, "\nRelevant Patterns:"))
		for _, p := range plan.RelevantPatterns {
			fmt.Fprintf(t.out, "  - %s: %s (%.0f%% success rate)\n", t.paint(ansiCyan, p.Type), p.Description, p.SuccessRate*100)
		}
	}
}

func (t *Terminal) status(ctx context.Context) {
	s := t.orch.Status()
	fmt.Fprintln(t.out, t.paint(ansiBold, "System Metrics"))
	fmt.Fprintf(t.out, "State: %s\n", s.State)
	if s.PlanID != "" {
		fmt.Fprintf(t.out, "Plan: %s (%d subtasks)\n", s.PlanID, s.Total)
	}
	fmt.Fprintf(t.out, "Queued feedback: %d\n", s.QueuedFeedback)
	fmt.Fprintf(t.out, "Total Tasks: %d\n", s.Metrics.TotalTasks)
	fmt.Fprintf(t.out, "Successful: %d\n", s.Metrics.SuccessfulTasks)
	fmt.Fprintf(t.out, "Success Rate: %.1f%%\n", s.Metrics.SuccessRate()*100)
	fmt.Fprintf(t.out, "Patterns Learned: %d\n", s.Metrics.PatternsLearned)

	st, ok, err := t.orch.KnowledgeStats(ctx)
	switch {
	case err != nil:
		t.error(err.Error())
	case ok:
		fmt.Fprintf(t.out, "Knowledge: %d patterns, %d solutions, %d preferences\n",
			st.Patterns, st.Solutions, st.Preferences)
	}
}

func (t *Terminal) learn(ctx context.Context) {
	patterns, err := t.orch.Knowledge(ctx, patternLimit+1)
	if err != nil {
		t.error(err.Error())
		return
	}
	if len(patterns) == 0 {
		fmt.Fprintln(t.out, t.paint(ansiYellow, "No patterns learned yet."))
		return
	}
	fmt.Fprintln(t.out, t.paint(ansiBold, "Learned Patterns:"))
	for i, p := range patterns {
		if i == patternLimit {
			fmt.Fprintln(t.out, "... and more")
			break
		}
		fmt.Fprintf(t.out, "%d. %s (%.0f%%, used %d times)\n   %s\n",
			i+1, t.paint(ansiBold, p.PatternType), p.SuccessRate*100, p.UsageCount, preview(p.Description))
	}
}

func (t *Terminal) help() {
	fmt.Fprint(t.out, `Commands:
  /plan             Show current development plan
  /status           Show system status and metrics
  /learn            Display learned patterns
  /feedback <text>  Provide feedback for the next request
  /clear            Clear conversation history
  /report           Show the learning report
  /help             Show this help message
  /quit             Exit

Examples:
  Create a user authentication system
  Fix the bug in api/users.py
  Add tests for the payment module
`)
}

func (t *Terminal) success(msg string) {
	fmt.Fprintln(t.out, t.paint(ansiGreen, "Success: ")+msg)
}

func (t *Terminal) error(msg string) {
	fmt.Fprintln(t.out, t.paint(ansiRed, "Error: ")+msg)
}

func (t *Terminal) paint(code, s string) string {
	if !t.color {
		return s
	}
	return code + s + ansiReset
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLen {
		return s
	}
	return string(r[:previewLen]) + "..."
}
