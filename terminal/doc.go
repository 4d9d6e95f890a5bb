// Package terminal implements the interactive command-line mode.
//
// Free text is sent through the orchestrator pipeline; the plan, each
// subtask and the coder's streamed output are printed as they happen.
// Lines starting with "/" are commands:
//
//	/plan            show the current plan
//	/status          show pipeline state and learner metrics
//	/learn           list the best learned patterns
//	/feedback <text> queue feedback for the next request
//	/clear           forget every agent's conversation
//	/report          print the learner's report
//	/help            list commands
//	/quit, /exit     leave
//
// ANSI colors are used only when the output is a terminal.
package terminal
