// Package agent implements the role-specialized agents of the pipeline.
//
// Every agent wraps the same base Agent: an exclusively owned conversation
// memory, an immutable system prompt, a generation client, and shared
// references to the tool gateway and the knowledge store. Three roles build
// on it:
//
//   - Planner turns a request into a Plan with numbered subtasks, using the
//     best scored patterns of the knowledge store as context.
//   - Coder executes one subtask by streaming a generation, writes code
//     through the gateway, runs tests and records solutions.
//   - Learner evaluates task records, extracts reusable patterns, feeds task
//     outcomes back into pattern scores and keeps the run metrics.
//
// # Memory
//
// Think and ThinkStream append the input/response pair to memory only after
// the generation succeeded. A stream that fails, is cancelled, or is
// abandoned by the caller before it ends leaves memory untouched:
//
//	for chunk, err := range coder.ThinkStream(ctx, prompt) {
//	    if err != nil {
//	        return err
//	    }
//	    if enough(chunk) {
//	        break // nothing is committed
//	    }
//	}
//
// # Errors
//
// Generation errors carry errors.ErrGenerationFailure and knowledge store
// errors carry errors.ErrStorageUnavailable. Role operations that treat a
// failed generation as a task outcome (ExecuteTask, EvaluateTask,
// ExtractPattern) report it as data instead.
package agent
