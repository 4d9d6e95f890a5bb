// Package acp serves the pipeline over the Agent Client Protocol, so
// editors such as Zed can drive it.
//
// Messages are newline-delimited JSON-RPC 2.0 objects, exchanged over stdio
// or over a websocket (one message per text frame). Supported methods:
//
//   - initialize: protocol version and agent capabilities
//   - session/new: creates a session and returns its id
//   - session/prompt: runs the prompt through the orchestrator
//   - session/cancel (notification): cancels the session's running prompt
//
// While a prompt runs the server emits session/update notifications: a
// "plan" update listing the subtasks with their status, and
// "agent_message_chunk" updates carrying the coder's streamed output.
package acp
