package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/agentforge/events"
	"github.com/m4xw311/agentforge/logging"
	"github.com/m4xw311/agentforge/orchestrator"
)

const protocolVersion = 1

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidParams  = -32602
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

// Conn carries whole JSON-RPC messages.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
}

// Runner runs one prompt, streaming the coder's output to onChunk and
// pipeline events to observe.
type Runner interface {
	Prompt(ctx context.Context, text string, onChunk func(string), observe func(events.Event)) error
}

// Pipeline runs prompts through an orchestrator.
func Pipeline(o *orchestrator.Orchestrator) Runner { return pipeline{o} }

type pipeline struct{ o *orchestrator.Orchestrator }

func (p pipeline) Prompt(ctx context.Context, text string, onChunk func(string), observe func(events.Event)) error {
	_, err := p.o.Run(ctx, text, orchestrator.WithChunkHandler(onChunk), orchestrator.WithObserver(observe))
	return err
}

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id,omitempty"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URI  string `json:"uri,omitempty"`
	Name string `json:"name,omitempty"`
}

type session struct {
	id     string
	cwd    string
	cancel context.CancelFunc
}

// Server holds the sessions of one connection.
type Server struct {
	runner Runner
	logger *slog.Logger

	conn    Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*session
	seq      int64
	wg       sync.WaitGroup
}

func NewServer(r Runner, logger *slog.Logger) *Server {
	return &Server{
		runner:   r,
		logger:   logging.Component(logger, "acp"),
		sessions: make(map[string]*session),
	}
}

// Serve reads requests from conn until it is closed or ctx ends. Prompts
// run concurrently with the read loop so session/cancel can reach them. A
// closed connection lets in-flight prompts finish; a read error or a done
// ctx cancels them.
func (s *Server) Serve(ctx context.Context, conn Conn) error {
	s.conn = conn
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
	}()

	type read struct {
		data []byte
		err  error
	}
	msgs := make(chan read)
	go func() {
		for {
			data, err := conn.ReadMessage()
			select {
			case msgs <- read{data, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		var m read
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m = <-msgs:
		}
		if m.err != nil {
			if isClosed(m.err) {
				s.logger.Debug("connection closed")
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("acp: read error: %w", m.err)
		}
		if len(strings.TrimSpace(string(m.data))) == 0 {
			continue
		}
		s.dispatch(ctx, m.data)
	}
}

func (s *Server) dispatch(ctx context.Context, payload []byte) {
	var req jsonrpcRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logger.Debug("unparsable message", "error", err)
		s.writeError(nil, codeParseError, "Parse error", nil)
		return
	}
	s.logger.Debug("request", "method", req.Method, "id", req.ID)

	switch req.Method {
	case "initialize":
		s.handleInitialize(&req)
	case "session/new":
		s.handleSessionNew(&req)
	case "session/prompt":
		s.handleSessionPrompt(ctx, &req)
	case "session/cancel":
		s.handleSessionCancel(&req)
	default:
		if req.ID != nil {
			s.writeError(req.ID, codeMethodNotFound, "Method not found", nil)
		}
	}
}

func (s *Server) handleInitialize(req *jsonrpcRequest) {
	s.writeResult(req.ID, map[string]any{
		"protocolVersion": protocolVersion,
		"agentCapabilities": map[string]any{
			"loadSession": false,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	})
}

func (s *Server) handleSessionNew(req *jsonrpcRequest) {
	var p struct {
		Cwd        string          `json:"cwd"`
		McpServers json.RawMessage `json:"mcpServers"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			s.writeError(req.ID, codeInvalidParams, "Invalid params", err.Error())
			return
		}
	}

	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("sess_%d_%d", time.Now().UnixNano(), s.seq)
	s.sessions[id] = &session{id: id, cwd: p.Cwd}
	s.mu.Unlock()

	s.logger.Info("session created", "session", id, "cwd", p.Cwd)
	s.writeResult(req.ID, map[string]any{"sessionId": id})
}

func (s *Server) handleSessionCancel(req *jsonrpcRequest) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[p.SessionID]
	var cancel context.CancelFunc
	if ok {
		cancel = sess.cancel
	}
	s.mu.Unlock()
	if cancel != nil {
		s.logger.Info("prompt cancelled", "session", p.SessionID)
		cancel()
	}
}

func (s *Server) handleSessionPrompt(ctx context.Context, req *jsonrpcRequest) {
	var p struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.writeError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	text := extractUserText(p.Prompt)
	if text == "" {
		s.writeError(req.ID, codeInvalidParams, "Invalid params", "prompt has no text")
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[p.SessionID]
	busy := ok && sess.cancel != nil
	var runCtx context.Context
	if ok && !busy {
		runCtx, sess.cancel = context.WithCancel(ctx)
	}
	s.mu.Unlock()
	switch {
	case !ok:
		s.writeError(req.ID, codeInvalidParams, "Invalid params", "unknown sessionId")
		return
	case busy:
		s.writeError(req.ID, codeInvalidParams, "Invalid params", "a prompt is already running in this session")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runPrompt(runCtx, req.ID, sess, text)
	}()
}

func (s *Server) runPrompt(ctx context.Context, id any, sess *session, text string) {
	defer func() {
		s.mu.Lock()
		if sess.cancel != nil {
			sess.cancel()
			sess.cancel = nil
		}
		s.mu.Unlock()
	}()

	p := &progress{server: s, sessionID: sess.id}
	err := s.runner.Prompt(ctx, text, func(chunk string) { s.sendAgentMessageChunk(sess.id, chunk) }, p.observe)
	switch {
	case ctx.Err() != nil:
		s.writeResult(id, map[string]any{"stopReason": "cancelled"})
	case err != nil:
		s.writeError(id, codeInternalError, "Internal error", err.Error())
	default:
		s.writeResult(id, map[string]any{"stopReason": "end_turn"})
	}
}

// progress translates pipeline events into session updates.
type progress struct {
	server    *Server
	sessionID string
	entries   []map[string]any
}

func (p *progress) observe(e events.Event) {
	switch e.Type {
	case events.TypeTaskStarted:
		step, _ := e.Data["step"].(int)
		total, _ := e.Data["total"].(int)
		if p.entries == nil {
			p.entries = make([]map[string]any, total)
			for i := range p.entries {
				p.entries[i] = map[string]any{"content": fmt.Sprintf("Task %d", i+1), "priority": "medium", "status": "pending"}
			}
		}
		if step >= 1 && step <= len(p.entries) {
			p.entries[step-1]["content"] = e.Data["description"]
			p.entries[step-1]["priority"] = priority(fmt.Sprint(e.Data["complexity"]))
			p.entries[step-1]["status"] = "in_progress"
		}
		p.sendPlan()
		p.server.sendAgentMessageChunk(p.sessionID, fmt.Sprintf("\n### Task %d/%d: %v\n", step, total, e.Data["description"]))
	case events.TypeTaskCompleted:
		for _, entry := range p.entries {
			if entry["status"] == "in_progress" {
				entry["status"] = "completed"
			}
		}
		p.sendPlan()
		if ok, _ := e.Data["success"].(bool); !ok {
			p.server.sendAgentMessageChunk(p.sessionID, fmt.Sprintf("\nTask failed: %v\n", e.Data["error"]))
		}
	}
}

func (p *progress) sendPlan() {
	p.server.writeNotification("session/update", map[string]any{
		"sessionId": p.sessionID,
		"update": map[string]any{
			"sessionUpdate": "plan",
			"entries":       p.entries,
		},
	})
}

func priority(complexity string) string {
	switch complexity {
	case "high":
		return "high"
	case "low":
		return "low"
	default:
		return "medium"
	}
}

func (s *Server) sendAgentMessageChunk(sessionID, text string) {
	s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content": map[string]any{
				"type": "text",
				"text": text,
			},
		},
	})
}

func (s *Server) write(obj any) {
	data, err := json.Marshal(obj)
	if err != nil {
		s.logger.Error("failed to serialize message", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(data); err != nil {
		s.logger.Warn("write failed", "error", err)
	}
}

func (s *Server) writeResult(id, result any) {
	s.write(jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeError(id any, code int, msg string, data any) {
	s.write(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg, Data: data},
	})
}

// Notifications have no id.
func (s *Server) writeNotification(method string, params any) {
	s.write(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

func extractUserText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch {
		case b.Type == "text" && strings.TrimSpace(b.Text) != "":
			parts = append(parts, b.Text)
		case b.Type == "resource_link" && b.URI != "":
			parts = append(parts, fmt.Sprintf("[%s](%s)", b.Name, b.URI))
		}
	}
	return strings.Join(parts, "\n")
}
