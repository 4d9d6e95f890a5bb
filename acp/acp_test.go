package acp

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4xw311/agentforge/events"
	"github.com/m4xw311/agentforge/logging"
)

// scriptedRunner replays a one-task pipeline, or blocks until cancelled.
type scriptedRunner struct {
	block bool
	err   error
	got   []string
}

func (r *scriptedRunner) Prompt(ctx context.Context, text string, onChunk func(string), observe func(events.Event)) error {
	r.got = append(r.got, text)
	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	observe(events.New(events.TypeTaskStarted, "r", map[string]any{
		"step": 1, "total": 1, "description": "Write hello", "complexity": "low",
	}))
	onChunk("hello ")
	onChunk("world")
	observe(events.New(events.TypeTaskCompleted, "r", map[string]any{"success": true, "error": ""}))
	return nil
}

type message struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *jsonrpcError   `json:"error"`
	Params struct {
		SessionID string `json:"sessionId"`
		Update    struct {
			SessionUpdate string           `json:"sessionUpdate"`
			Content       map[string]any   `json:"content"`
			Entries       []map[string]any `json:"entries"`
		} `json:"update"`
	} `json:"params"`
}

func serveStdio(t *testing.T, r Runner, input string) []message {
	t.Helper()
	var out bytes.Buffer
	srv := NewServer(r, logging.Discard())
	require.NoError(t, srv.Serve(context.Background(), NewStdioConn(strings.NewReader(input), &out)))

	var msgs []message
	dec := json.NewDecoder(&out)
	for {
		var m message
		if err := dec.Decode(&m); err == io.EOF {
			break
		} else {
			require.NoError(t, err)
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func TestServe_InitializeAndUnknownMethod(t *testing.T) {
	msgs := serveStdio(t, &scriptedRunner{}, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1}}
not json
{"jsonrpc":"2.0","id":2,"method":"session/load","params":{}}
`)
	require.Len(t, msgs, 3)

	var init struct {
		ProtocolVersion int `json:"protocolVersion"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Result, &init))
	assert.Equal(t, 1, init.ProtocolVersion)

	require.NotNil(t, msgs[1].Error)
	assert.Equal(t, codeParseError, msgs[1].Error.Code)
	require.NotNil(t, msgs[2].Error)
	assert.Equal(t, codeMethodNotFound, msgs[2].Error.Code)
}

func TestServe_PromptStreamsUpdates(t *testing.T) {
	runner := &scriptedRunner{}
	var out bytes.Buffer
	srv := NewServer(runner, logging.Discard())
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), NewStdioConn(pr, &out)) }()

	write := func(s string) {
		_, err := pw.Write([]byte(s + "\n"))
		require.NoError(t, err)
	}
	write(`{"jsonrpc":"2.0","id":1,"method":"session/new","params":{"cwd":"/tmp","mcpServers":[]}}`)
	sid := waitForSession(t, srv)
	write(`{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"` + sid + `","prompt":[{"type":"text","text":"say hello"}]}}`)
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)

	assert.Equal(t, []string{"say hello"}, runner.got)

	var (
		text  strings.Builder
		plans int
		stop  string
	)
	dec := json.NewDecoder(strings.NewReader(out.String()))
	for dec.More() {
		var m message
		require.NoError(t, dec.Decode(&m))
		switch {
		case m.Method == "session/update" && m.Params.Update.SessionUpdate == "agent_message_chunk":
			assert.Equal(t, sid, m.Params.SessionID)
			text.WriteString(m.Params.Update.Content["text"].(string))
		case m.Method == "session/update" && m.Params.Update.SessionUpdate == "plan":
			plans++
			require.Len(t, m.Params.Update.Entries, 1)
			assert.Equal(t, "Write hello", m.Params.Update.Entries[0]["content"])
			assert.Equal(t, "low", m.Params.Update.Entries[0]["priority"])
		case m.ID == float64(2):
			var res struct {
				StopReason string `json:"stopReason"`
			}
			require.NoError(t, json.Unmarshal(m.Result, &res))
			stop = res.StopReason
		}
	}
	assert.Equal(t, "\n### Task 1/1: Write hello\nhello world", text.String())
	assert.Equal(t, 2, plans)
	assert.Equal(t, "end_turn", stop)
}

func TestServe_PromptErrors(t *testing.T) {
	msgs := serveStdio(t, &scriptedRunner{}, `{"jsonrpc":"2.0","id":1,"method":"session/prompt","params":{"sessionId":"nope","prompt":[{"type":"text","text":"x"}]}}
{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"nope","prompt":[]}}
`)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		require.NotNil(t, m.Error)
		assert.Equal(t, codeInvalidParams, m.Error.Code)
	}
}

func TestServe_RunFailureIsInternalError(t *testing.T) {
	runner := &scriptedRunner{err: stderrors.New("storage unavailable")}
	srv := NewServer(runner, logging.Discard())
	var out bytes.Buffer
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), NewStdioConn(pr, &out)) }()

	pw.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"session/new","params":{}}` + "\n"))
	sid := waitForSession(t, srv)
	pw.Write([]byte(`{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"` + sid + `","prompt":[{"type":"text","text":"x"}]}}` + "\n"))
	pw.Close()
	require.NoError(t, <-done)

	assert.Contains(t, out.String(), `"code":-32603`)
	assert.Contains(t, out.String(), "storage unavailable")
}

func TestServe_CancelStopsPrompt(t *testing.T) {
	runner := &scriptedRunner{block: true}
	srv := NewServer(runner, logging.Discard())
	var out bytes.Buffer
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), NewStdioConn(pr, &out)) }()

	pw.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"session/new","params":{}}` + "\n"))
	sid := waitForSession(t, srv)
	pw.Write([]byte(`{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"` + sid + `","prompt":[{"type":"text","text":"x"}]}}` + "\n"))
	pw.Write([]byte(`{"jsonrpc":"2.0","method":"session/cancel","params":{"sessionId":"` + sid + `"}}` + "\n"))
	pw.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("prompt was not cancelled")
	}
	assert.Contains(t, out.String(), `"stopReason":"cancelled"`)
}

func TestWebSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts := httptest.NewServer(WebSocketHandler(ctx, &scriptedRunner{}, logging.Discard()))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":7,"method":"session/new","params":{}}`)))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var m message
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, float64(7), m.ID)
	assert.Contains(t, string(m.Result), "sessionId")
}

func TestExtractUserText(t *testing.T) {
	got := extractUserText([]contentBlock{
		{Type: "text", Text: "fix"},
		{Type: "text", Text: "  "},
		{Type: "image"},
		{Type: "resource_link", Name: "main.go", URI: "file:///main.go"},
	})
	assert.Equal(t, "fix\n[main.go](file:///main.go)", got)
}

func waitForSession(t *testing.T, s *Server) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for id := range s.sessions {
			s.mu.Unlock()
			return id
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session was not created")
	return ""
}
