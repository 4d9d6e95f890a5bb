package llm

import (
	"context"
	"iter"
	"strings"
	"sync"

	"github.com/m4xw311/agentforge/session"
)

// Mock is an offline client. By default it echoes the last user turn; set
// Respond to script replies. Streams split the reply after every space.
type Mock struct {
	// Respond produces the reply for a request.
	Respond func(Request) (string, error)
	// StreamErr, when set, is yielded after a stream's fragments.
	StreamErr error

	mu       sync.Mutex
	requests []Request
}

func NewMock() *Mock {
	return &Mock{}
}

// NewScriptedMock replies with replies in order, repeating the last one.
func NewScriptedMock(replies ...string) *Mock {
	m := &Mock{}
	var (
		mu sync.Mutex
		i  int
	)
	m.Respond = func(Request) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(replies) == 0 {
			return "", nil
		}
		r := replies[min(i, len(replies)-1)]
		i++
		return r, nil
	}
	return m
}

func (m *Mock) reply(req Request) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	respond := m.Respond
	m.mu.Unlock()

	if respond != nil {
		return respond(req)
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == session.RoleUser {
			return "mock response to: " + req.Messages[i].Content, nil
		}
	}
	return "mock response", nil
}

func (m *Mock) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.reply(req)
}

func (m *Mock) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		text, err := m.reply(req)
		if err != nil {
			yield("", err)
			return
		}
		for _, chunk := range strings.SplitAfter(text, " ") {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if chunk == "" {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
		if m.StreamErr != nil {
			yield("", m.StreamErr)
		}
	}
}

// Requests returns the requests seen so far.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}
