// Package session holds the conversation memory owned by a single agent.
package session

import "sync"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Memory is an append-only list of turns. It lives for the lifetime of its
// agent and is never written to disk.
type Memory struct {
	mu       sync.RWMutex
	messages []Message
}

func NewMemory() *Memory {
	return &Memory{}
}

// Append adds messages in order under a single lock, so a user/assistant
// pair is never split by a concurrent writer.
func (m *Memory) Append(msgs ...Message) {
	m.mu.Lock()
	m.messages = append(m.messages, msgs...)
	m.mu.Unlock()
}

// Messages returns a copy of the turns recorded so far.
func (m *Memory) Messages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

func (m *Memory) Clear() {
	m.mu.Lock()
	m.messages = nil
	m.mu.Unlock()
}
