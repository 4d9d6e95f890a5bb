package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemory_AppendAndSnapshot(t *testing.T) {
	m := NewMemory()
	m.Append(Message{Role: RoleUser, Content: "hi"}, Message{Role: RoleAssistant, Content: "hello"})

	snap := m.Messages()
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, RoleUser, snap[0].Role)

	// Mutating the snapshot leaves memory alone.
	snap[0].Content = "changed"
	assert.Equal(t, "hi", m.Messages()[0].Content)

	m.Clear()
	assert.Zero(t, m.Len())
	assert.Empty(t, m.Messages())
}

func TestMemory_ConcurrentPairsStayAdjacent(t *testing.T) {
	m := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Append(Message{Role: RoleUser, Content: "q"}, Message{Role: RoleAssistant, Content: "a"})
		}()
	}
	wg.Wait()

	msgs := m.Messages()
	assert.Len(t, msgs, 100)
	for i := 0; i < len(msgs); i += 2 {
		assert.Equal(t, RoleUser, msgs[i].Role)
		assert.Equal(t, RoleAssistant, msgs[i+1].Role)
	}
}
