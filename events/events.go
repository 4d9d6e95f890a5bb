// Package events carries pipeline progress out of the orchestrator.
//
// A Bus fans every Event out to its sinks (structured log, NATS, Redis) and
// to in-process subscribers such as the terminal and the ACP server. Sink
// failures are logged and never reach the publisher.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/agentforge/logging"
)

// Type names a kind of event.
type Type string

const (
	TypeRunStarted      Type = "run.started"
	TypeRunCompleted    Type = "run.completed"
	TypeRunFailed       Type = "run.failed"
	TypeStateChanged    Type = "state.changed"
	TypePlanCreated     Type = "plan.created"
	TypePlanRefined     Type = "plan.refined"
	TypeTaskStarted     Type = "task.started"
	TypeTaskChunk       Type = "task.chunk"
	TypeTaskCompleted   Type = "task.completed"
	TypeTestsCompleted  Type = "tests.completed"
	TypeTaskEvaluated   Type = "task.evaluated"
	TypePatternsStored  Type = "patterns.stored"
	TypeFeedbackQueued  Type = "feedback.queued"
	TypeFeedbackApplied Type = "feedback.applied"
)

type Event struct {
	ID    string         `json:"id"`
	Type  Type           `json:"type"`
	Time  time.Time      `json:"time"`
	RunID string         `json:"run_id,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// New stamps an event with an id and the current time.
func New(typ Type, runID string, data map[string]any) Event {
	return Event{
		ID:    uuid.NewString(),
		Type:  typ,
		Time:  time.Now().UTC(),
		RunID: runID,
		Data:  data,
	}
}

// Sink is a destination for events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

const defaultSubscriberBuffer = 256

type subscriber struct {
	ch     chan Event
	filter func(Event) bool
}

// Bus delivers events to sinks and subscribers. A subscriber that is not
// keeping up loses events rather than stalling the pipeline.
type Bus struct {
	mu     sync.RWMutex
	sinks  []Sink
	subs   map[int]*subscriber
	nextID int
	closed bool
	logger *slog.Logger
}

func NewBus(logger *slog.Logger, sinks ...Sink) *Bus {
	return &Bus{
		sinks:  sinks,
		subs:   make(map[int]*subscriber),
		logger: logging.Component(logger, "events"),
	}
}

// AddSink attaches another sink.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish is safe on a nil Bus.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.sinks {
		if err := s.Publish(ctx, e); err != nil {
			b.logger.Warn("event sink failed", "type", e.Type, "error", err)
		}
	}
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.logger.Debug("subscriber lagging, event dropped", "type", e.Type)
		}
	}
}

// Subscribe returns a channel of events accepted by filter (nil accepts
// all) and a function that cancels the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int, filter func(Event) bool) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer), filter: filter}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.closed {
		close(sub.ch)
	} else {
		b.subs[id] = sub
	}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

// OfRun accepts only the events of one run.
func OfRun(runID string) func(Event) bool {
	return func(e Event) bool { return e.RunID == runID }
}

// Close closes every sink and subscriber channel.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	var firstErr error
	for _, s := range b.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
