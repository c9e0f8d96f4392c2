// Package events publishes engine lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vinayprograms/agentkit/logging"
)

// Type is the lifecycle transition an event reports.
type Type string

const (
	TaskStarted   Type = "started"
	TaskSuspended Type = "suspended"
	TaskResumed   Type = "resumed"
	TaskCompleted Type = "completed"
	TaskFailed    Type = "failed"
	TaskCancelled Type = "cancelled"
)

// Event is one published transition.
type Event struct {
	Type      Type      `json:"type"`
	Session   string    `json:"session,omitempty"`
	Task      string    `json:"task,omitempty"`
	Stage     string    `json:"stage"`
	Step      string    `json:"step,omitempty"`
	Question  string    `json:"question,omitempty"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers events. Publishing is best effort: a failure never
// changes the engine's state.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Subject returns the subject an event of type t is published on.
func Subject(prefix string, t Type) string {
	return fmt.Sprintf("%s.task.%s", prefix, t)
}

// NATSPublisher publishes events as JSON on NATS subjects
// <prefix>.task.<type>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

// NewNATSPublisher connects to the server at url. name identifies the
// connection to the server.
func NewNATSPublisher(url, prefix, name string) (*NATSPublisher, error) {
	if prefix == "" {
		prefix = "specpilot"
	}
	if name == "" {
		name = "specpilot"
	}
	logger := logging.New().WithComponent("events")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", map[string]interface{}{"error": err.Error()})
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", map[string]interface{}{"url": c.ConnectedUrl()})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	subject := Subject(p.prefix, e.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	p.logger.Debug("event published", map[string]interface{}{"subject": subject})
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// Memory keeps published events in memory. Adapters use it to expose
// recent activity; tests use it to assert on transitions.
type Memory struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemory keeps at most limit events; 0 keeps everything.
func NewMemory(limit int) *Memory {
	return &Memory{limit: limit}
}

// Publish implements Publisher.
func (m *Memory) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	m.events = append(m.events, e)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = append([]Event(nil), m.events[len(m.events)-m.limit:]...)
	}
	return nil
}

// Events returns the recorded events, oldest first.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Types returns the recorded event types, oldest first.
func (m *Memory) Types() []Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Type, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

// Close implements Publisher.
func (m *Memory) Close() error { return nil }

// Multi fans events out to several publishers and returns the first error.
type Multi []Publisher

// Publish implements Publisher.
func (ps Multi) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range ps {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close implements Publisher.
func (ps Multi) Close() error {
	var first error
	for _, p := range ps {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
