// Package events provides in-process fan-out of fleet events to live subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/fleet/internal/models"
)

// Type identifies what happened.
type Type string

const (
	// JobTransitioned is published for every committed job status change.
	JobTransitioned Type = "job.transitioned"
	// AssignmentLost is published when drift recovery takes a job back from a node.
	AssignmentLost Type = "node.assignment_lost"
	// StrayExecution is published when a node reports a job it was not assigned.
	StrayExecution Type = "node.stray_execution"
)

// Event is a single fleet occurrence.
type Event struct {
	Type      Type             `json:"type"`
	JobID     *uuid.UUID       `json:"job_id,omitempty"`
	NodeID    *uuid.UUID       `json:"node_id,omitempty"`
	From      models.JobStatus `json:"from,omitempty"`
	To        models.JobStatus `json:"to,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Publisher accepts events. Publishing never blocks.
type Publisher interface {
	Publish(ev Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Filter narrows a subscription. Zero values match everything.
type Filter struct {
	Types  []Type
	JobID  *uuid.UUID
	NodeID *uuid.UUID
}

func (f Filter) matches(ev Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == ev.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.JobID != nil && !models.SameID(f.JobID, ev.JobID) {
		return false
	}
	if f.NodeID != nil && !models.SameID(f.NodeID, ev.NodeID) {
		return false
	}
	return true
}

// Subscriber represents an event stream subscriber.
type Subscriber struct {
	ID        uuid.UUID
	Filter    Filter
	Ch        chan Event
	CreatedAt time.Time
}

// Broker manages subscriptions and publishing.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]*Subscriber
	buffer      int
	logger      *slog.Logger
}

// NewBroker creates a new event broker. buffer is the per-subscriber channel size.
func NewBroker(buffer int, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 100
	}
	return &Broker{
		subscribers: make(map[uuid.UUID]*Subscriber),
		buffer:      buffer,
		logger:      logger.With("component", "events"),
	}
}

// Subscribe creates a new subscription.
func (b *Broker) Subscribe(filter Filter) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:        uuid.New(),
		Filter:    filter,
		Ch:        make(chan Event, b.buffer),
		CreatedAt: time.Now(),
	}
	b.subscribers[sub.ID] = sub
	b.logger.Debug("subscriber added", "subscriber_id", sub.ID)
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[sub.ID]; exists {
		close(sub.Ch)
		delete(b.subscribers, sub.ID)
		b.logger.Debug("subscriber removed", "subscriber_id", sub.ID)
	}
}

// Publish sends an event to all matching subscribers. Slow subscribers miss events.
func (b *Broker) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.Filter.matches(ev) {
			continue
		}
		select {
		case sub.Ch <- ev:
		default:
			b.logger.Warn("subscriber channel full, dropping event",
				"subscriber_id", sub.ID,
				"type", ev.Type,
			)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
