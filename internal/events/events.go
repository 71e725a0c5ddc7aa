// Package events announces email lifecycle changes to other systems.
package events

import (
	"context"
	"sync"
	"time"
)

type Type string

const (
	EmailScheduled    Type = "email.scheduled"
	EmailSent         Type = "email.sent"
	EmailFailed       Type = "email.failed"
	EmailDeadLettered Type = "email.deadlettered"
	EmailRateLimited  Type = "email.rate_limited"
)

// Event is the JSON body published for every lifecycle change.
type Event struct {
	Type      Type      `json:"type"`
	EmailID   int64     `json:"email_id"`
	UserID    int64     `json:"user_id,omitempty"`
	Sender    string    `json:"sender,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers events. Callers treat failures as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
