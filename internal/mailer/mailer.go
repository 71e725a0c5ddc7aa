// Package mailer is the outbound send capability. Senders never return an
// error; every outcome is a Result the dispatcher acts on.
package mailer

import (
	"context"

	appErrors "github.com/unclebandit/email-scheduler/internal/errors"
)

type Kind int

const (
	Success Kind = iota
	TransientFailure
	PermanentFailure
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Result is the outcome of one send attempt.
type Result struct {
	Kind   Kind
	Reason string
}

func Delivered() Result             { return Result{Kind: Success} }
func Transient(reason string) Result { return Result{Kind: TransientFailure, Reason: reason} }
func Permanent(reason string) Result { return Result{Kind: PermanentFailure, Reason: reason} }

// Err converts a failed Result into the matching typed error.
func (r Result) Err() error {
	switch r.Kind {
	case TransientFailure:
		return appErrors.NewTransientSend(r.Reason)
	case PermanentFailure:
		return appErrors.NewPermanentSend(r.Reason)
	default:
		return nil
	}
}

// Message is what gets delivered for one email record.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
	// ID is carried into the Message-Id header for tracing.
	ID string
}

type Sender interface {
	Send(ctx context.Context, msg Message) Result
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) Result

func (f SenderFunc) Send(ctx context.Context, msg Message) Result { return f(ctx, msg) }
