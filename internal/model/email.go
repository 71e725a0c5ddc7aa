// internal/model/email.go
package model

import (
	"fmt"
	"time"
)

const (
	StatusScheduled = "scheduled"
	StatusSent      = "sent"
	StatusFailed    = "failed"
)

// Email is one recipient's scheduled message and its delivery lifecycle.
// Status only moves forward: scheduled -> sent or scheduled -> failed.
type Email struct {
	ID             int64      `db:"id" json:"id"`
	UserID         int64      `db:"user_id" json:"user_id"`
	SenderEmail    string     `db:"sender_email" json:"sender_email"`
	RecipientEmail string     `db:"recipient_email" json:"recipient_email"`
	Subject        string     `db:"subject" json:"subject"`
	Body           string     `db:"body" json:"body"`
	Status         string     `db:"status" json:"status"`
	ScheduledFor   time.Time  `db:"scheduled_for" json:"scheduled_for"`
	SentAt         *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	ErrorMessage   string     `db:"error_message" json:"error_message,omitempty"`
	JobID          string     `db:"job_id" json:"job_id,omitempty"`
	Attempts       int        `db:"attempts" json:"attempts"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

func (e *Email) IsTerminal() bool {
	return e.Status == StatusSent || e.Status == StatusFailed
}

// JobIDFor is the queue task key for an email record.
func JobIDFor(emailID int64) string {
	return fmt.Sprintf("email-%d", emailID)
}
