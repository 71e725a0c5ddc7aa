// internal/model/batch.go
package model

import "time"

// ScheduledItem is the per-recipient summary returned after scheduling.
type ScheduledItem struct {
	ID           int64     `json:"id"`
	To           string    `json:"to"`
	ScheduledFor time.Time `json:"scheduledFor"`
	Queued       bool      `json:"-"`
}

// BatchResult summarises one schedule request.
type BatchResult struct {
	Scheduled int             `json:"scheduled"`
	Emails    []ScheduledItem `json:"emails"`
	// Orphaned counts records persisted without a queue task. The
	// reconcile sweep picks them up.
	Orphaned int `json:"-"`
}

// StatusCounts is a per-status tally of a user's emails.
type StatusCounts struct {
	Scheduled int `json:"scheduled"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}
