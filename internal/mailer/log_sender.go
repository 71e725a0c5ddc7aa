package mailer

import (
	"context"
	"net/mail"

	"github.com/unclebandit/email-scheduler/internal/logx"
)

// LogSender stands in for SMTP in development. It validates addresses like
// the real sender and logs instead of delivering.
type LogSender struct {
	Log logx.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) Result {
	if _, err := mail.ParseAddress(msg.To); err != nil {
		return Permanent("invalid recipient address " + msg.To)
	}
	s.Log.Info("email delivered (log sender)",
		logx.String("from", msg.From),
		logx.String("to", msg.To),
		logx.String("subject", msg.Subject),
		logx.String("message_id", msg.ID),
	)
	return Delivered()
}
