package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/jordan-wright/email"

	"github.com/unclebandit/email-scheduler/internal/logx"
)

// SMTPConfig is the relay the SMTPSender delivers through.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	FromName string
	TLS      bool
	Timeout  time.Duration
}

// SMTPSender delivers through an SMTP relay.
type SMTPSender struct {
	cfg  SMTPConfig
	auth smtp.Auth
	log  logx.Logger
	// send is swapped in tests.
	send func(e *email.Email, addr string, auth smtp.Auth) error
}

func NewSMTPSender(cfg SMTPConfig, log logx.Logger) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &SMTPSender{cfg: cfg, log: log}
	if cfg.User != "" {
		s.auth = smtp.PlainAuth("", cfg.User, cfg.Password, cfg.Host)
	}
	if cfg.TLS {
		tlsCfg := &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
		s.send = func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.SendWithTLS(addr, auth, tlsCfg)
		}
	} else {
		s.send = func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		}
	}
	return s
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) Result {
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return Permanent(fmt.Sprintf("invalid sender address %q: %v", msg.From, err))
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return Permanent(fmt.Sprintf("invalid recipient address %q: %v", msg.To, err))
	}

	e := email.NewEmail()
	if s.cfg.FromName != "" && from.Name == "" {
		from.Name = s.cfg.FromName
	}
	e.From = from.String()
	e.To = []string{to.Address}
	e.Subject = msg.Subject
	e.Text = []byte(msg.Body)
	e.HTML = []byte(htmlBody(msg.Body))
	if msg.ID != "" {
		e.Headers.Set("Message-Id", fmt.Sprintf("<%s@%s>", msg.ID, s.cfg.Host))
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	// The email package has no context support, so bound the call here.
	done := make(chan error, 1)
	go func() { done <- s.send(e, addr, s.auth) }()

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()
	select {
	case err = <-done:
	case <-ctx.Done():
		return Transient("send aborted: " + ctx.Err().Error())
	case <-timer.C:
		return Transient("smtp timeout after " + s.cfg.Timeout.String())
	}

	if err != nil {
		res := Classify(err)
		s.log.Debug("smtp send failed",
			logx.String("to", to.Address),
			logx.String("kind", res.Kind.String()),
			logx.Err(err),
		)
		return res
	}
	return Delivered()
}

// htmlBody renders plain text as escaped HTML with line breaks.
func htmlBody(text string) string {
	escaped := html.EscapeString(text)
	escaped = strings.ReplaceAll(escaped, "\r\n", "\n")
	return strings.ReplaceAll(escaped, "\n", "<br>")
}

// Classify maps a transport error to a Result. SMTP 5xx replies are
// permanent; 4xx replies, network trouble and anything unrecognised are
// transient.
func Classify(err error) Result {
	if err == nil {
		return Delivered()
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		reason := fmt.Sprintf("%d %s", tpErr.Code, tpErr.Msg)
		if tpErr.Code >= 500 && tpErr.Code < 600 {
			return Permanent(reason)
		}
		return Transient(reason)
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded):
		return Transient(err.Error())
	}

	if code, ok := leadingReplyCode(err.Error()); ok && code >= 500 {
		return Permanent(err.Error())
	}
	return Transient(err.Error())
}

// leadingReplyCode reads an SMTP reply code from errors that were flattened
// to strings, e.g. "535 5.7.8 Authentication failed".
func leadingReplyCode(s string) (int, bool) {
	if len(s) < 4 || s[3] != ' ' {
		return 0, false
	}
	code, err := strconv.Atoi(s[:3])
	if err != nil || code < 200 || code > 599 {
		return 0, false
	}
	return code, true
}
