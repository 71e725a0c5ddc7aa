package mailer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"testing"
	"time"

	"github.com/jordan-wright/email"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/email-scheduler/internal/errors"
	"github.com/unclebandit/email-scheduler/internal/logx"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Success},
		{"mailbox unavailable", &textproto.Error{Code: 550, Msg: "mailbox unavailable"}, PermanentFailure},
		{"wrapped 553", fmt.Errorf("rcpt: %w", &textproto.Error{Code: 553, Msg: "bad address"}), PermanentFailure},
		{"greylisted", &textproto.Error{Code: 421, Msg: "try again later"}, TransientFailure},
		{"dial", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, TransientFailure},
		{"eof", io.EOF, TransientFailure},
		{"deadline", context.DeadlineExceeded, TransientFailure},
		{"flattened auth failure", errors.New("535 5.7.8 Authentication failed"), PermanentFailure},
		{"flattened 451", errors.New("451 4.3.0 local error"), TransientFailure},
		{"unknown", errors.New("something odd"), TransientFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.err).Kind)
		})
	}
}

func TestResultErr(t *testing.T) {
	require.NoError(t, Delivered().Err())

	var perm *appErrors.ErrPermanentSend
	require.ErrorAs(t, Permanent("550").Err(), &perm)

	var tr *appErrors.ErrTransientSend
	require.ErrorAs(t, Transient("421").Err(), &tr)
}

func newTestSender(send func(e *email.Email, addr string, auth smtp.Auth) error) *SMTPSender {
	s := NewSMTPSender(SMTPConfig{Host: "smtp.test", Port: 2525, FromName: "Scheduler", Timeout: 200 * time.Millisecond}, logx.Nop())
	s.send = send
	return s
}

func TestSMTPSenderBuildsMessage(t *testing.T) {
	var (
		got  *email.Email
		addr string
	)
	s := newTestSender(func(e *email.Email, a string, _ smtp.Auth) error {
		got, addr = e, a
		return nil
	})

	res := s.Send(context.Background(), Message{
		ID:      "email-7",
		From:    "sender@example.com",
		To:      "Ada <ada@example.com>",
		Subject: "Launch",
		Body:    "Hello <team>\nSee you soon",
	})
	require.Equal(t, Success, res.Kind)
	require.Equal(t, "smtp.test:2525", addr)
	require.Equal(t, []string{"ada@example.com"}, got.To)
	require.Equal(t, `"Scheduler" <sender@example.com>`, got.From)
	require.Equal(t, "Launch", got.Subject)
	require.Equal(t, "Hello &lt;team&gt;<br>See you soon", string(got.HTML))
	require.Equal(t, "<email-7@smtp.test>", got.Headers.Get("Message-Id"))
}

func TestSMTPSenderRejectsBadAddressesWithoutSending(t *testing.T) {
	called := false
	s := newTestSender(func(*email.Email, string, smtp.Auth) error {
		called = true
		return nil
	})

	res := s.Send(context.Background(), Message{From: "sender@example.com", To: "not-an-address"})
	require.Equal(t, PermanentFailure, res.Kind)
	require.Contains(t, res.Reason, "invalid recipient")

	res = s.Send(context.Background(), Message{From: "", To: "ada@example.com"})
	require.Equal(t, PermanentFailure, res.Kind)
	require.False(t, called)
}

func TestSMTPSenderClassifiesRelayErrors(t *testing.T) {
	s := newTestSender(func(*email.Email, string, smtp.Auth) error {
		return &textproto.Error{Code: 550, Msg: "5.1.1 user unknown"}
	})
	res := s.Send(context.Background(), Message{From: "s@example.com", To: "ghost@example.com"})
	require.Equal(t, PermanentFailure, res.Kind)
	require.Equal(t, "550 5.1.1 user unknown", res.Reason)

	s = newTestSender(func(*email.Email, string, smtp.Auth) error {
		return &textproto.Error{Code: 452, Msg: "mailbox full"}
	})
	res = s.Send(context.Background(), Message{From: "s@example.com", To: "full@example.com"})
	require.Equal(t, TransientFailure, res.Kind)
}

func TestSMTPSenderTimeoutAndCancel(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	s := newTestSender(func(*email.Email, string, smtp.Auth) error {
		<-block
		return nil
	})

	res := s.Send(context.Background(), Message{From: "s@example.com", To: "slow@example.com"})
	require.Equal(t, TransientFailure, res.Kind)
	require.Contains(t, res.Reason, "timeout")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = s.Send(ctx, Message{From: "s@example.com", To: "slow@example.com"})
	require.Equal(t, TransientFailure, res.Kind)
}

func TestLogSender(t *testing.T) {
	s := LogSender{Log: logx.Nop()}
	require.Equal(t, Success, s.Send(context.Background(), Message{From: "a@example.com", To: "b@example.com"}).Kind)
	require.Equal(t, PermanentFailure, s.Send(context.Background(), Message{To: "nope"}).Kind)
}
