package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/email-scheduler/internal/logx"
)

type fakeChannel struct {
	declared  []string
	published []amqp.Publishing
	keys      []string
	failWith  error
	closed    bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	if !durable || kind != "topic" {
		return errors.New("unexpected exchange settings")
	}
	f.declared = append(f.declared, name)
	return nil
}

func (f *fakeChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.keys = append(f.keys, exchange+"/"+key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestAMQPPublisherRoutesByType(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newAMQPPublisher(ch, "email.events", logx.Nop())
	require.NoError(t, err)
	require.Equal(t, []string{"email.events"}, ch.declared)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, p.Publish(context.Background(), Event{Type: EmailSent, EmailID: 9, Recipient: "a@example.com", At: at}))

	require.Equal(t, []string{"email.events/email.sent"}, ch.keys)
	msg := ch.published[0]
	require.Equal(t, "application/json", msg.ContentType)
	require.Equal(t, amqp.Persistent, msg.DeliveryMode)
	require.NotEmpty(t, msg.MessageId)

	var ev Event
	require.NoError(t, json.Unmarshal(msg.Body, &ev))
	require.Equal(t, EmailSent, ev.Type)
	require.EqualValues(t, 9, ev.EmailID)
	require.True(t, ev.At.Equal(at))

	require.NoError(t, p.Close())
	require.True(t, ch.closed)
}

func TestAMQPPublisherWrapsErrors(t *testing.T) {
	ch := &fakeChannel{failWith: amqp.ErrClosed}
	p, err := newAMQPPublisher(ch, "email.events", logx.Nop())
	require.NoError(t, err)

	err = p.Publish(context.Background(), Event{Type: EmailFailed})
	require.ErrorIs(t, err, amqp.ErrClosed)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	_ = r.Publish(context.Background(), Event{Type: EmailSent, EmailID: 1})
	_ = r.Publish(context.Background(), Event{Type: EmailFailed, EmailID: 2})
	require.Len(t, r.Events(), 2)
	require.Len(t, r.OfType(EmailFailed), 1)
	require.NoError(t, Nop{}.Publish(context.Background(), Event{}))
}
