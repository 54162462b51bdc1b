// Package transport abstracts the messaging fabric the mesh runs on. The
// broker speaks request/reply for governed operations and fire-and-forget
// publish for directory updates, completions, and notifications, all
// at-most-once. The production implementation sits on NATS core subjects;
// MemoryBus provides the same semantics in-process for tests.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned when operating on a closed connection.
	ErrClosed = errors.New("transport: connection closed")

	// ErrNoResponders is returned by Request when nothing is subscribed on
	// the subject. Callers surface this as an unreachable-peer condition.
	ErrNoResponders = errors.New("transport: no responders on subject")

	// ErrNoReplySubject is returned by Msg.Respond when the message was not
	// a request and carries no reply subject.
	ErrNoReplySubject = errors.New("transport: message has no reply subject")
)

// Msg is a single delivered message.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte

	respond func(data []byte) error
}

// Respond replies to a request message.
func (m *Msg) Respond(data []byte) error {
	if m.respond == nil || m.Reply == "" {
		return ErrNoReplySubject
	}
	return m.respond(data)
}

// Handler processes a delivered message. Handlers for a given subscription
// are invoked serially; separate subscriptions run independently.
type Handler func(msg *Msg)

// Subscription is an active subject subscription.
type Subscription interface {
	// Unsubscribe removes the subscription. Messages already delivered to
	// the handler keep running.
	Unsubscribe() error
}

// Conn is the messaging fabric surface the broker uses.
type Conn interface {
	// Publish sends data on subject with at-most-once delivery.
	Publish(subject string, data []byte) error

	// Request publishes data on subject and waits for the first reply or
	// context cancellation. Returns ErrNoResponders when nothing listens.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)

	// Subscribe delivers every message on subject (wildcards allowed) to
	// handler.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// QueueSubscribe delivers each message on subject to one member of the
	// named queue group.
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)

	// Flush blocks until in-flight deliveries have been handed off.
	Flush() error

	// Drain stops intake, lets handlers in flight finish, then closes the
	// connection. After Drain, Close is a no-op.
	Drain() error

	// Healthy reports whether the fabric is currently usable.
	Healthy() bool

	// Close tears the connection down. Outstanding handlers are allowed to
	// finish.
	Close() error
}
