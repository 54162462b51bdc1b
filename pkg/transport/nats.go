package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConn adapts a core NATS connection to the Conn interface.
type NATSConn struct {
	nc       *nats.Conn
	closedCh chan struct{}
	logger   *slog.Logger
}

// DialNATS connects to the NATS server at url. The connection reconnects
// forever with a short backoff; request fan-out, queue groups, and wildcard
// subjects all come from the server.
func DialNATS(url string) (*NATSConn, error) {
	logger := slog.Default().With("component", "transport")
	closedCh := make(chan struct{})

	nc, err := nats.Connect(url,
		nats.Name("agentmesh-broker"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("transport disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("transport reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("transport async error", "subject", subject, "error", err)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(closedCh)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	logger.Info("transport connected", "url", nc.ConnectedUrl())
	return &NATSConn{nc: nc, closedCh: closedCh, logger: logger}, nil
}

func (c *NATSConn) Publish(subject string, data []byte) error {
	if c.nc.IsClosed() {
		return ErrClosed
	}
	return c.nc.Publish(subject, data)
}

func (c *NATSConn) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if c.nc.IsClosed() {
		return nil, ErrClosed
	}
	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, ErrNoResponders
		}
		return nil, err
	}
	return msg.Data, nil
}

func (c *NATSConn) Subscribe(subject string, handler Handler) (Subscription, error) {
	return c.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(wrapNATSMsg(m))
	})
}

func (c *NATSConn) QueueSubscribe(subject, queue string, handler Handler) (Subscription, error) {
	return c.nc.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		handler(wrapNATSMsg(m))
	})
}

func (c *NATSConn) Flush() error {
	return c.nc.FlushTimeout(5 * time.Second)
}

// Drain unsubscribes, lets handlers in flight finish, and waits for the
// connection to confirm it is gone.
func (c *NATSConn) Drain() error {
	if c.nc.IsClosed() {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return err
	}
	select {
	case <-c.closedCh:
		return nil
	case <-time.After(10 * time.Second):
		c.nc.Close()
		return fmt.Errorf("transport: drain timed out")
	}
}

func (c *NATSConn) Healthy() bool {
	return c.nc.IsConnected()
}

// Close drains the connection so in-flight handlers complete before the
// socket goes away.
func (c *NATSConn) Close() error {
	if c.nc.IsClosed() {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return err
	}
	return nil
}

func wrapNATSMsg(m *nats.Msg) *Msg {
	return &Msg{
		Subject: m.Subject,
		Reply:   m.Reply,
		Data:    m.Data,
		respond: m.Respond,
	}
}
