package fabric

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Options configures the NATS-backed fabric connection.
type Options struct {
	// Name identifies this client to the fabric (bridge or exporter name).
	Name string
	// Servers to connect to, e.g. ["nats://127.0.0.1:4222"].
	Servers []string
	// ConnectTimeout bounds the initial dial. Default 10s.
	ConnectTimeout time.Duration
}

// NATSConn implements Conn over a core NATS connection.
type NATSConn struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// Dial connects to the fabric. The connection reconnects forever with the
// client library's backoff; publish failures during a reconnect window are
// surfaced to the caller for retry by the publisher.
func Dial(opts Options, logger *zap.Logger) (*NATSConn, error) {
	if len(opts.Servers) == 0 {
		return nil, fmt.Errorf("fabric: no servers configured")
	}
	timeout := opts.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	nc, err := nats.Connect(strings.Join(opts.Servers, ","),
		nats.Name(opts.Name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("fabric disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("fabric reconnected", zap.String("server", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fabric connect: %w", err)
	}
	logger.Info("fabric connected",
		zap.String("server", nc.ConnectedUrl()),
		zap.String("name", opts.Name))
	return &NATSConn{nc: nc, logger: logger}, nil
}

func (c *NATSConn) Publish(key string, data []byte, headers map[string]string) error {
	msg := &nats.Msg{Subject: KeyToSubject(key), Data: data}
	if len(headers) > 0 {
		msg.Header = nats.Header{}
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
	}
	if err := c.nc.PublishMsg(msg); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (c *NATSConn) Subscribe(pattern string, h Handler) (Subscription, error) {
	sub, err := c.nc.Subscribe(KeyToSubject(pattern), func(m *nats.Msg) {
		h(fromNATS(m))
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *NATSConn) Request(key string, data []byte, timeout time.Duration) ([]byte, error) {
	resp, err := c.nc.Request(KeyToSubject(key), data, timeout)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, ErrNoResponders
		}
		return nil, err
	}
	return resp.Data, nil
}

func (c *NATSConn) Respond(m Message, data []byte) error {
	if m.Reply == "" {
		return fmt.Errorf("fabric: message is not a request")
	}
	return c.nc.Publish(m.Reply, data)
}

// Flush pushes all buffered publishes to the server. Called during
// graceful shutdown before tokens are revoked.
func (c *NATSConn) Flush() error { return c.nc.Flush() }

func (c *NATSConn) Close() {
	if c.nc != nil && !c.nc.IsClosed() {
		_ = c.nc.Drain()
	}
}

func fromNATS(m *nats.Msg) Message {
	var headers map[string]string
	if len(m.Header) > 0 {
		headers = make(map[string]string, len(m.Header))
		for k := range m.Header {
			headers[k] = m.Header.Get(k)
		}
	}
	return Message{
		Key:     SubjectToKey(m.Subject),
		Data:    m.Data,
		Headers: headers,
		Reply:   m.Reply,
	}
}
